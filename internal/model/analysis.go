package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// 分析状态
const (
	StateIdle       = "idle"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateError      = "error"
)

// AnalysisStatus 当前分析任务的状态快照，由状态存储整体替换
// LogID 为占用状态槽的分析记录，0 表示无主
type AnalysisStatus struct {
	LogID     int64           `json:"log_id,omitempty"`
	State     string          `json:"status"`
	Step      string          `json:"step,omitempty"`
	RepoURL   string          `json:"repo_url,omitempty"`
	Result    *AnalysisResult `json:"result"`
	Error     *string         `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

// IdleStatus 从未写入过状态时的默认值
func IdleStatus() *AnalysisStatus {
	return &AnalysisStatus{State: StateIdle}
}

// OwnedBy 状态槽无主或属于 logID
func (s *AnalysisStatus) OwnedBy(logID int64) bool {
	return s.LogID == 0 || s.LogID == logID
}

// IsTerminal 是否为终态
func (s *AnalysisStatus) IsTerminal() bool {
	return s.State == StateCompleted || s.State == StateError
}

// Validate 校验 result/error 与状态的对应关系
func (s *AnalysisStatus) Validate() error {
	switch s.State {
	case StateIdle, StateProcessing:
		if s.Result != nil || s.Error != nil {
			return fmt.Errorf("status %s must not carry result or error", s.State)
		}
	case StateCompleted:
		if s.Result == nil || s.Error != nil {
			return fmt.Errorf("completed status requires a result and no error")
		}
	case StateError:
		if s.Error == nil || s.Result != nil {
			return fmt.Errorf("error status requires an error and no result")
		}
	default:
		return fmt.Errorf("unknown status %q", s.State)
	}
	return nil
}

// AnalysisResult 一次分析的全部产物
type AnalysisResult struct {
	Documentation  string            `json:"chat_response"`
	HLDGraph       DiagramResult     `json:"hld_graph"`
	LLDGraph       DiagramResult     `json:"lld_graph"`
	ChatSummary    string            `json:"chat_summary"`
	RepoName       string            `json:"repo_name"`
	RepoURL        string            `json:"repo_url"`
	ArtifactErrors map[string]string `json:"artifact_errors,omitempty"`
	ArchiveURL     string            `json:"archive_url,omitempty"`
}

// 图表解析结果
const (
	DiagramOK    = "ok"
	DiagramError = "error"
)

// Graph 模型返回的图表对象，保留全部原始字段
type Graph map[string]any

func (g Graph) str(key string) string {
	if v, ok := g[key].(string); ok {
		return v
	}
	return ""
}

func (g Graph) Title() string       { return g.str("title") }
func (g Graph) Description() string { return g.str("description") }

// Code 图表源码，兼容 mermaid_code 与 diagram_code 两种字段名
func (g Graph) Code() string {
	if code := g.str("mermaid_code"); code != "" {
		return code
	}
	return g.str("diagram_code")
}

// DiagramResult 图表产物：ok 时携带 Graph，error 时携带 Message 与截断的原始输出
type DiagramResult struct {
	Status     string `json:"status"`
	Graph      Graph  `json:"graph,omitempty"`
	Message    string `json:"message,omitempty"`
	RawPreview string `json:"raw_preview,omitempty"`
}

func NewDiagramOK(graph Graph) DiagramResult {
	return DiagramResult{Status: DiagramOK, Graph: graph}
}

func NewDiagramError(message, rawPreview string) DiagramResult {
	return DiagramResult{Status: DiagramError, Message: message, RawPreview: rawPreview}
}

func (d DiagramResult) IsOK() bool {
	return d.Status == DiagramOK
}

func (d DiagramResult) Value() (driver.Value, error) {
	if d.Status == "" {
		return "null", nil
	}
	return json.Marshal(d)
}

func (d *DiagramResult) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*d = DiagramResult{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported diagram column type %T", value)
	}
	if len(data) == 0 || string(data) == "null" {
		*d = DiagramResult{}
		return nil
	}
	return json.Unmarshal(data, d)
}
