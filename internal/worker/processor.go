package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/pkg/llm"
	"github.com/qs3c/archmind/internal/pkg/mermaid"
	"github.com/qs3c/archmind/internal/pkg/metrics"
	"github.com/qs3c/archmind/internal/pkg/pubsub"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/status"
)

// 致命错误的用户可见信息
const (
	NoFilesMessage         = "No processable files found in repository"
	RetrievalFailedMessage = "Failed to retrieve context from vector store"
	IndexFailedMessage     = "Failed to index repository"
	ReadFilesFailedMessage = "Failed to read repository files"
	InternalFailureMessage = "Analysis failed unexpectedly"
)

const (
	diagramLabelHLD = "HLD"
	diagramLabelLLD = "LLD"
)

// defaultHeartbeat 未配置过期时长时长阶段的刷新间隔
const defaultHeartbeat = 10 * time.Minute

// FileSource 仓库文件来源
type FileSource interface {
	Materialize(ctx context.Context, locator string) (string, error)
	ListFiles(handle string, allowExt, ignoreDirs []string) (map[string]string, error)
	Release(handle string)
}

// VectorIndex 向量库
type VectorIndex interface {
	Exists(ctx context.Context, key string) (bool, error)
	EmbedAndStore(ctx context.Context, key string, files map[string]string) (int, error)
	QuerySimilar(ctx context.Context, key, query string, k int) (string, error)
}

// Generator 生成模型
type Generator interface {
	Generate(ctx context.Context, kind llm.Kind, contextText, repoName string) (string, error)
}

// HistoryWriter 登录用户的历史记录
type HistoryWriter interface {
	Save(ctx context.Context, userID int64, result *model.AnalysisResult) error
}

// RunLog 分析记录状态
type RunLog interface {
	UpdateStatus(id int64, status, errMsg string) error
	SetArchiveURL(id int64, url string) error
}

// ProgressPublisher 进度推送
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, msg *pubsub.ProgressMessage) error
}

// Archiver 结果归档
type Archiver interface {
	Save(ctx context.Context, logID int64, result *model.AnalysisResult) (string, error)
}

// Job 一次分析任务；OwnerID 为 0 表示匿名
type Job struct {
	LogID     int64
	OwnerID   int64
	SessionID string
	RepoURL   string
}

// Deps 处理器依赖；History/Logs/Publisher/Archiver 可为 nil
type Deps struct {
	Source    FileSource
	Index     VectorIndex
	Generator Generator
	Status    status.Store
	History   HistoryWriter
	Logs      RunLog
	Publisher ProgressPublisher
	Archiver  Archiver
}

// Processor 分析流水线：克隆 -> 索引 -> 检索 -> 生成 -> 清洗 -> 终态
type Processor struct {
	deps       Deps
	allowExt   []string
	ignoreDirs []string
	query      string
	topK       int
	concurrent bool
	now        func() time.Time

	// heartbeatEvery 长阶段内刷新 processing 时间戳的间隔
	heartbeatEvery time.Duration
}

func NewProcessor(deps Deps, analysis *config.AnalysisConfig, generation *config.GenerationConfig) *Processor {
	p := &Processor{
		deps:       deps,
		allowExt:   analysis.AllowedExtensions,
		ignoreDirs: analysis.IgnoredDirectories,
		query:      analysis.ContextQuery,
		topK:       analysis.TopK,
		concurrent: generation.Concurrent,
		now:        time.Now,
	}
	p.heartbeatEvery = analysis.StaleAfter() / 3
	if p.heartbeatEvery <= 0 {
		p.heartbeatEvery = defaultHeartbeat
	}
	if len(p.allowExt) == 0 {
		p.allowExt = config.DefaultAllowedExtensions
	}
	if len(p.ignoreDirs) == 0 {
		p.ignoreDirs = config.DefaultIgnoredDirectories
	}
	if p.query == "" {
		p.query = config.DefaultContextQuery
	}
	if p.topK <= 0 {
		p.topK = 15
	}
	return p
}

// SetClock 测试用
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// SetHeartbeatInterval 测试用
func (p *Processor) SetHeartbeatInterval(d time.Duration) {
	p.heartbeatEvery = d
}

// Process 处理队列消息
func (p *Processor) Process(ctx context.Context, msg *queue.JobMessage) error {
	if !msg.EnqueuedAt.IsZero() {
		log.Printf("Processor: log %d waited %s in queue", msg.LogID, time.Since(msg.EnqueuedAt).Round(time.Millisecond))
	}
	return p.Run(ctx, Job{
		LogID:     msg.LogID,
		OwnerID:   msg.UserID,
		SessionID: msg.SessionID,
		RepoURL:   msg.RepoURL,
	})
}

// fatalError 终止流水线的错误，Message 直接展示给用户
type fatalError struct {
	Message string
	Err     error
}

func (e *fatalError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.Err
}

func fatal(message string, err error) error {
	return &fatalError{Message: message, Err: err}
}

// userMessage 写入状态的错误信息
func userMessage(err error) string {
	var ce *CloneError
	if errors.As(err, &ce) {
		return ce.UserMessage
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// Run 执行一次完整分析；无论成功失败都会写入终态
func (p *Processor) Run(ctx context.Context, job Job) (err error) {
	job.RepoURL = repourl.Normalize(job.RepoURL)
	started := p.now()
	log.Printf("Job %d: analysis started for %s", job.LogID, job.RepoURL)

	var result *model.AnalysisResult
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %d: panic during analysis: %v", job.LogID, r)
			result = nil
			err = fatal(InternalFailureMessage, fmt.Errorf("%v", r))
		}
		p.finish(ctx, job, result, err)
		elapsed := p.now().Sub(started)
		outcome := metrics.OutcomeCompleted
		if err != nil {
			outcome = metrics.OutcomeError
		}
		metrics.RecordRun(outcome, elapsed)
		log.Printf("Job %d: finished in %s", job.LogID, elapsed.Round(time.Millisecond))
	}()

	result, err = p.execute(ctx, job)
	return err
}

func (p *Processor) execute(ctx context.Context, job Job) (*model.AnalysisResult, error) {
	repoName := repourl.Name(job.RepoURL)
	stages := metrics.NewStageTimer(p.now)
	defer stages.Enter("")
	enter := func(step string) {
		stages.Enter(step)
		p.heartbeat(ctx, job, step)
	}

	enter(pubsub.StepCloning)
	p.updateLog(job, model.LogProcessing, "")

	var handle string
	var err error
	p.during(ctx, job, pubsub.StepCloning, func() {
		handle, err = p.deps.Source.Materialize(ctx, job.RepoURL)
	})
	if err != nil {
		log.Printf("Job %d: clone failed: %v", job.LogID, err)
		var ce *CloneError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, fatal(CloneFailedMessage, err)
	}
	defer p.deps.Source.Release(handle)

	key := repourl.IndexKey(job.RepoURL)
	enter(pubsub.StepIndexing)

	exists, err := p.deps.Index.Exists(ctx, key)
	if err != nil {
		log.Printf("Job %d: index lookup failed, rebuilding: %v", job.LogID, err)
		exists = false
	}

	if exists {
		log.Printf("Job %d: reusing existing index %s", job.LogID, key)
		metrics.RecordIndexReused()
	} else {
		files, err := p.deps.Source.ListFiles(handle, p.allowExt, p.ignoreDirs)
		if err != nil {
			return nil, fatal(ReadFilesFailedMessage, err)
		}
		if len(files) == 0 {
			return nil, fatal(NoFilesMessage, nil)
		}

		var stored int
		p.during(ctx, job, pubsub.StepIndexing, func() {
			stored, err = p.deps.Index.EmbedAndStore(ctx, key, files)
		})
		if err != nil {
			return nil, fatal(IndexFailedMessage, err)
		}
		log.Printf("Job %d: indexed %d/%d files", job.LogID, stored, len(files))
		metrics.RecordFilesIndexed(stored)
	}

	enter(pubsub.StepRetrieving)
	contextText, err := p.deps.Index.QuerySimilar(ctx, key, p.query, p.topK)
	if err != nil {
		return nil, fatal(RetrievalFailedMessage, err)
	}
	if strings.TrimSpace(contextText) == "" {
		return nil, fatal(RetrievalFailedMessage, nil)
	}

	enter(pubsub.StepGenerating)
	var raw map[llm.Kind]string
	var genErrs map[llm.Kind]error
	p.during(ctx, job, pubsub.StepGenerating, func() {
		raw, genErrs = p.generate(ctx, contextText, repoName)
	})

	result := &model.AnalysisResult{
		Documentation: raw[llm.KindDocumentation],
		HLDGraph:      mermaid.ParseDiagram(raw[llm.KindHLD], diagramLabelHLD),
		LLDGraph:      mermaid.ParseDiagram(raw[llm.KindLLD], diagramLabelLLD),
		ChatSummary:   raw[llm.KindChatSummary],
		RepoName:      repoName,
		RepoURL:       job.RepoURL,
	}
	if len(genErrs) > 0 {
		result.ArtifactErrors = make(map[string]string, len(genErrs))
		for kind, gerr := range genErrs {
			result.ArtifactErrors[string(kind)] = gerr.Error()
			metrics.RecordArtifactFailure(string(kind))
		}
	}

	enter(pubsub.StepSaving)
	if p.deps.Archiver != nil && job.LogID > 0 {
		url, err := p.deps.Archiver.Save(ctx, job.LogID, result)
		if err != nil {
			log.Printf("Job %d: archive failed: %v", job.LogID, err)
		} else {
			result.ArchiveURL = url
		}
	}

	return result, nil
}

// generate 四个产物相互独立，单个失败只记录在对应产物上
func (p *Processor) generate(ctx context.Context, contextText, repoName string) (map[llm.Kind]string, map[llm.Kind]error) {
	raw := make(map[llm.Kind]string, len(llm.Kinds))
	errs := make(map[llm.Kind]error)
	var mu sync.Mutex

	call := func(kind llm.Kind) {
		var text string
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("generation panicked: %v", r)
				}
			}()
			text, err = p.deps.Generator.Generate(ctx, kind, contextText, repoName)
		}()

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs[kind] = err
			return
		}
		raw[kind] = text
	}

	if !p.concurrent {
		for _, kind := range llm.Kinds {
			call(kind)
		}
	} else {
		var g errgroup.Group
		for _, kind := range llm.Kinds {
			kind := kind
			g.Go(func() error {
				call(kind)
				return nil
			})
		}
		_ = g.Wait()
	}

	for kind, err := range errs {
		log.Printf("Generate %s failed: %v", kind, err)
	}
	return raw, errs
}

// finish 写历史、终态、分析记录并推送结束消息
func (p *Processor) finish(ctx context.Context, job Job, result *model.AnalysisResult, runErr error) {
	if runErr == nil && result != nil {
		if p.deps.History != nil && job.OwnerID > 0 {
			if err := p.deps.History.Save(ctx, job.OwnerID, result); err != nil {
				log.Printf("Job %d: failed to save history: %v", job.LogID, err)
			}
		}

		p.writeStatus(ctx, job, &model.AnalysisStatus{
			State:     model.StateCompleted,
			RepoURL:   job.RepoURL,
			Result:    result,
			Timestamp: p.now().Unix(),
		})
		p.updateLog(job, model.LogCompleted, "")
		if p.deps.Logs != nil && job.LogID > 0 && result.ArchiveURL != "" {
			if err := p.deps.Logs.SetArchiveURL(job.LogID, result.ArchiveURL); err != nil {
				log.Printf("Job %d: failed to record archive url: %v", job.LogID, err)
			}
		}
		p.publish(ctx, job, pubsub.StepDone, model.StateCompleted, "")
		log.Printf("Job %d: completed", job.LogID)
		return
	}

	msg := userMessage(runErr)
	p.writeStatus(ctx, job, &model.AnalysisStatus{
		State:     model.StateError,
		RepoURL:   job.RepoURL,
		Error:     &msg,
		Timestamp: p.now().Unix(),
	})
	p.updateLog(job, model.LogFailed, msg)
	p.publish(ctx, job, pubsub.StepDone, model.StateError, msg)
	log.Printf("Job %d: failed: %v", job.LogID, runErr)
}

// heartbeat 每个阶段刷新 processing 时间戳并推送进度
func (p *Processor) heartbeat(ctx context.Context, job Job, step string) {
	p.writeStatus(ctx, job, &model.AnalysisStatus{
		State:     model.StateProcessing,
		Step:      step,
		RepoURL:   job.RepoURL,
		Timestamp: p.now().Unix(),
	})
	p.publish(ctx, job, step, model.StateProcessing, "")
}

// during 执行 fn 期间按 heartbeatEvery 刷新时间戳，fn 返回或 panic 后停止
func (p *Processor) during(ctx context.Context, job Job, step string, fn func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.writeStatus(ctx, job, &model.AnalysisStatus{
					State:     model.StateProcessing,
					Step:      step,
					RepoURL:   job.RepoURL,
					Timestamp: p.now().Unix(),
				})
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	fn()
}

// writeStatus 带 LogID 的任务只在仍持有状态槽时写入，槽被新的受理占用后不再覆盖
func (p *Processor) writeStatus(ctx context.Context, job Job, s *model.AnalysisStatus) {
	if job.LogID <= 0 {
		if err := p.deps.Status.Write(ctx, s); err != nil {
			log.Printf("Job %d: failed to write status %s: %v", job.LogID, s.State, err)
		}
		return
	}

	s.LogID = job.LogID
	written, err := p.deps.Status.WriteOwned(ctx, s)
	if err != nil {
		log.Printf("Job %d: failed to write status %s: %v", job.LogID, s.State, err)
		return
	}
	if !written {
		log.Printf("Job %d: status slot taken by another analysis, skipped %s", job.LogID, s.State)
	}
}

func (p *Processor) updateLog(job Job, state, errMsg string) {
	if p.deps.Logs == nil || job.LogID <= 0 {
		return
	}
	if err := p.deps.Logs.UpdateStatus(job.LogID, state, errMsg); err != nil {
		log.Printf("Job %d: failed to update log: %v", job.LogID, err)
	}
}

func (p *Processor) publish(ctx context.Context, job Job, step, state, errMsg string) {
	if p.deps.Publisher == nil {
		return
	}
	msg := &pubsub.ProgressMessage{
		LogID:     job.LogID,
		UserID:    job.OwnerID,
		SessionID: job.SessionID,
		RepoURL:   job.RepoURL,
		Status:    state,
		Step:      step,
		Error:     errMsg,
	}
	if err := p.deps.Publisher.PublishProgress(ctx, msg); err != nil {
		log.Printf("Job %d: failed to publish progress: %v", job.LogID, err)
	}
}
