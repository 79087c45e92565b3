package dto

import (
	"time"

	"github.com/qs3c/archmind/internal/model"
)

// HistoryItem 历史列表项（缓存的就是这个投影）
type HistoryItem struct {
	ID               int64  `json:"id"`
	RepoName         string `json:"repo_name"`
	RepoURL          string `json:"repo_url"`
	LastAccessed     string `json:"last_accessed"`
	HasDocumentation bool   `json:"has_documentation"`
	HasHLD           bool   `json:"has_hld"`
	HasLLD           bool   `json:"has_lld"`
}

// HistoryDetail 历史详情，包含完整产物
type HistoryDetail struct {
	ID            int64               `json:"id"`
	RepoName      string              `json:"repo_name"`
	RepoURL       string              `json:"repo_url"`
	Documentation string              `json:"documentation"`
	HLDGraph      model.DiagramResult `json:"hld_graph"`
	LLDGraph      model.DiagramResult `json:"lld_graph"`
	ChatSummary   string              `json:"chat_summary"`
	LastAccessed  string              `json:"last_accessed"`
	CreatedAt     string              `json:"created_at"`
}

func NewHistoryItem(h *model.RepositoryHistory) HistoryItem {
	return HistoryItem{
		ID:               h.ID,
		RepoName:         h.RepoName,
		RepoURL:          h.RepoURL,
		LastAccessed:     h.LastAccessed.UTC().Format(time.RFC3339Nano),
		HasDocumentation: h.Documentation != "",
		HasHLD:           h.HLDGraph.IsOK(),
		HasLLD:           h.LLDGraph.IsOK(),
	}
}

func NewHistoryDetail(h *model.RepositoryHistory) *HistoryDetail {
	return &HistoryDetail{
		ID:            h.ID,
		RepoName:      h.RepoName,
		RepoURL:       h.RepoURL,
		Documentation: h.Documentation,
		HLDGraph:      h.HLDGraph,
		LLDGraph:      h.LLDGraph,
		ChatSummary:   h.ChatSummary,
		LastAccessed:  h.LastAccessed.UTC().Format(time.RFC3339Nano),
		CreatedAt:     h.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
