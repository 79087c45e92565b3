package model

import (
	"time"
)

// RepositoryHistory 用户最近分析过的仓库，每个用户最多保留固定条数
type RepositoryHistory struct {
	ID            int64         `gorm:"primaryKey" json:"id"`
	UserID        int64         `gorm:"not null;uniqueIndex:idx_history_user_repo,priority:1;index:idx_history_user_accessed,priority:1" json:"user_id"`
	RepoURL       string        `gorm:"size:500;not null;uniqueIndex:idx_history_user_repo,priority:2" json:"repo_url"`
	RepoName      string        `gorm:"size:200;not null" json:"repo_name"`
	Documentation string        `gorm:"type:longtext" json:"documentation"`
	HLDGraph      DiagramResult `gorm:"column:hld_graph;type:json" json:"hld_graph"`
	LLDGraph      DiagramResult `gorm:"column:lld_graph;type:json" json:"lld_graph"`
	ChatSummary   string        `gorm:"type:text" json:"chat_summary"`
	LastAccessed  time.Time     `gorm:"not null;index:idx_history_user_accessed,priority:2" json:"last_accessed"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (RepositoryHistory) TableName() string {
	return "repository_history"
}
