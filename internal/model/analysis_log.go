package model

import (
	"time"
)

// 分析记录状态
const (
	LogPending    = "pending"
	LogProcessing = "processing"
	LogCompleted  = "completed"
	LogFailed     = "failed"
)

// AnalysisLog 每次被受理的分析请求，匿名会话配额按 session_id 计数
type AnalysisLog struct {
	ID           int64      `gorm:"primaryKey" json:"id"`
	UserID       *int64     `gorm:"index" json:"user_id,omitempty"`
	SessionID    string     `gorm:"size:64;index" json:"session_id,omitempty"`
	RepoURL      string     `gorm:"size:500;not null" json:"repo_url"`
	Status       string     `gorm:"size:20;default:pending;index" json:"status"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	ArchiveURL   string     `gorm:"size:500" json:"archive_url,omitempty"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (AnalysisLog) TableName() string {
	return "analysis_logs"
}
