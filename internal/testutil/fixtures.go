package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/archmind/internal/model"
)

// TestUser 创建测试用户
func TestUser(t *testing.T, db *gorm.DB, opts ...func(*model.User)) *model.User {
	t.Helper()

	email := fmt.Sprintf("test_%d@example.com", time.Now().UnixNano())
	user := &model.User{
		Username: fmt.Sprintf("testuser_%d", time.Now().UnixNano()),
		Email:    &email,
	}

	for _, opt := range opts {
		opt(user)
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return user
}

// WithUsername 设置用户名
func WithUsername(username string) func(*model.User) {
	return func(u *model.User) {
		u.Username = username
	}
}

// WithEmail 设置邮箱
func WithEmail(email string) func(*model.User) {
	return func(u *model.User) {
		u.Email = &email
	}
}

// TestHistory 直接写入一条历史记录，不经过容量淘汰
func TestHistory(t *testing.T, db *gorm.DB, userID int64, repoURL string, opts ...func(*model.RepositoryHistory)) *model.RepositoryHistory {
	t.Helper()

	now := time.Now().UTC()
	entry := &model.RepositoryHistory{
		UserID:        userID,
		RepoURL:       repoURL,
		RepoName:      "repo",
		Documentation: "# Docs",
		HLDGraph:      model.NewDiagramOK(model.Graph{"title": "HLD", "mermaid_code": "graph TD"}),
		LLDGraph:      model.NewDiagramOK(model.Graph{"title": "LLD", "mermaid_code": "sequenceDiagram"}),
		ChatSummary:   "summary",
		LastAccessed:  now,
		CreatedAt:     now,
	}

	for _, opt := range opts {
		opt(entry)
	}

	if err := db.Create(entry).Error; err != nil {
		t.Fatalf("Failed to create test history: %v", err)
	}

	return entry
}

// WithRepoName 设置仓库名
func WithRepoName(name string) func(*model.RepositoryHistory) {
	return func(h *model.RepositoryHistory) {
		h.RepoName = name
	}
}

// WithLastAccessed 设置最近访问时间
func WithLastAccessed(at time.Time) func(*model.RepositoryHistory) {
	return func(h *model.RepositoryHistory) {
		h.LastAccessed = at.UTC()
		h.CreatedAt = at.UTC()
	}
}

// WithHLDError 设置 HLD 为失败结果
func WithHLDError(message string) func(*model.RepositoryHistory) {
	return func(h *model.RepositoryHistory) {
		h.HLDGraph = model.NewDiagramError(message, "")
	}
}

// TestLog 创建测试分析记录；userID 为 0 表示匿名会话
func TestLog(t *testing.T, db *gorm.DB, userID int64, sessionID, status string) *model.AnalysisLog {
	t.Helper()

	log := &model.AnalysisLog{
		SessionID: sessionID,
		RepoURL:   "https://github.com/example/repo",
		Status:    status,
	}
	if userID > 0 {
		log.UserID = &userID
	}

	if err := db.Create(log).Error; err != nil {
		t.Fatalf("Failed to create test log: %v", err)
	}

	return log
}
