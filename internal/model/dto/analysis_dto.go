package dto

import "github.com/qs3c/archmind/internal/model"

// AnalyzeRequest 提交分析请求
type AnalyzeRequest struct {
	RepoURL string `json:"repo_url" binding:"required,max=500"`
}

// AnalyzeResponse 提交分析响应
type AnalyzeResponse struct {
	LogID   int64  `json:"log_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CheckLimitResponse 匿名配额查询响应
type CheckLimitResponse struct {
	CanGenerate   bool `json:"can_generate"`
	Count         int  `json:"count"`
	Limit         int  `json:"limit"`
	Authenticated bool `json:"authenticated"`
}

// ChatRequest 针对已索引仓库的提问
type ChatRequest struct {
	RepoURL  string `json:"repo_url,omitempty" binding:"omitempty,max=500"`
	Question string `json:"question" binding:"required,max=2000"`
}

// ChatResponse 提问回答
type ChatResponse struct {
	Answer   string `json:"answer"`
	RepoName string `json:"repo_name"`
	RepoURL  string `json:"repo_url"`
}

// StatusResponse 与 model.AnalysisStatus 同形，单独声明便于接口文档
type StatusResponse = model.AnalysisStatus
