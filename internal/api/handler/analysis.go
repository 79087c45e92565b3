package handler

import (
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/internal/api/middleware"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/response"
	"github.com/qs3c/archmind/internal/service"
)

type AnalysisHandler struct {
	analysisService *service.AnalysisService
	quotaService    *service.QuotaService
}

func NewAnalysisHandler(analysisService *service.AnalysisService, quotaService *service.QuotaService) *AnalysisHandler {
	return &AnalysisHandler{
		analysisService: analysisService,
		quotaService:    quotaService,
	}
}

// Analyze 提交仓库分析
// POST /api/v1/analyze
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	var req dto.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	userID, _ := middleware.GetUserID(c)
	sessionID := ""
	if userID == 0 {
		sessionID = middleware.GetSessionID(c)
	}

	resp, err := h.analysisService.Start(c.Request.Context(), userID, sessionID, req.RepoURL)
	if err != nil {
		switch {
		case errors.Is(err, repourl.ErrInvalidURL), errors.Is(err, service.ErrMissingSession):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrAnalysisInProgress):
			response.ConflictError(c, err.Error())
		case errors.Is(err, service.ErrQuotaExceeded):
			response.QuotaError(c, err.Error())
		default:
			log.Printf("Analyze: failed to start analysis of %s: %v", req.RepoURL, err)
			response.ServerError(c, "failed to start analysis")
		}
		return
	}

	response.SuccessWithMessage(c, resp.Message, resp)
}

// Status 当前分析状态
// GET /api/v1/status
func (h *AnalysisHandler) Status(c *gin.Context) {
	st, err := h.analysisService.GetStatus(c.Request.Context())
	if err != nil {
		log.Printf("Status: failed to read status: %v", err)
		response.ServerError(c, "failed to read analysis status")
		return
	}

	response.Success(c, st)
}

// CheckLimit 查询当前调用方还能否发起分析
// GET /api/v1/check-limit
func (h *AnalysisHandler) CheckLimit(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	info, err := h.quotaService.GetLimitInfo(userID, middleware.GetSessionID(c))
	if err != nil {
		response.ServerError(c, "failed to check analysis limit")
		return
	}

	response.Success(c, info)
}
