package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/internal/api/middleware"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/markdown"
	"github.com/qs3c/archmind/internal/pkg/response"
	"github.com/qs3c/archmind/internal/service"
)

type HistoryHandler struct {
	historyService *service.HistoryService
}

func NewHistoryHandler(historyService *service.HistoryService) *HistoryHandler {
	return &HistoryHandler{
		historyService: historyService,
	}
}

// List 最近分析过的仓库，按访问时间倒序
// GET /api/v1/history
func (h *HistoryHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	items, err := h.historyService.GetHistory(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, gin.H{"items": items})
}

// Get 历史详情
// GET /api/v1/history/:id
func (h *HistoryHandler) Get(c *gin.Context) {
	detail, ok := h.loadDetail(c)
	if !ok {
		return
	}
	response.Success(c, detail)
}

// Document 文档渲染为 HTML 页面，便于直接在浏览器打开
// GET /api/v1/history/:id/document
func (h *HistoryHandler) Document(c *gin.Context) {
	detail, ok := h.loadDetail(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(markdown.Page(detail.RepoName, detail.Documentation)))
}

// loadDetail 校验登录与 id 并读取详情，失败时已写入响应
func (h *HistoryHandler) loadDetail(c *gin.Context) (*dto.HistoryDetail, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return nil, false
	}

	entryID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || entryID <= 0 {
		response.ParamError(c, "invalid history id")
		return nil, false
	}

	detail, err := h.historyService.GetDetails(c.Request.Context(), userID, entryID)
	if err != nil {
		if errors.Is(err, service.ErrHistoryNotFound) {
			response.NotFoundError(c, err.Error())
		} else {
			response.ServerError(c, "")
		}
		return nil, false
	}
	return detail, true
}

// DeleteAll 清空当前用户的历史
// DELETE /api/v1/history
func (h *HistoryHandler) DeleteAll(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	deleted, err := h.historyService.DeleteAll(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.SuccessWithMessage(c, "History cleared", gin.H{"deleted": deleted})
}
