package handler

import (
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/response"
	"github.com/qs3c/archmind/internal/service"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// Ask 针对已分析仓库提问
// POST /api/v1/chat
func (h *ChatHandler) Ask(c *gin.Context) {
	var req dto.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.chatService.Ask(c.Request.Context(), req.RepoURL, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyQuestion), errors.Is(err, repourl.ErrInvalidURL):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrNoRepository),
			errors.Is(err, service.ErrRepositoryNotIndexed),
			errors.Is(err, service.ErrNoChatContext):
			response.NotFoundError(c, err.Error())
		default:
			log.Printf("Chat: failed to answer question: %v", err)
			response.ServerError(c, "failed to answer the question")
		}
		return
	}

	response.Success(c, resp)
}
