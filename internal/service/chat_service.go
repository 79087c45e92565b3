package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/model/dto"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/status"
)

var (
	ErrNoRepository         = errors.New("no analyzed repository, run an analysis first")
	ErrRepositoryNotIndexed = errors.New("repository has not been indexed yet")
	ErrEmptyQuestion        = errors.New("question is required")
	ErrNoChatContext        = errors.New("no relevant context found for the question")
)

// ChatIndex 问答只需要向量库的只读能力
type ChatIndex interface {
	Exists(ctx context.Context, key string) (bool, error)
	QuerySimilar(ctx context.Context, key, query string, k int) (string, error)
}

// ChatAnswerer 基于上下文回答问题
type ChatAnswerer interface {
	Answer(ctx context.Context, contextText, repoName, question string) (string, error)
}

// ChatService 针对已索引仓库的问答
type ChatService struct {
	index    ChatIndex
	answerer ChatAnswerer
	status   status.Store
	topK     int
}

func NewChatService(index ChatIndex, answerer ChatAnswerer, store status.Store, topK int) *ChatService {
	if topK <= 0 {
		topK = 15
	}
	return &ChatService{
		index:    index,
		answerer: answerer,
		status:   store,
		topK:     topK,
	}
}

// Ask repoURL 为空时使用最近一次完成的分析
func (s *ChatService) Ask(ctx context.Context, repoURL, question string) (*dto.ChatResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	if strings.TrimSpace(repoURL) == "" {
		current, err := s.status.Read(ctx)
		if err != nil {
			return nil, err
		}
		if current.State != model.StateCompleted || current.Result == nil {
			return nil, ErrNoRepository
		}
		repoURL = current.Result.RepoURL
		if repoURL == "" {
			repoURL = current.RepoURL
		}
	} else if err := repourl.Validate(repoURL); err != nil {
		return nil, err
	}

	key := repourl.IndexKey(repoURL)
	exists, err := s.index.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check index: %w", err)
	}
	if !exists {
		return nil, ErrRepositoryNotIndexed
	}

	contextText, err := s.index.QuerySimilar(ctx, key, question, s.topK)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}
	if strings.TrimSpace(contextText) == "" {
		return nil, ErrNoChatContext
	}

	name := repourl.Name(repoURL)
	answer, err := s.answerer.Answer(ctx, contextText, name, question)
	if err != nil {
		return nil, err
	}

	return &dto.ChatResponse{
		Answer:   answer,
		RepoName: name,
		RepoURL:  repourl.Normalize(repoURL),
	}, nil
}
