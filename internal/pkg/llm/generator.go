package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/retry"
)

var (
	ErrUnknownKind   = errors.New("unknown artifact kind")
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Generator 按产物类型选择提示词与模型，聊天类产物使用 chat_model
type Generator struct {
	provider  Provider
	model     string
	chatModel string
	retry     retry.Config
}

func NewGenerator(provider Provider, cfg *config.GenerationConfig) *Generator {
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = cfg.Model
	}
	return &Generator{
		provider:  provider,
		model:     cfg.Model,
		chatModel: chatModel,
		retry:     retry.DefaultConfig(cfg.MaxRetries),
	}
}

// SetRetry 覆盖退避配置
func (g *Generator) SetRetry(rc retry.Config) {
	g.retry = rc
}

// ModelFor 产物使用的模型
func (g *Generator) ModelFor(kind Kind) string {
	if kind == KindChatSummary {
		return g.chatModel
	}
	return g.model
}

// Generate 生成一个产物的原始文本
func (g *Generator) Generate(ctx context.Context, kind Kind, contextText, repoName string) (string, error) {
	template, ok := promptTemplates[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return g.complete(ctx, string(kind), g.ModelFor(kind), renderPrompt(template, repoName, contextText, ""))
}

// Answer 基于检索上下文回答提问
func (g *Generator) Answer(ctx context.Context, contextText, repoName, question string) (string, error) {
	return g.complete(ctx, "chat", g.chatModel, renderPrompt(chatAnswerPrompt, repoName, contextText, question))
}

func (g *Generator) complete(ctx context.Context, label, model, prompt string) (string, error) {
	log.Printf("LLM: requesting %s from %s/%s (%d chars of prompt)", label, g.provider.Name(), model, len(prompt))

	text, err := retry.Do(ctx, g.retry, func() (string, error) {
		return g.provider.Complete(ctx, CompletionRequest{Model: model, Prompt: prompt})
	})
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", label, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generate %s: %w", label, ErrEmptyResponse)
	}
	return text, nil
}
