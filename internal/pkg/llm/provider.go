// Package llm 生成模型网关：四类产物共用同一套提示词约定，底层可切换 Gemini 与 OpenAI 兼容接口
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/retry"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// Provider 单次文本补全
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Name() string
}

type CompletionRequest struct {
	Model  string
	Prompt string
}

// NewProvider 按配置创建提供方
func NewProvider(cfg *config.GenerationConfig) (Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires generation.api_key")
		}
		return NewGeminiProvider(cfg.BaseURL, cfg.APIKey, client), nil
	case "openai":
		return NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, client), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q (supported: gemini, openai)", cfg.Provider)
	}
}

// postJSON 发送请求并解码响应；4xx（429 除外）标记为不可重试
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GeminiProvider Gemini generateContent 接口
type GeminiProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGeminiProvider(baseURL, apiKey string, client *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiProvider{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, client: client}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))

	payload := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]string{{"text": req.Prompt}},
			},
		},
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := postJSON(ctx, p.client, endpoint, map[string]string{"x-goog-api-key": p.apiKey}, payload, &result); err != nil {
		return "", fmt.Errorf("gemini %s: %w", req.Model, err)
	}

	if len(result.Candidates) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// OpenAIProvider OpenAI 兼容的 chat/completions 接口
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIProvider(baseURL, apiKey string, client *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, client: client}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", headers, payload, &result); err != nil {
		return "", fmt.Errorf("openai %s: %w", req.Model, err)
	}

	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}
