package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
)

// maxResponseBody caps response bodies read from model APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// HTTPProviderConfig configures an OpenAI-compatible chat provider.
type HTTPProviderConfig struct {
	ID      string        `yaml:"id"`
	BaseURL string        `yaml:"base_url"`
	APIKeys []string      `yaml:"api_keys"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
// It cycles API keys through its pool on rotation.
type HTTPProvider struct {
	id      string
	baseURL string
	keys    *KeyPool
	client  *http.Client
	logger  *slog.Logger
}

var (
	_ domain.ModelProvider = (*HTTPProvider)(nil)
	_ KeyRotator           = (*HTTPProvider)(nil)
)

// NewHTTPProvider creates a provider from config.
func NewHTTPProvider(cfg HTTPProviderConfig, log *slog.Logger) (*HTTPProvider, error) {
	if cfg.ID == "" || cfg.BaseURL == "" {
		return nil, domain.NewDomainError("NewHTTPProvider", domain.ErrInvalidInput, "id and base_url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HTTPProvider{
		id:      cfg.ID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		keys:    NewKeyPool(cfg.APIKeys),
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}, nil
}

func (p *HTTPProvider) ID() string { return p.id }

// RotateKey advances the key pool.
func (p *HTTPProvider) RotateKey() bool { return p.keys.Rotate() }

type chatCompletionRequest struct {
	Model           string               `json:"model"`
	Messages        []domain.ChatMessage `json:"messages"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	Temperature     float64              `json:"temperature,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func reasoningEffort(t domain.ThinkingLevel) string {
	switch t {
	case domain.ThinkingStandard:
		return "medium"
	case domain.ThinkingExtended:
		return "high"
	case domain.ThinkingAdaptive:
		return "auto"
	}
	return ""
}

func (p *HTTPProvider) buildBody(req domain.ModelRequest, stream bool) ([]byte, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:           req.Model,
		Messages:        req.Messages,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		ReasoningEffort: reasoningEffort(req.Thinking),
		Stream:          stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// Complete performs a blocking completion.
func (p *HTTPProvider) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := p.doJSON(ctx, body)
	if err != nil {
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.id, Category: CategoryModelError, Detail: "empty choices"}
	}

	resp := &domain.ModelResponse{
		Content:  parsed.Choices[0].Message.Content,
		Model:    parsed.Model,
		Provider: p.id,
	}
	if parsed.Usage != nil {
		resp.Usage = domain.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	p.logger.Debug("model completion finished",
		"provider", p.id, "model", resp.Model, "tokens", resp.Usage.TotalTokens)
	return resp, nil
}

// Stream performs an SSE streaming completion. Errors after the stream
// opens surface as a terminal error chunk.
func (p *HTTPProvider) Stream(ctx context.Context, req domain.ModelRequest) (<-chan domain.StreamChunk, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.doStream(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamChunk)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				ch <- domain.StreamChunk{Type: domain.ChunkDone}
				return
			}

			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue // skip malformed keepalive frames
			}
			if parsed.Usage != nil {
				ch <- domain.StreamChunk{Type: domain.ChunkUsage, Usage: &domain.Usage{
					PromptTokens:     parsed.Usage.PromptTokens,
					CompletionTokens: parsed.Usage.CompletionTokens,
					TotalTokens:      parsed.Usage.TotalTokens,
				}}
			}
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				ch <- domain.StreamChunk{Type: domain.ChunkContent, Content: parsed.Choices[0].Delta.Content}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- domain.StreamChunk{Err: classifyTransport(p.id, err)}
			return
		}
		ch <- domain.StreamChunk{Type: domain.ChunkDone}
	}()
	return ch, nil
}

func (p *HTTPProvider) headers() map[string]string {
	h := map[string]string{}
	if key := p.keys.Current(); key != "" {
		h["Authorization"] = "Bearer " + key
	}
	return h
}

// doJSON performs a JSON POST and returns the body, classifying non-200
// statuses into provider errors.
func (p *HTTPProvider) doJSON(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers() {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.id, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(p.id, httpResp.StatusCode, respBody, httpResp.Header)
	}
	return respBody, nil
}

// doStream performs a JSON POST for SSE and returns the open response.
func (p *HTTPProvider) doStream(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range p.headers() {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.id, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyHTTP(p.id, httpResp.StatusCode, respBody, httpResp.Header)
	}
	return httpResp, nil
}
