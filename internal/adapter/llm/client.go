// Package llm implements the model-call port over an OpenAI-compatible
// chat completions API, plus a shared response cache on the storage
// backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Client calls an OpenAI-compatible chat completions endpoint. The
// credential comes per request from the dispatching queue, so one client
// serves every (service, model, key) combination.
type Client struct {
	baseURL string
	hc      *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// New constructs a client with sensible timeouts.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		hc:      &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs one chat completion. HTTP and provider failures are
// returned with the status line and a body snippet so the caller's error
// classification can read them.
func (c *Client) Generate(ctx context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	if req.APIKey == "" {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: %w: no API key for service %q", domain.ErrInvalidArgument, req.Model.Service)
	}

	body := chatRequest{
		Model: req.Model.Name,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	}
	applyParameters(&body, req.Model.Parameters)

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: %s: %s", resp.Status, snippet(raw, 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return domain.LLMResponse{}, fmt.Errorf("op=llm.Generate: empty choices in response")
	}

	content := parsed.Choices[0].Message.Content
	out := domain.LLMResponse{
		Answer:           decodeAnswer(content),
		ReasoningSummary: parsed.Choices[0].Message.Reasoning,
		InputTokens:      parsed.Usage.PromptTokens,
		OutputTokens:     parsed.Usage.CompletionTokens,
		Raw:              json.RawMessage(raw),
		CacheKey:         req.CacheKey,
	}
	return out, nil
}

// applyParameters maps the model spec's free-form parameters onto the
// request fields the API understands. Unknown keys are dropped.
func applyParameters(req *chatRequest, params map[string]any) {
	for key, value := range params {
		switch key {
		case "temperature":
			if f, ok := toFloat(value); ok {
				req.Temperature = &f
			}
		case "top_p":
			if f, ok := toFloat(value); ok {
				req.TopP = &f
			}
		case "max_tokens":
			if f, ok := toFloat(value); ok {
				req.MaxTokens = int(f)
			}
		case "response_format":
			if m, ok := value.(map[string]any); ok {
				req.ResponseFormat = m
			}
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// decodeAnswer returns the structured value when the content is JSON,
// otherwise the raw string.
func decodeAnswer(content string) any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v
	}
	return content
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
