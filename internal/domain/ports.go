package domain

import (
	"context"
	"encoding/json"
)

// RenderInput is what the external prompt capability receives for one task.
type RenderInput struct {
	Scenario     Scenario
	Agent        Agent
	Model        ModelSpec
	Question     Question
	PriorAnswers map[string]any
}

// RenderedPrompt is the outcome of prompt rendering.
type RenderedPrompt struct {
	SystemPrompt string
	UserPrompt   string
	Files        []FileRef
}

// PromptRenderer is the opaque prompt-render capability. Its template
// engine, memory plan handling and option permutations are inputs to the
// engine, not part of it.
type PromptRenderer interface {
	Render(ctx context.Context, in RenderInput) (RenderedPrompt, error)
}

// LLMRequest is one call to the remote model. APIKey is the credential of
// the queue the task was dispatched through.
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string
	Files        []FileRef
	CacheKey     string
	Iteration    int
	Model        ModelSpec
	APIKey       string
}

// LLMResponse is the typed outcome of a model call.
type LLMResponse struct {
	Answer           any
	Comment          string
	GeneratedTokens  string
	ReasoningSummary string
	InputTokens      int
	OutputTokens     int
	InputPricePerM   float64
	OutputPricePerM  float64
	Raw              json.RawMessage
	CacheUsed        bool
	CacheKey         string
}

// LLMClient is the opaque model-call capability. It owns its own timeouts.
type LLMClient interface {
	Generate(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// ResponseCache is an optional LLM-response cache shared across workers.
type ResponseCache interface {
	Get(ctx context.Context, key string) (LLMResponse, bool, error)
	Put(ctx context.Context, key string, resp LLMResponse) error
}

// DirectAnswerFunc answers a non-LLM task locally. Callables are not
// serializable; the registry holding them lives on the submitting client.
type DirectAnswerFunc func(ctx context.Context, task Task) (any, error)
