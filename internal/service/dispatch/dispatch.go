// Package dispatch implements the rate-limited dispatch engine: per
// (service, model, key) queues with RPM and TPM token buckets, a global
// min-heap ordering queues by next availability, and the coordinator that
// assigns rendered tasks to long-polling workers.
package dispatch

import (
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// RenderedTask is a task that passed skip evaluation and prompt rendering
// and is ready for a model call.
type RenderedTask struct {
	Task            domain.Task
	Model           domain.ModelSpec
	SystemPrompt    string
	UserPrompt      string
	Files           []domain.FileRef
	CacheKey        string
	EstimatedTokens int
}

// WorkAssignment is what a worker receives from the coordinator.
type WorkAssignment struct {
	Rendered   RenderedTask
	QueueID    string
	APIKey     string
	AssignedAt time.Time
}

// WorkCompletion is the worker's report back to the coordinator.
// ActualTokens reconciles the queue's TPM bucket when known.
type WorkCompletion struct {
	TaskID       string
	QueueID      string
	ActualTokens int
	TokensKnown  bool
}
