package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
)

// DirectRunner executes FUNCTIONAL and AGENT_DIRECT tasks in-process via
// the callable registry populated at submit. No queueing, no rate limits.
type DirectRunner struct {
	jobs   *jobs.Service
	logger *slog.Logger
}

// NewDirectRunner builds a runner over the job service's registry.
func NewDirectRunner(jobSvc *jobs.Service, logger *slog.Logger) *DirectRunner {
	return &DirectRunner{jobs: jobSvc, logger: logger}
}

// Execute runs the task's callable and reports the outcome. A task with no
// registered callable fails as a direct-answer error; callables are never
// retried across processes because they only exist where they were
// submitted.
func (r *DirectRunner) Execute(ctx context.Context, task domain.Task) error {
	fn, ok := r.jobs.Direct().Lookup(task.ID)
	if !ok {
		msg := fmt.Sprintf("no direct-answer callable for task %s (%s)", task.ID, task.QuestionName)
		return r.jobs.OnTaskFailed(ctx, task, domain.ErrKindDirectAnswer, msg)
	}

	value, err := fn(ctx, task)
	if err != nil {
		r.logger.Warn("direct answer failed",
			slog.String("task_id", task.ID),
			slog.String("question", task.QuestionName),
			slog.Any("error", err))
		return r.jobs.OnTaskFailed(ctx, task, domain.ErrKindDirectAnswer, err.Error())
	}
	r.jobs.Direct().Remove(task.ID)

	answer := domain.Answer{Value: value, Validated: true}
	return r.jobs.OnTaskCompleted(ctx, task, answer)
}
