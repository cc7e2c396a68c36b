package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// OnTaskCompleted records the answer, settles the task and wakes its
// dependents. Answer writes are idempotent by key, so replays after a
// dead-worker requeue are safe.
func (s *Service) OnTaskCompleted(ctx context.Context, task domain.Task, answer domain.Answer) error {
	status, err := s.tasks.GetStatus(ctx, task.ID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}

	answer.JobID = task.JobID
	answer.InterviewID = task.InterviewID
	answer.QuestionName = task.QuestionName
	if answer.ModelID == "" {
		answer.ModelID = task.ModelID
	}
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now().UTC()
	}
	if err := s.answers.Put(ctx, answer); err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, task.ID, domain.TaskCompleted); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.TaskCompleted))

	if err := s.satisfyDependents(ctx, task); err != nil {
		return err
	}
	if _, err := s.interviews.IncrCompleted(ctx, task.InterviewID); err != nil {
		return err
	}
	return s.finalizeInterview(ctx, task.JobID, task.InterviewID)
}

// OnTaskSkipped settles a task without running it. A null-valued answer is
// written so results assembly sees one entry per question.
func (s *Service) OnTaskSkipped(ctx context.Context, task domain.Task, reason string) error {
	status, err := s.tasks.GetStatus(ctx, task.ID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}

	answer := domain.Answer{
		JobID:        task.JobID,
		InterviewID:  task.InterviewID,
		QuestionName: task.QuestionName,
		Value:        nil,
		Comment:      reason,
		ModelID:      task.ModelID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.answers.Put(ctx, answer); err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, task.ID, domain.TaskSkipped); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.TaskSkipped))
	s.logger.Debug("task skipped",
		slog.String("task_id", task.ID),
		slog.String("question", task.QuestionName),
		slog.String("reason", reason))

	if err := s.satisfyDependents(ctx, task); err != nil {
		return err
	}
	if _, err := s.interviews.IncrSkipped(ctx, task.InterviewID); err != nil {
		return err
	}
	return s.finalizeInterview(ctx, task.JobID, task.InterviewID)
}

// OnTaskFailed applies the retry policy for the error kind: retryable
// failures under budget return the task to READY; terminal failures block
// the reverse DAG. Re-invoking on an already-FAILED task is a no-op.
func (s *Service) OnTaskFailed(ctx context.Context, task domain.Task, kind domain.ErrorKind, message string) error {
	status, err := s.tasks.GetStatus(ctx, task.ID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}

	job, err := s.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}

	if job.StopOnException {
		return s.failFast(ctx, job, task, kind, message)
	}

	attempt, err := s.tasks.IncrAttempt(ctx, task.ID, kind)
	if err != nil {
		return err
	}
	policies := job.RetryPolicies
	if policies == nil {
		policies = domain.DefaultRetryPolicies()
	}
	policy := domain.PolicyFor(policies, kind)

	if policy.Retryable && attempt < policy.MaxAttempts {
		return s.scheduleRetry(ctx, task, kind, attempt, policy)
	}
	return s.failTerminally(ctx, task, kind, message)
}

func (s *Service) failFast(ctx context.Context, job domain.Job, task domain.Task, kind domain.ErrorKind, message string) error {
	if err := s.tasks.SetStatus(ctx, task.ID, domain.TaskFailed); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.TaskFailed))
	if err := s.tasks.SetLastError(ctx, task.ID, kind, message); err != nil {
		return err
	}
	if err := s.jobs.SetState(ctx, job.ID, domain.JobCancelled); err != nil {
		return err
	}
	if err := s.jobs.RemoveActive(ctx, job.ID); err != nil {
		return err
	}
	fatal := &domain.TaskExecutionError{
		TaskID:       task.ID,
		JobID:        job.ID,
		InterviewID:  task.InterviewID,
		QuestionName: task.QuestionName,
		Kind:         kind,
		Message:      message,
	}
	s.recordFatal(fatal)
	s.logger.Error("job cancelled on first failure",
		slog.String("job_id", job.ID),
		slog.String("task_id", task.ID),
		slog.String("kind", string(kind)))
	return fatal
}

// scheduleRetry returns the task to READY after an exponential delay from
// the policy's base.
func (s *Service) scheduleRetry(ctx context.Context, task domain.Task, kind domain.ErrorKind, attempt int, policy domain.RetryPolicy) error {
	delay := policy.BaseDelay << (attempt - 1)
	s.logger.Warn("task failed, retrying",
		slog.String("task_id", task.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	requeue := func(ctx context.Context) error {
		if err := s.tasks.SetStatus(ctx, task.ID, domain.TaskReady); err != nil {
			return err
		}
		observability.ObserveTransition(string(domain.TaskReady))
		return s.jobs.AddReady(ctx, task.JobID, []string{task.ID})
	}
	if delay <= 0 {
		return requeue(ctx)
	}
	// The caller's context may end before the delay elapses; the requeue
	// must still happen.
	time.AfterFunc(delay, func() {
		if err := requeue(context.Background()); err != nil {
			s.logger.Error("delayed retry requeue failed",
				slog.String("task_id", task.ID), slog.Any("error", err))
		}
	})
	return nil
}

func (s *Service) failTerminally(ctx context.Context, task domain.Task, kind domain.ErrorKind, message string) error {
	if err := s.tasks.SetStatus(ctx, task.ID, domain.TaskFailed); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.TaskFailed))
	if err := s.tasks.SetLastError(ctx, task.ID, kind, message); err != nil {
		return err
	}
	s.logger.Error("task failed terminally",
		slog.String("task_id", task.ID),
		slog.String("question", task.QuestionName),
		slog.String("kind", string(kind)),
		slog.String("message", message))

	if err := s.propagateFailure(ctx, task); err != nil {
		return err
	}
	if _, err := s.interviews.IncrFailed(ctx, task.InterviewID); err != nil {
		return err
	}
	return s.finalizeInterview(ctx, task.JobID, task.InterviewID)
}

// satisfyDependents decrements each dependent's unmet-deps counter; the
// decrement observing zero owns the PENDING -> READY transition.
func (s *Service) satisfyDependents(ctx context.Context, task domain.Task) error {
	var ready []string
	for _, depID := range task.Dependents {
		n, err := s.tasks.DecrementUnmetDeps(ctx, depID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.tasks.SetStatus(ctx, depID, domain.TaskReady); err != nil {
				return err
			}
			observability.ObserveTransition(string(domain.TaskReady))
			ready = append(ready, depID)
		}
	}
	return s.jobs.AddReady(ctx, task.JobID, ready)
}

// propagateFailure blocks the failed task's transitive dependents. Each
// blocked task counts toward its interview's blocked counter once.
func (s *Service) propagateFailure(ctx context.Context, task domain.Task) error {
	frontier := append([]string(nil), task.Dependents...)
	visited := make(map[string]bool)
	for len(frontier) > 0 {
		var next []string
		locs := make(map[string]store.TaskLocation, len(frontier))
		for _, id := range frontier {
			if !visited[id] {
				visited[id] = true
				locs[id] = store.TaskLocation{JobID: task.JobID, InterviewID: task.InterviewID}
			}
		}
		if len(locs) == 0 {
			break
		}
		defs, err := s.tasks.BatchGetTasks(ctx, locs)
		if err != nil {
			return err
		}
		for id, dep := range defs {
			status, err := s.tasks.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			if status.Terminal() {
				continue
			}
			if err := s.tasks.SetStatus(ctx, id, domain.TaskBlocked); err != nil {
				return err
			}
			observability.ObserveTransition(string(domain.TaskBlocked))
			if err := s.tasks.SetLastError(ctx, id, domain.ErrKindUpstreamFailure,
				fmt.Sprintf("upstream task %s failed", task.ID)); err != nil {
				return err
			}
			if _, err := s.interviews.IncrBlocked(ctx, task.InterviewID); err != nil {
				return err
			}
			next = append(next, dep.Dependents...)
		}
		frontier = next
	}
	return nil
}

// finalizeInterview derives the interview's state from its counters and,
// on the first observation of a terminal state, credits it to the job.
func (s *Service) finalizeInterview(ctx context.Context, jobID, interviewID string) error {
	iv, err := s.interviews.GetInterview(ctx, jobID, interviewID)
	if err != nil {
		return err
	}
	counters, err := s.interviews.GetCounters(ctx, interviewID)
	if err != nil {
		return err
	}
	state := counters.State(iv.TotalTasks)
	if state == domain.InterviewRunning {
		return nil
	}
	if err := s.interviews.SetState(ctx, interviewID, state); err != nil {
		return err
	}

	credited, err := s.jobs.CreditInterview(ctx, jobID, interviewID)
	if err != nil {
		return err
	}
	if !credited {
		return nil
	}
	observability.InterviewsFinalizedTotal.WithLabelValues(string(state)).Inc()
	if state == domain.InterviewCompleted {
		if _, err := s.jobs.IncrCompletedInterviews(ctx, jobID); err != nil {
			return err
		}
	} else {
		if _, err := s.jobs.IncrFailedInterviews(ctx, jobID); err != nil {
			return err
		}
	}
	return s.maybeFinalizeJob(ctx, jobID)
}

// maybeFinalizeJob settles the job once every interview has been credited.
// An explicit cancellation is never overwritten.
func (s *Service) maybeFinalizeJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	counters, err := s.jobs.GetCounters(ctx, jobID)
	if err != nil {
		return err
	}
	if counters.CompletedInterviews+counters.FailedInterviews < int64(job.TotalInterviews()) {
		return nil
	}
	current, err := s.jobs.GetState(ctx, jobID)
	if err != nil {
		return err
	}
	if current == domain.JobCancelled {
		return nil
	}
	state := domain.JobCompleted
	if counters.FailedInterviews > 0 {
		state = domain.JobCompletedWithFailures
	}
	s.logger.Info("job finished",
		slog.String("job_id", jobID),
		slog.String("state", string(state)),
		slog.Int64("completed_interviews", counters.CompletedInterviews),
		slog.Int64("failed_interviews", counters.FailedInterviews))
	if err := s.jobs.SetState(ctx, jobID, state); err != nil {
		return err
	}
	return s.jobs.RemoveActive(ctx, jobID)
}
