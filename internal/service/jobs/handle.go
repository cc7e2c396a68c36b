package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// errJobStillRunning drives the Wait poll loop.
var errJobStillRunning = errors.New("job still running")

// Handle is the control surface for one submitted job.
type Handle struct {
	svc   *Service
	jobID string
}

// NewHandle reattaches to an existing job by id.
func (s *Service) NewHandle(jobID string) *Handle { return &Handle{svc: s, jobID: jobID} }

// ID returns the job id.
func (h *Handle) ID() string { return h.jobID }

// Status reads the job's current state.
func (h *Handle) Status(ctx context.Context) (domain.JobState, error) {
	return h.svc.jobs.GetState(ctx, h.jobID)
}

// Progress snapshots the job's interview and task counters using batch
// reads only.
func (h *Handle) Progress(ctx context.Context) (domain.Progress, error) {
	job, err := h.svc.jobs.GetJob(ctx, h.jobID)
	if err != nil {
		return domain.Progress{}, err
	}
	interviews, err := h.svc.interviews.GetInterviews(ctx, h.jobID, job.InterviewIDs)
	if err != nil {
		return domain.Progress{}, err
	}
	states, err := h.svc.interviews.BatchGetStates(ctx, job.InterviewIDs)
	if err != nil {
		return domain.Progress{}, err
	}
	counters, err := h.svc.jobs.GetCounters(ctx, h.jobID)
	if err != nil {
		return domain.Progress{}, err
	}

	p := domain.Progress{
		TotalInterviews:     job.TotalInterviews(),
		CompletedInterviews: int(counters.CompletedInterviews),
		FailedInterviews:    int(counters.FailedInterviews),
	}
	for _, ivID := range job.InterviewIDs {
		if states[ivID] == domain.InterviewRunning {
			p.RunningInterviews++
		}
	}

	var taskIDs []string
	for _, iv := range interviews {
		taskIDs = append(taskIDs, iv.TaskIDs...)
	}
	statuses, err := h.svc.tasks.BatchGetStatus(ctx, taskIDs)
	if err != nil {
		return domain.Progress{}, err
	}
	p.TotalTasks = len(taskIDs)
	for _, status := range statuses {
		switch status {
		case domain.TaskCompleted:
			p.CompletedTasks++
		case domain.TaskSkipped:
			p.SkippedTasks++
		case domain.TaskFailed:
			p.FailedTasks++
		case domain.TaskBlocked:
			p.BlockedTasks++
		case domain.TaskPending:
			p.PendingTasks++
		case domain.TaskReady:
			p.ReadyTasks++
		case domain.TaskRendering, domain.TaskQueued, domain.TaskRunning:
			p.RunningTasks++
		}
	}
	return p, nil
}

// Wait blocks until the job reaches a terminal state, polling with
// exponential backoff capped at one second. Cancel via ctx.
func (h *Handle) Wait(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		state, err := h.svc.jobs.GetState(ctx, h.jobID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !state.Terminal() {
			return errJobStillRunning
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// Results waits for the job to finish, then assembles one Result per
// terminal interview. A stop-on-exception cancellation surfaces its
// TaskExecutionError instead.
func (h *Handle) Results(ctx context.Context) ([]domain.Result, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	if fatal := h.svc.fatalFor(h.jobID); fatal != nil {
		return nil, fatal
	}
	return h.svc.Results(ctx, h.jobID)
}

// Errors returns one record per FAILED task with its last error and
// attempt counts.
func (h *Handle) Errors(ctx context.Context) ([]domain.TaskErrorRecord, error) {
	job, err := h.svc.jobs.GetJob(ctx, h.jobID)
	if err != nil {
		return nil, err
	}
	interviews, err := h.svc.interviews.GetInterviews(ctx, h.jobID, job.InterviewIDs)
	if err != nil {
		return nil, err
	}

	locs := make(map[string]store.TaskLocation)
	var taskIDs []string
	for _, iv := range interviews {
		for _, taskID := range iv.TaskIDs {
			locs[taskID] = store.TaskLocation{JobID: h.jobID, InterviewID: iv.ID}
			taskIDs = append(taskIDs, taskID)
		}
	}
	statuses, err := h.svc.tasks.BatchGetStatus(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	failedLocs := make(map[string]store.TaskLocation)
	for taskID, status := range statuses {
		if status == domain.TaskFailed {
			failedLocs[taskID] = locs[taskID]
		}
	}
	if len(failedLocs) == 0 {
		return nil, nil
	}
	defs, err := h.svc.tasks.BatchGetTasks(ctx, failedLocs)
	if err != nil {
		return nil, err
	}

	records := make([]domain.TaskErrorRecord, 0, len(defs))
	for taskID, task := range defs {
		kind, message, ok, err := h.svc.tasks.GetLastError(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok {
			kind = domain.ErrKindUnknown
		}
		attempts, err := h.svc.tasks.GetAttempts(ctx, taskID)
		if err != nil {
			return nil, err
		}
		records = append(records, domain.TaskErrorRecord{
			TaskID:       taskID,
			InterviewID:  task.InterviewID,
			QuestionName: task.QuestionName,
			ModelID:      task.ModelID,
			ErrorKind:    kind,
			ErrorMessage: message,
			Attempts:     attempts,
		})
	}
	return records, nil
}

// Cancel marks the job cancelled. Assigned tasks finish; unassigned tasks
// are dropped when next touched.
func (h *Handle) Cancel(ctx context.Context) error {
	state, err := h.svc.jobs.GetState(ctx, h.jobID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return fmt.Errorf("op=jobs.Cancel: job %s already %s: %w", h.jobID, state, domain.ErrConflict)
	}
	h.svc.logger.Info("job cancelled", slog.String("job_id", h.jobID))
	if err := h.svc.jobs.SetState(ctx, h.jobID, domain.JobCancelled); err != nil {
		return err
	}
	return h.svc.jobs.RemoveActive(ctx, h.jobID)
}
