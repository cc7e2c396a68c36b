// Package workers runs the execution side: the worker registry with
// heartbeat-based liveness, the LLM worker pool and the direct-answer fast
// path for non-LLM tasks.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// Registry tracks worker liveness over the shared storage backend so
// coordinators in any process see the same picture.
type Registry struct {
	workers          *store.WorkerStore
	heartbeatTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewRegistry builds a registry. The now func is injectable for tests;
// nil means time.Now.
func NewRegistry(backend storage.Backend, heartbeatTimeout time.Duration, logger *slog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		workers:          store.NewWorkerStore(backend),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		now:              now,
	}
}

// Register adds the worker to the active set.
func (r *Registry) Register(ctx context.Context, info domain.WorkerInfo) error {
	if info.StartedAt.IsZero() {
		info.StartedAt = r.now()
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = info.StartedAt
	}
	if err := r.workers.Register(ctx, info); err != nil {
		return err
	}
	observability.WorkersActive.Inc()
	r.logger.Info("worker registered",
		slog.String("worker_id", info.ID),
		slog.String("hostname", info.Hostname))
	return nil
}

// Heartbeat refreshes the worker's liveness and current task link.
func (r *Registry) Heartbeat(ctx context.Context, workerID, currentTaskID, currentJobID string) error {
	return r.workers.Heartbeat(ctx, workerID, r.now(), currentTaskID, currentJobID)
}

// Unregister removes the worker cleanly on shutdown.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	if err := r.workers.Unregister(ctx, workerID); err != nil {
		return err
	}
	observability.WorkersActive.Dec()
	return nil
}

// GetDeadWorkers lists workers whose last heartbeat is older than the
// timeout.
func (r *Registry) GetDeadWorkers(ctx context.Context) ([]domain.WorkerInfo, error) {
	infos, orphaned, err := r.workers.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range orphaned {
		// Record vanished but the set entry survived; drop it.
		if err := r.workers.Unregister(ctx, id); err != nil {
			r.logger.Warn("orphaned worker cleanup failed",
				slog.String("worker_id", id), slog.Any("error", err))
		}
	}
	now := r.now()
	var dead []domain.WorkerInfo
	for _, info := range infos {
		if info.Dead(now, r.heartbeatTimeout) {
			dead = append(dead, info)
		}
	}
	return dead, nil
}

// GetDeadWorkerTasks links each dead worker to the task it was running.
func (r *Registry) GetDeadWorkerTasks(ctx context.Context) ([]dispatch.DeadWorkerTask, error) {
	dead, err := r.GetDeadWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var stranded []dispatch.DeadWorkerTask
	for _, info := range dead {
		stranded = append(stranded, dispatch.DeadWorkerTask{
			WorkerID: info.ID,
			JobID:    info.CurrentJobID,
			TaskID:   info.CurrentTaskID,
		})
	}
	return stranded, nil
}

// CleanupDeadWorkers purges dead worker records and returns how many.
func (r *Registry) CleanupDeadWorkers(ctx context.Context) (int, error) {
	dead, err := r.GetDeadWorkers(ctx)
	if err != nil {
		return 0, err
	}
	for _, info := range dead {
		if err := r.Unregister(ctx, info.ID); err != nil {
			return 0, err
		}
		r.logger.Warn("dead worker purged",
			slog.String("worker_id", info.ID),
			slog.Time("last_heartbeat", info.LastHeartbeat))
	}
	return len(dead), nil
}
