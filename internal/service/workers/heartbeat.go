package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatManager ticks the worker's liveness to the registry. Transient
// registry errors are logged, never fatal.
type HeartbeatManager struct {
	registry *Registry
	workerID string
	interval time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	currentTaskID string
	currentJobID  string
}

// NewHeartbeatManager builds a manager for one worker.
func NewHeartbeatManager(registry *Registry, workerID string, interval time.Duration, logger *slog.Logger) *HeartbeatManager {
	return &HeartbeatManager{
		registry: registry,
		workerID: workerID,
		interval: interval,
		logger:   logger,
	}
}

// SetCurrent records the task the worker is executing; the next beat
// reports it so dead-worker recovery knows what to requeue.
func (m *HeartbeatManager) SetCurrent(taskID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTaskID = taskID
	m.currentJobID = jobID
}

// ClearCurrent marks the worker idle.
func (m *HeartbeatManager) ClearCurrent() { m.SetCurrent("", "") }

// Beat sends one heartbeat immediately.
func (m *HeartbeatManager) Beat(ctx context.Context) error {
	m.mu.Lock()
	taskID, jobID := m.currentTaskID, m.currentJobID
	m.mu.Unlock()
	return m.registry.Heartbeat(ctx, m.workerID, taskID, jobID)
}

// Run beats every interval until the context is cancelled.
func (m *HeartbeatManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Beat(ctx); err != nil {
				m.logger.Warn("heartbeat failed",
					slog.String("worker_id", m.workerID), slog.Any("error", err))
			}
		}
	}
}
