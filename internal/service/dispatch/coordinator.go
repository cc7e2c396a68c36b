package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
)

// try_assign probes at most this many heap candidates per call.
const maxAssignProbes = 10

// pollInterval bounds the long-poll wait so a worker stays responsive to
// availability times passing without an enqueue signal.
const pollInterval = 100 * time.Millisecond

// DeadWorkerTask links a dead worker to the task it was running.
type DeadWorkerTask struct {
	WorkerID string
	JobID    string
	TaskID   string
}

// DeadWorkerSource reports dead workers' tasks and purges their records.
// It is optional; without one the coordinator still supports manual
// RequeueStaleTasks.
type DeadWorkerSource interface {
	GetDeadWorkerTasks(ctx context.Context) ([]DeadWorkerTask, error)
	CleanupDeadWorkers(ctx context.Context) (int, error)
}

type inflightEntry struct {
	queueID    string
	rendered   RenderedTask
	assignedAt time.Time
}

// Coordinator owns the dispatch heap, the in-flight table and the worker
// waiters. It hands rendered tasks to workers under the queues' rate
// limits and recovers tasks stranded by dead workers.
type Coordinator struct {
	registry *Registry
	heap     *Heap

	inflightMu sync.Mutex
	inflight   map[string]inflightEntry

	waitersMu sync.Mutex
	waiters   map[string]chan struct{}

	deadWorkers DeadWorkerSource
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator builds a coordinator over the registry and its heap.
// deadWorkers may be nil.
func NewCoordinator(registry *Registry, h *Heap, deadWorkers DeadWorkerSource, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:    registry,
		heap:        h,
		inflight:    make(map[string]inflightEntry),
		waiters:     make(map[string]chan struct{}),
		deadWorkers: deadWorkers,
		logger:      logger,
		now:         registry.now,
	}
}

// Enqueue routes a rendered task to its queue and wakes all waiting
// workers.
func (c *Coordinator) Enqueue(t RenderedTask) error {
	if _, err := c.registry.EnqueueTask(t); err != nil {
		return err
	}
	c.signalWaiters()
	return nil
}

func (c *Coordinator) signalWaiters() {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for _, ch := range c.waiters {
		select {
		case ch <- struct{}{}:
		default: // already signalled
		}
	}
}

// TryAssign probes up to maxAssignProbes queues from the heap in
// availability order and returns the first assignable task, or nil when
// nothing is acquirable right now. Queues skipped for rate limits are
// pushed back with their updated availability.
func (c *Coordinator) TryAssign() *WorkAssignment {
	now := c.now()
	type saved struct {
		queueID string
		at      time.Time
	}
	var pushBack []saved
	defer func() {
		for _, s := range pushBack {
			c.heap.Push(s.queueID, s.at)
		}
	}()

	for probe := 0; probe < maxAssignProbes; probe++ {
		queueID, at, ok := c.heap.Pop()
		if !ok {
			return nil
		}
		if at.After(now) {
			// Heap is availability-ordered: later entries are no better.
			c.heap.Push(queueID, at)
			return nil
		}
		q, ok := c.registry.Get(queueID)
		if !ok {
			continue
		}
		head, ok := q.Peek()
		if !ok {
			continue // drained queue, drop its entry
		}
		if !q.TryAcquire(head.EstimatedTokens) {
			wait := q.TimeUntilAvailable(head.EstimatedTokens)
			observability.TokenAcquireWaitSeconds.Observe(wait.Seconds())
			pushBack = append(pushBack, saved{queueID: queueID, at: now.Add(wait)})
			continue
		}
		rendered, _ := q.Dequeue()
		c.inflightMu.Lock()
		c.inflight[rendered.Task.ID] = inflightEntry{queueID: queueID, rendered: rendered, assignedAt: now}
		c.inflightMu.Unlock()
		observability.TasksInFlight.Inc()
		observability.QueueDepth.WithLabelValues(q.Service(), q.Model()).Set(float64(q.Depth()))
		if next, ok := q.Peek(); ok {
			c.heap.Push(queueID, now.Add(q.TimeUntilAvailable(next.EstimatedTokens)))
		}
		return &WorkAssignment{
			Rendered:   rendered,
			QueueID:    queueID,
			APIKey:     q.APIKey(),
			AssignedAt: now,
		}
	}
	return nil
}

// RequestWork long-polls for an assignment until timeout or context
// cancellation. Each waiting worker has one wake event; Enqueue signals
// them all.
func (c *Coordinator) RequestWork(ctx context.Context, workerID string, timeout time.Duration) (*WorkAssignment, error) {
	wake := make(chan struct{}, 1)
	c.waitersMu.Lock()
	c.waiters[workerID] = wake
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, workerID)
		c.waitersMu.Unlock()
	}()

	deadline := c.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if a := c.TryAssign(); a != nil {
			return a, nil
		}
		if !c.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// CompleteWork removes the task from the in-flight table and reconciles
// the queue's TPM bucket when actual token usage is known.
func (c *Coordinator) CompleteWork(done WorkCompletion) {
	c.inflightMu.Lock()
	entry, ok := c.inflight[done.TaskID]
	if ok {
		delete(c.inflight, done.TaskID)
	}
	c.inflightMu.Unlock()
	if !ok {
		return
	}
	observability.TasksInFlight.Dec()
	if done.TokensKnown {
		if q, found := c.registry.Get(entry.queueID); found {
			q.Reconcile(entry.rendered.EstimatedTokens, done.ActualTokens)
		}
	}
}

// InFlight reports the number of assigned, unfinished tasks.
func (c *Coordinator) InFlight() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}

// RunDeadWorkerLoop recovers tasks from dead workers every interval until
// the context is cancelled. No-op without a DeadWorkerSource.
func (c *Coordinator) RunDeadWorkerLoop(ctx context.Context, interval time.Duration) {
	if c.deadWorkers == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recoverDeadWorkers(ctx)
		}
	}
}

func (c *Coordinator) recoverDeadWorkers(ctx context.Context) {
	stranded, err := c.deadWorkers.GetDeadWorkerTasks(ctx)
	if err != nil {
		c.logger.Error("dead worker scan failed", slog.Any("error", err))
		return
	}
	for _, s := range stranded {
		if s.TaskID == "" {
			continue
		}
		if c.requeueInflight(s.TaskID) {
			c.logger.Warn("requeued task from dead worker",
				slog.String("worker_id", s.WorkerID),
				slog.String("task_id", s.TaskID),
				slog.String("job_id", s.JobID))
		}
	}
	purged, err := c.deadWorkers.CleanupDeadWorkers(ctx)
	if err != nil {
		c.logger.Error("dead worker cleanup failed", slog.Any("error", err))
		return
	}
	if purged > 0 {
		observability.DeadWorkersRecoveredTotal.Add(float64(purged))
	}
}

// requeueInflight puts an in-flight task back at its original queue and
// re-pushes the heap entry. Returns false when the task is not in flight.
func (c *Coordinator) requeueInflight(taskID string) bool {
	c.inflightMu.Lock()
	entry, ok := c.inflight[taskID]
	if ok {
		delete(c.inflight, taskID)
	}
	c.inflightMu.Unlock()
	if !ok {
		return false
	}
	observability.TasksInFlight.Dec()
	q, found := c.registry.Get(entry.queueID)
	if !found {
		return false
	}
	q.Enqueue(entry.rendered)
	c.heap.Push(q.ID(), c.now().Add(q.TimeUntilAvailable(entry.rendered.EstimatedTokens)))
	c.signalWaiters()
	return true
}

// RequeueStaleTasks requeues every in-flight task assigned longer than
// threshold ago, for deployments without a worker registry. Returns the
// number requeued.
func (c *Coordinator) RequeueStaleTasks(threshold time.Duration) int {
	now := c.now()
	c.inflightMu.Lock()
	var stale []string
	for taskID, entry := range c.inflight {
		if now.Sub(entry.assignedAt) > threshold {
			stale = append(stale, taskID)
		}
	}
	c.inflightMu.Unlock()
	n := 0
	for _, taskID := range stale {
		if c.requeueInflight(taskID) {
			n++
		}
	}
	if n > 0 {
		c.logger.Warn("requeued stale in-flight tasks", slog.Int("count", n))
	}
	return n
}
