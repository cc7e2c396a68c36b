package dispatch

import (
	"sync"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/config"
)

// Queue is the FIFO of rendered tasks for one (service, model, API key)
// route, guarded by one mutex covering the FIFO, both buckets and the
// throughput stats.
type Queue struct {
	mu sync.Mutex

	id      string
	service string
	model   string
	apiKey  string

	fifo []RenderedTask
	rpm  *TokenBucket
	tpm  *TokenBucket

	requestsStarted int64
	tokensAcquired  int64
	firstRequestAt  time.Time
	// frozenAt captures the end time when the FIFO drains, so a finished
	// queue reports honest average rates. Zero while active.
	frozenAt time.Time

	now func() time.Time
}

// QueueStats is a point-in-time throughput snapshot.
type QueueStats struct {
	Depth           int
	RequestsStarted int64
	TokensAcquired  int64
	Elapsed         time.Duration
	AvgRPM          float64
	AvgTPM          float64
}

// NewQueue builds a queue with full buckets sized to the given per-minute
// limits. The now func is injectable for tests; nil means time.Now.
func NewQueue(id, service, model, apiKey string, limits config.RateLimit, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		id:      id,
		service: service,
		model:   model,
		apiKey:  apiKey,
		rpm:     NewTokenBucket(float64(limits.RPM), float64(limits.RPM)/60, now),
		tpm:     NewTokenBucket(float64(limits.TPM), float64(limits.TPM)/60, now),
		now:     now,
	}
}

// ID returns the queue's id.
func (q *Queue) ID() string { return q.id }

// Service returns the provider this queue dispatches to.
func (q *Queue) Service() string { return q.service }

// Model returns the model this queue dispatches to.
func (q *Queue) Model() string { return q.model }

// APIKey returns the key the queue's tasks are called with.
func (q *Queue) APIKey() string { return q.apiKey }

// Enqueue appends a task and reports whether the FIFO was empty before,
// which is the registry's cue to push this queue onto the dispatch heap.
func (q *Queue) Enqueue(t RenderedTask) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = len(q.fifo) == 0
	q.fifo = append(q.fifo, t)
	return wasEmpty
}

// Peek returns the head task without removing it.
func (q *Queue) Peek() (RenderedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return RenderedTask{}, false
	}
	return q.fifo[0], true
}

// Dequeue removes and returns the head task. Draining the FIFO freezes the
// throughput stats.
func (q *Queue) Dequeue() (RenderedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return RenderedTask{}, false
	}
	t := q.fifo[0]
	q.fifo = q.fifo[1:]
	if len(q.fifo) == 0 {
		q.frozenAt = q.now()
	}
	return t, true
}

// Depth reports the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// TryAcquire atomically takes one RPM token and estimatedTokens TPM tokens.
// If either bucket refuses, everything taken is refunded and it returns
// false. Success records usage and unfreezes the stats.
func (q *Queue) TryAcquire(estimatedTokens int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.rpm.TryAcquire(1) {
		return false
	}
	if !q.tpm.TryAcquire(float64(estimatedTokens)) {
		q.rpm.Refund(1)
		return false
	}
	if q.firstRequestAt.IsZero() {
		q.firstRequestAt = q.now()
	}
	q.frozenAt = time.Time{}
	q.requestsStarted++
	q.tokensAcquired += int64(estimatedTokens)
	return true
}

// TimeUntilAvailable reports the wait until both buckets can satisfy one
// request of estimatedTokens.
func (q *Queue) TimeUntilAvailable(estimatedTokens int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return max(q.rpm.TimeUntilAvailable(1), q.tpm.TimeUntilAvailable(float64(estimatedTokens)))
}

// Reconcile adjusts the TPM bucket and the usage counter once the real
// call reported its actual token count.
func (q *Queue) Reconcile(estimated, actual int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tpm.Reconcile(float64(estimated), float64(actual))
	q.tokensAcquired += int64(actual) - int64(estimated)
}

// Stats returns the throughput snapshot. A drained queue reports averages
// over the frozen window.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Depth:           len(q.fifo),
		RequestsStarted: q.requestsStarted,
		TokensAcquired:  q.tokensAcquired,
	}
	if q.firstRequestAt.IsZero() {
		return s
	}
	end := q.now()
	if !q.frozenAt.IsZero() {
		end = q.frozenAt
	}
	s.Elapsed = end.Sub(q.firstRequestAt)
	if minutes := s.Elapsed.Minutes(); minutes > 0 {
		s.AvgRPM = float64(s.RequestsStarted) / minutes
		s.AvgTPM = float64(s.TokensAcquired) / minutes
	}
	return s
}
