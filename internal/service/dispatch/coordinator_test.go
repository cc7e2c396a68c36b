package dispatch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/surveyjobs/internal/config"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

func testCoordinator(t *testing.T, clk *fakeClock, apiKeys map[string]string, limits config.RateLimits) (*Coordinator, *Registry) {
	t.Helper()
	h := NewHeap()
	logger := slog.New(slog.DiscardHandler)
	reg := NewRegistry(h, apiKeys, limits, logger, clk.Now)
	return NewCoordinator(reg, h, nil, logger), reg
}

func TestRegistryRoutesToShallowestQueue(t *testing.T) {
	clk := newFakeClock()
	_, reg := testCoordinator(t, clk, nil, nil)

	q1 := reg.RegisterQueue("openai", "gpt-4o", "sk-1", config.RateLimit{RPM: 60, TPM: 10000})
	q2 := reg.RegisterQueue("openai", "gpt-4o", "sk-2", config.RateLimit{RPM: 60, TPM: 10000})
	q1.Enqueue(testTask("t1", 100))
	q1.Enqueue(testTask("t2", 100))
	q2.Enqueue(testTask("t3", 100))

	got, err := reg.RouteTask("openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, q2.ID(), got.ID())
}

func TestRegistryAutoRegistersWithKnownKey(t *testing.T) {
	clk := newFakeClock()
	_, reg := testCoordinator(t, clk,
		map[string]string{"openai": "sk-test"},
		config.RateLimits{"openai": {RPM: 120, TPM: 20000}})

	q, err := reg.RouteTask("openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", q.APIKey())

	again, err := reg.RouteTask("openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, q.ID(), again.ID(), "second route reuses the queue")

	_, err = reg.RouteTask("anthropic", "claude")
	assert.ErrorIs(t, err, domain.ErrNoQueue)
}

func TestTryAssignDrainsQueueInOrder(t *testing.T) {
	clk := newFakeClock()
	c, _ := testCoordinator(t, clk, map[string]string{"openai": "sk-test"}, nil)

	require.NoError(t, c.Enqueue(testTask("t1", 100)))
	require.NoError(t, c.Enqueue(testTask("t2", 100)))

	a := c.TryAssign()
	require.NotNil(t, a)
	assert.Equal(t, "t1", a.Rendered.Task.ID)
	assert.Equal(t, "sk-test", a.APIKey)
	assert.Equal(t, clk.Now(), a.AssignedAt)
	assert.Equal(t, 1, c.InFlight())

	b := c.TryAssign()
	require.NotNil(t, b)
	assert.Equal(t, "t2", b.Rendered.Task.ID)

	assert.Nil(t, c.TryAssign(), "empty queue assigns nothing")
}

func TestTryAssignRateLimitShaping(t *testing.T) {
	// One queue, RPM=60, TPM=10000, tasks estimated at 500 tokens: exactly
	// floor(10000/500)=20 acquire immediately, the rest wait on TPM refill.
	clk := newFakeClock()
	c, _ := testCoordinator(t, clk,
		map[string]string{"openai": "sk-test"},
		config.RateLimits{"openai": {RPM: 60, TPM: 10000}})

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Enqueue(testTask("t", 500)))
	}

	assigned := 0
	for c.TryAssign() != nil {
		assigned++
	}
	assert.Equal(t, 20, assigned)

	// TPM refills at 10000/60 per second: 3s buys one 500-token slot.
	clk.Advance(3 * time.Second)
	require.NotNil(t, c.TryAssign())
	assert.Nil(t, c.TryAssign())
	assigned = 21

	clk.Advance(time.Minute)
	for c.TryAssign() != nil {
		assigned++
	}
	assert.Equal(t, 25, assigned, "all remaining tasks drain after a full window")
	assert.Equal(t, 25, c.InFlight())
}

func TestCompleteWorkReconcilesTPM(t *testing.T) {
	clk := newFakeClock()
	c, reg := testCoordinator(t, clk,
		map[string]string{"openai": "sk-test"},
		config.RateLimits{"openai": {RPM: 60, TPM: 10000}})

	require.NoError(t, c.Enqueue(testTask("t1", 5000)))
	a := c.TryAssign()
	require.NotNil(t, a)

	c.CompleteWork(WorkCompletion{TaskID: "t1", QueueID: a.QueueID, ActualTokens: 1000, TokensKnown: true})
	assert.Equal(t, 0, c.InFlight())

	q, ok := reg.Get(a.QueueID)
	require.True(t, ok)
	// 4000 over-estimated tokens returned: 9000 available again.
	assert.Equal(t, time.Duration(0), q.TimeUntilAvailable(9000))
}

func TestRequestWorkWakesOnEnqueue(t *testing.T) {
	clk := newFakeClock()
	c, _ := testCoordinator(t, clk, map[string]string{"openai": "sk-test"}, nil)

	got := make(chan *WorkAssignment, 1)
	go func() {
		a, err := c.RequestWork(context.Background(), "w-1", time.Hour)
		assert.NoError(t, err)
		got <- a
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Enqueue(testTask("t1", 100)))

	select {
	case a := <-got:
		require.NotNil(t, a)
		assert.Equal(t, "t1", a.Rendered.Task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll never woke")
	}
}

func TestRequestWorkHonorsContextCancel(t *testing.T) {
	clk := newFakeClock()
	c, _ := testCoordinator(t, clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.RequestWork(ctx, "w-1", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequeueStaleTasks(t *testing.T) {
	clk := newFakeClock()
	c, _ := testCoordinator(t, clk, map[string]string{"openai": "sk-test"}, nil)

	require.NoError(t, c.Enqueue(testTask("t1", 100)))
	require.NotNil(t, c.TryAssign())
	require.Equal(t, 1, c.InFlight())

	assert.Equal(t, 0, c.RequeueStaleTasks(5*time.Minute), "fresh assignment is not stale")

	clk.Advance(6 * time.Minute)
	assert.Equal(t, 1, c.RequeueStaleTasks(5*time.Minute))
	assert.Equal(t, 0, c.InFlight())

	a := c.TryAssign()
	require.NotNil(t, a, "requeued task is assignable again")
	assert.Equal(t, "t1", a.Rendered.Task.ID)
}

type fakeDeadWorkers struct {
	stranded []DeadWorkerTask
	purged   int
}

func (f *fakeDeadWorkers) GetDeadWorkerTasks(context.Context) ([]DeadWorkerTask, error) {
	return f.stranded, nil
}

func (f *fakeDeadWorkers) CleanupDeadWorkers(context.Context) (int, error) {
	n := len(f.stranded)
	f.stranded = nil
	f.purged += n
	return n, nil
}

func TestRecoverDeadWorkersRequeuesInflight(t *testing.T) {
	clk := newFakeClock()
	h := NewHeap()
	logger := slog.New(slog.DiscardHandler)
	reg := NewRegistry(h, map[string]string{"openai": "sk-test"}, nil, logger, clk.Now)
	dead := &fakeDeadWorkers{}
	c := NewCoordinator(reg, h, dead, logger)

	require.NoError(t, c.Enqueue(testTask("t1", 100)))
	require.NotNil(t, c.TryAssign())
	dead.stranded = []DeadWorkerTask{{WorkerID: "w-1", JobID: "job-1", TaskID: "t1"}}

	c.recoverDeadWorkers(context.Background())
	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, 1, dead.purged)

	a := c.TryAssign()
	require.NotNil(t, a)
	assert.Equal(t, "t1", a.Rendered.Task.ID)
}
