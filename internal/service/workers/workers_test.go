package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/config"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
	"github.com/fairyhunter13/surveyjobs/internal/service/render"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorKind
	}{
		{nil, domain.ErrKindUnknown},
		{context.DeadlineExceeded, domain.ErrKindNetworkTimeout},
		{errors.New("dial tcp: connection refused"), domain.ErrKindNetworkTimeout},
		{errors.New("request timeout after 30s"), domain.ErrKindNetworkTimeout},
		{errors.New("429 Too Many Requests"), domain.ErrKindRateLimit},
		{errors.New("rate limit exceeded for gpt-4o"), domain.ErrKindRateLimit},
		{errors.New("monthly quota exhausted"), domain.ErrKindRateLimit},
		{errors.New("502 Bad Gateway"), domain.ErrKindServerError},
		{errors.New("upstream overloaded, retry later"), domain.ErrKindServerError},
		{errors.New("response flagged by safety filter"), domain.ErrKindContentPolicy},
		{errors.New("400 invalid request: context length exceeded"), domain.ErrKindInvalidRequest},
		{errors.New("401 unauthorized"), domain.ErrKindInvalidRequest},
		{errors.New("something inexplicable"), domain.ErrKindUnknown},
	}
	for _, tc := range cases {
		name := "nil"
		if tc.err != nil {
			name = tc.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRegistryDeadWorkerDetection(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	logger := slog.New(slog.DiscardHandler)
	reg := NewRegistry(storage.NewMemory(), 5*time.Second, logger, clock.Now)

	require.NoError(t, reg.Register(ctx, domain.WorkerInfo{ID: "w-alive"}))
	require.NoError(t, reg.Register(ctx, domain.WorkerInfo{ID: "w-dead"}))
	require.NoError(t, reg.Heartbeat(ctx, "w-dead", "t-1", "job-1"))

	clock.Advance(4 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "w-alive", "", ""))
	clock.Advance(3 * time.Second)

	dead, err := reg.GetDeadWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "w-dead", dead[0].ID)

	stranded, err := reg.GetDeadWorkerTasks(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, dispatch.DeadWorkerTask{WorkerID: "w-dead", JobID: "job-1", TaskID: "t-1"}, stranded[0])

	purged, err := reg.CleanupDeadWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	dead, err = reg.GetDeadWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

// fakeLLM returns a canned response or error and records calls.
type fakeLLM struct {
	mu    sync.Mutex
	resp  domain.LLMResponse
	err   error
	calls int
	last  domain.LLMRequest
}

func (f *fakeLLM) Generate(_ context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return domain.LLMResponse{}, f.err
	}
	return f.resp, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]domain.LLMResponse
	puts    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]domain.LLMResponse{}} }

func (c *fakeCache) Get(_ context.Context, key string) (domain.LLMResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	return resp, ok, nil
}

func (c *fakeCache) Put(_ context.Context, key string, resp domain.LLMResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[key] = resp
	return nil
}

type echoRenderer struct{}

func (echoRenderer) Render(_ context.Context, in domain.RenderInput) (domain.RenderedPrompt, error) {
	return domain.RenderedPrompt{SystemPrompt: "You are " + in.Agent.Name, UserPrompt: in.Question.Text}, nil
}

type harness struct {
	backend     *storage.Memory
	jobSvc      *jobs.Service
	registry    *Registry
	coordinator *dispatch.Coordinator
	renderSvc   *render.Service
	clock       *fakeClock
	logger      *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	clock := newFakeClock()
	backend := storage.NewMemory()
	jobSvc := jobs.New(backend, logger)
	reg := NewRegistry(backend, 5*time.Second, logger, clock.Now)
	h := dispatch.NewHeap()
	dreg := dispatch.NewRegistry(h, map[string]string{"openai": "sk-test"}, config.DefaultRateLimits(), logger, clock.Now)
	coord := dispatch.NewCoordinator(dreg, h, reg, logger)
	direct := NewDirectRunner(jobSvc, logger)
	renderSvc := render.New(backend, jobSvc, echoRenderer{}, coord, direct, 100, logger)
	return &harness{
		backend:     backend,
		jobSvc:      jobSvc,
		registry:    reg,
		coordinator: coord,
		renderSvc:   renderSvc,
		clock:       clock,
		logger:      logger,
	}
}

func (h *harness) submit(t *testing.T, q domain.Question, fns map[string]domain.DirectAnswerFunc) *jobs.Handle {
	t.Helper()
	handle, err := h.jobSvc.Submit(context.Background(), jobs.SubmitInput{
		UserID:        "u-1",
		Survey:        domain.SurveySpec{Questions: []domain.Question{q}},
		Scenarios:     []domain.Scenario{{Fields: map[string]any{"topic": "go"}}},
		Agents:        []domain.Agent{{Name: "alice"}},
		Models:        []domain.ModelSpec{{ID: "m-1", Service: "openai", Name: "gpt-4o"}},
		Iterations:    1,
		QuestionFuncs: fns,
	})
	require.NoError(t, err)
	return handle
}

// renderAndAssign pushes the ready set through rendering and takes the
// resulting assignment off the coordinator.
func (h *harness) renderAndAssign(t *testing.T, handle *jobs.Handle) *dispatch.WorkAssignment {
	t.Helper()
	_, err := h.renderSvc.RenderBatch(context.Background(), handle.ID())
	require.NoError(t, err)
	a := h.coordinator.TryAssign()
	require.NotNil(t, a)
	return a
}

func TestWorkerExecuteCompletesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "Why Go?"}, nil)
	a := h.renderAndAssign(t, handle)

	llm := &fakeLLM{resp: domain.LLMResponse{
		Answer:       "simplicity",
		Comment:      "one word",
		InputTokens:  130,
		OutputTokens: 12,
	}}
	w := NewWorker(h.coordinator, h.jobSvc, h.registry, llm, nil, WorkerConfig{ID: "w-1"}, h.logger)
	require.NoError(t, h.registry.Register(ctx, domain.WorkerInfo{ID: "w-1"}))

	require.NoError(t, w.Execute(ctx, a))

	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, "sk-test", llm.last.APIKey)
	assert.Equal(t, "Why Go?", llm.last.UserPrompt)
	assert.Zero(t, h.coordinator.InFlight())

	results, err := handle.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "simplicity", results[0].Answers["q1"])
	assert.Equal(t, "one word", results[0].Comments["q1"])
	assert.Equal(t, 130, results[0].InputTokens["q1"])
	assert.Equal(t, 12, results[0].OutputTokens["q1"])
}

func TestWorkerExecuteFailsNonRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, nil)
	a := h.renderAndAssign(t, handle)

	llm := &fakeLLM{err: errors.New("400 invalid request: context length exceeded")}
	w := NewWorker(h.coordinator, h.jobSvc, h.registry, llm, nil, WorkerConfig{ID: "w-1"}, h.logger)

	require.NoError(t, w.Execute(ctx, a))
	assert.Zero(t, h.coordinator.InFlight())

	status, err := handle.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompletedWithFailures, status)

	records, err := handle.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ErrKindInvalidRequest, records[0].ErrorKind)
}

func TestWorkerExecuteServesFromCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, nil)
	a := h.renderAndAssign(t, handle)

	cache := newFakeCache()
	cache.entries[a.Rendered.CacheKey] = domain.LLMResponse{
		Answer:       "cached",
		InputTokens:  50,
		OutputTokens: 5,
	}
	llm := &fakeLLM{err: errors.New("must not be called")}
	w := NewWorker(h.coordinator, h.jobSvc, h.registry, llm, cache, WorkerConfig{ID: "w-1"}, h.logger)

	require.NoError(t, w.Execute(ctx, a))
	assert.Zero(t, llm.calls)

	results, err := handle.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cached", results[0].Answers["q1"])
	assert.True(t, results[0].CacheUsed["q1"])
}

func TestWorkerExecuteWritesCacheOnMiss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, nil)
	a := h.renderAndAssign(t, handle)

	cache := newFakeCache()
	llm := &fakeLLM{resp: domain.LLMResponse{Answer: "fresh", InputTokens: 10, OutputTokens: 2}}
	w := NewWorker(h.coordinator, h.jobSvc, h.registry, llm, cache, WorkerConfig{ID: "w-1"}, h.logger)

	require.NoError(t, w.Execute(ctx, a))
	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, 1, cache.puts)
	_, hit, err := cache.Get(ctx, a.Rendered.CacheKey)
	require.NoError(t, err)
	assert.True(t, hit)

	status, err := handle.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)
}

func TestDirectRunnerExecutesCallable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, map[string]domain.DirectAnswerFunc{
		"q1": func(_ context.Context, task domain.Task) (any, error) {
			return fmt.Sprintf("direct:%s", task.QuestionName), nil
		},
	})

	n, err := h.renderSvc.RenderBatch(ctx, handle.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := handle.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "direct:q1", results[0].Answers["q1"])
}

func TestDirectRunnerFailsErroringCallable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, map[string]domain.DirectAnswerFunc{
		"q1": func(context.Context, domain.Task) (any, error) {
			return nil, errors.New("lookup table missing entry")
		},
	})

	_, err := h.renderSvc.RenderBatch(ctx, handle.ID())
	require.NoError(t, err)

	records, err := handle.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ErrKindDirectAnswer, records[0].ErrorKind)
}

// A worker that heartbeats once and halts must have its in-flight task
// requeued by the dead-worker loop so another worker can finish it.
func TestDeadWorkerTaskRequeuedAndCompleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, nil)

	// Worker A claims the task and writes one heartbeat linking it, then
	// halts without completing.
	require.NoError(t, h.registry.Register(ctx, domain.WorkerInfo{ID: "w-a"}))
	a := h.renderAndAssign(t, handle)
	require.NoError(t, h.jobSvc.MarkTaskRunning(ctx, a.Rendered.Task.ID))
	require.NoError(t, h.registry.Heartbeat(ctx, "w-a", a.Rendered.Task.ID, a.Rendered.Task.JobID))
	require.Equal(t, 1, h.coordinator.InFlight())

	// Past the heartbeat timeout the recovery loop requeues the task and
	// purges the record.
	h.clock.Advance(6 * time.Second)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.coordinator.RunDeadWorkerLoop(loopCtx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.coordinator.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond, "stranded task requeued")
	cancel()

	_, ok, err := store.NewWorkerStore(h.backend).Get(ctx, "w-a")
	require.NoError(t, err)
	assert.False(t, ok, "dead worker record purged")

	// Worker B picks the same task up and completes it.
	b := h.coordinator.TryAssign()
	require.NotNil(t, b)
	assert.Equal(t, a.Rendered.Task.ID, b.Rendered.Task.ID)

	llm := &fakeLLM{resp: domain.LLMResponse{Answer: "recovered", InputTokens: 9, OutputTokens: 3}}
	w := NewWorker(h.coordinator, h.jobSvc, h.registry, llm, nil, WorkerConfig{ID: "w-b"}, h.logger)
	require.NoError(t, w.Execute(ctx, b))

	results, err := handle.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "recovered", results[0].Answers["q1"])
}

func TestPoolRunsAndShutsDown(t *testing.T) {
	h := newHarness(t)
	handle := h.submit(t, domain.Question{Name: "q1", Text: "?"}, nil)
	_, err := h.renderSvc.RenderBatch(context.Background(), handle.ID())
	require.NoError(t, err)

	llm := &fakeLLM{resp: domain.LLMResponse{Answer: "pooled", InputTokens: 7, OutputTokens: 2}}
	pool := NewPool(h.coordinator, h.jobSvc, h.registry, llm, nil, PoolConfig{
		Min:         2,
		Max:         4,
		PollTimeout: 200 * time.Millisecond,
	}, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.NoError(t, handle.Wait(context.Background()))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}

	results, err := handle.Results(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pooled", results[0].Answers["q1"])
}
