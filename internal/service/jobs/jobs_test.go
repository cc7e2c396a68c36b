package jobs

import (
	"context"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

func newTestService() *Service {
	return New(storage.NewMemory(), slog.New(slog.DiscardHandler))
}

// chainSurvey builds q1 -> q2 -> q3 with a linear dependency chain.
func chainSurvey() domain.SurveySpec {
	return domain.SurveySpec{
		Questions: []domain.Question{
			{Name: "q1", Text: "First?"},
			{Name: "q2", Text: "Second?"},
			{Name: "q3", Text: "Third?"},
		},
		DAG: map[int][]int{1: {0}, 2: {1}},
	}
}

func basicInput(survey domain.SurveySpec) SubmitInput {
	return SubmitInput{
		UserID:     "u-1",
		Survey:     survey,
		Scenarios:  []domain.Scenario{{Fields: map[string]any{"topic": "go"}}},
		Agents:     []domain.Agent{{Name: "alice"}},
		Models:     []domain.ModelSpec{{Service: "openai", Name: "gpt-4o"}},
		Iterations: 1,
	}
}

// jobTasks loads every task of the job keyed by question name, assuming a
// single interview.
func jobTasks(t *testing.T, s *Service, jobID string) (domain.Interview, map[string]domain.Task) {
	t.Helper()
	ctx := context.Background()
	job, err := s.jobs.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, job.InterviewIDs, 1)
	iv, err := s.interviews.GetInterview(ctx, jobID, job.InterviewIDs[0])
	require.NoError(t, err)
	locs := make(map[string]store.TaskLocation, len(iv.TaskIDs))
	for _, id := range iv.TaskIDs {
		locs[id] = store.TaskLocation{JobID: jobID, InterviewID: iv.ID}
	}
	defs, err := s.tasks.BatchGetTasks(ctx, locs)
	require.NoError(t, err)
	byName := make(map[string]domain.Task, len(defs))
	for _, task := range defs {
		byName[task.QuestionName] = task
	}
	return iv, byName
}

func TestSubmitLinearChain(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	h, err := s.Submit(ctx, basicInput(chainSurvey()))
	require.NoError(t, err)

	iv, tasks := jobTasks(t, s, h.ID())
	require.Len(t, tasks, 3)
	assert.Equal(t, 3, iv.TotalTasks)

	assert.Empty(t, tasks["q1"].DependsOn)
	assert.Equal(t, []string{tasks["q1"].ID}, tasks["q2"].DependsOn)
	assert.Equal(t, []string{tasks["q2"].ID}, tasks["q3"].DependsOn)
	assert.Equal(t, []string{tasks["q2"].ID}, tasks["q1"].Dependents)

	// Only the root is ready.
	ready, err := s.jobs.PopReady(ctx, h.ID(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{tasks["q1"].ID}, ready)

	p, err := h.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ReadyTasks)
	assert.Equal(t, 2, p.PendingTasks)

	state, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, state)
}

func TestSubmitCrossProduct(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	in := basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}})
	in.Scenarios = append(in.Scenarios, domain.Scenario{Fields: map[string]any{"topic": "rust"}})
	in.Models = append(in.Models, domain.ModelSpec{Service: "anthropic", Name: "claude"})
	in.Iterations = 3

	h, err := s.Submit(ctx, in)
	require.NoError(t, err)
	job, err := s.jobs.GetJob(ctx, h.ID())
	require.NoError(t, err)
	// 2 scenarios x 1 agent x 2 models x 3 iterations.
	assert.Len(t, job.InterviewIDs, 12)
}

func TestSubmitRejectsCyclicSurvey(t *testing.T) {
	s := newTestService()
	in := basicInput(domain.SurveySpec{
		Questions: []domain.Question{{Name: "q1", Text: "?"}, {Name: "q2", Text: "?"}},
		DAG:       map[int][]int{0: {1}, 1: {0}},
	})
	_, err := s.Submit(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrCyclicSurvey)
}

func TestSubmitRuleEdgesGateLaterQuestions(t *testing.T) {
	s := newTestService()
	survey := domain.SurveySpec{
		Questions: []domain.Question{
			{Name: "q1", Text: "?"},
			{Name: "q2", Text: "?"},
			{Name: "q3", Text: "?"},
		},
		RuleIndices: []int{0},
	}
	h, err := s.Submit(context.Background(), basicInput(survey))
	require.NoError(t, err)

	_, tasks := jobTasks(t, s, h.ID())
	// The rule at q1 makes it a prerequisite of everything after it.
	assert.Equal(t, []string{tasks["q1"].ID}, tasks["q2"].DependsOn)
	assert.Equal(t, []string{tasks["q1"].ID}, tasks["q3"].DependsOn)
}

func TestSubmitOffloadsFilePayloads(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	s := New(backend, slog.New(slog.DiscardHandler))

	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 fake"))
	in := basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}})
	in.Scenarios = []domain.Scenario{{
		ID: "sc-1",
		Fields: map[string]any{
			"topic": "go",
			"cv":    map[string]any{"base64_string": payload, "mime_type": "application/pdf", "suffix": "pdf"},
		},
	}}

	h, err := s.Submit(ctx, in)
	require.NoError(t, err)

	scenarios, err := s.jobs.GetScenarios(ctx, h.ID(), []string{"sc-1"})
	require.NoError(t, err)
	stored := scenarios["sc-1"].Fields["cv"]
	refMap, ok := stored.(map[string]any)
	require.True(t, ok, "persisted field is the JSON form of the sentinel")
	blobKey := refMap["blob_key"].(string)

	data, meta, err := backend.Blobs().ReadBlob(ctx, blobKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 fake"), data)
	assert.Equal(t, "application/pdf", meta.MIMEType)
	assert.Equal(t, "pdf", meta.Suffix)
}

func TestSubmitDetectsExecutionTypes(t *testing.T) {
	s := newTestService()
	survey := domain.SurveySpec{Questions: []domain.Question{
		{Name: "q1", Text: "?"},
		{Name: "q2", Text: "?", HasDirectAnswer: true},
	}}
	in := basicInput(survey)
	in.Agents = []domain.Agent{{ID: "ag-1", HasDirectAnswer: true}}
	in.QuestionFuncs = map[string]domain.DirectAnswerFunc{
		"q2": func(context.Context, domain.Task) (any, error) { return 42, nil },
	}

	h, err := s.Submit(context.Background(), in)
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())
	assert.Equal(t, domain.ExecAgentDirect, tasks["q1"].ExecutionType)
	assert.Equal(t, domain.ExecFunctional, tasks["q2"].ExecutionType)

	fn, ok := s.Direct().Lookup(tasks["q2"].ID)
	require.True(t, ok)
	v, err := fn(context.Background(), tasks["q2"])
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCompletionPropagatesThroughChain(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(chainSurvey()))
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	answer := func(v any) domain.Answer { return domain.Answer{Value: v, InputTokens: 10, OutputTokens: 5} }

	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q1"], answer("a1")))
	status, err := s.tasks.GetStatus(ctx, tasks["q2"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, status, "q2 becomes ready when q1 completes")

	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q2"], answer("a2")))
	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q3"], answer("a3")))

	state, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, state)

	results, err := h.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].Answers["q1"])
	assert.Equal(t, "a3", results[0].Answers["q3"])
	assert.NotEmpty(t, results[0].InterviewHash)
}

func TestCompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}}))
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q1"], domain.Answer{Value: "x"}))
	// Replay after a dead-worker requeue: counters must not double.
	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q1"], domain.Answer{Value: "x"}))

	counters, err := s.interviews.GetCounters(ctx, tasks["q1"].InterviewID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Completed)

	jc, err := s.jobs.GetCounters(ctx, h.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), jc.CompletedInterviews)
}

func TestRetryThenGiveUpBlocksDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	in := basicInput(chainSurvey())
	in.RetryPolicies = map[domain.ErrorKind]domain.RetryPolicy{
		domain.ErrKindServerError: {MaxAttempts: 2, Retryable: true},
	}
	h, err := s.Submit(ctx, in)
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	// First failure: back to READY, attempts=1.
	require.NoError(t, s.OnTaskFailed(ctx, tasks["q1"], domain.ErrKindServerError, "boom"))
	status, err := s.tasks.GetStatus(ctx, tasks["q1"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, status)

	// Second failure: terminal, dependents blocked.
	require.NoError(t, s.OnTaskFailed(ctx, tasks["q1"], domain.ErrKindServerError, "boom"))
	status, err = s.tasks.GetStatus(ctx, tasks["q1"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, status)
	for _, q := range []string{"q2", "q3"} {
		status, err = s.tasks.GetStatus(ctx, tasks[q].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskBlocked, status, q)
	}

	state, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompletedWithFailures, state)

	records, err := h.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "q1", records[0].QuestionName)
	assert.Equal(t, domain.ErrKindServerError, records[0].ErrorKind)
	assert.Equal(t, 2, records[0].Attempts[domain.ErrKindServerError])

	// Replaying the failure on a FAILED task must not move counters.
	require.NoError(t, s.OnTaskFailed(ctx, tasks["q1"], domain.ErrKindServerError, "boom"))
	counters, err := s.interviews.GetCounters(ctx, tasks["q1"].InterviewID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Failed)
}

func TestNonRetryableKindFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}}))
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	require.NoError(t, s.OnTaskFailed(ctx, tasks["q1"], domain.ErrKindContentPolicy, "refused"))
	status, err := s.tasks.GetStatus(ctx, tasks["q1"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, status)
}

func TestStopOnExceptionCancelsAndSurfaces(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	in := basicInput(chainSurvey())
	in.StopOnException = true
	h, err := s.Submit(ctx, in)
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	err = s.OnTaskFailed(ctx, tasks["q2"], domain.ErrKindInvalidRequest, "bad prompt")
	var fatal *domain.TaskExecutionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, tasks["q2"].ID, fatal.TaskID)
	assert.Equal(t, "q2", fatal.QuestionName)

	state, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, state)

	_, err = h.Results(ctx)
	require.ErrorAs(t, err, &fatal)

	records, err := h.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "q2", records[0].QuestionName)
}

func TestSkippedTaskSatisfiesDependentsAndYieldsNullAnswer(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(chainSurvey()))
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q1"], domain.Answer{Value: "yes"}))
	require.NoError(t, s.OnTaskSkipped(ctx, tasks["q2"], "Skip rule: jump from 0 to 2"))

	status, err := s.tasks.GetStatus(ctx, tasks["q3"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, status, "skipped q2 still satisfies q3")

	require.NoError(t, s.OnTaskCompleted(ctx, tasks["q3"], domain.Answer{Value: "done"}))

	results, err := h.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "yes", results[0].Answers["q1"])
	assert.Nil(t, results[0].Answers["q2"])
	assert.Equal(t, "done", results[0].Answers["q3"])
	assert.Equal(t, "Skip rule: jump from 0 to 2", results[0].Comments["q2"])
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}}))
	require.NoError(t, err)

	require.NoError(t, h.Cancel(ctx))
	state, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, state)

	assert.ErrorIs(t, h.Cancel(ctx), domain.ErrConflict)
}

func TestWaitReturnsOnTerminalState(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	h, err := s.Submit(ctx, basicInput(domain.SurveySpec{Questions: []domain.Question{{Name: "q1", Text: "?"}}}))
	require.NoError(t, err)
	_, tasks := jobTasks(t, s, h.ID())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.OnTaskCompleted(context.Background(), tasks["q1"], domain.Answer{Value: "x"})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx))
}
