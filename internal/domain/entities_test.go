package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskSkipped, TaskFailed, TaskBlocked}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s should be terminal", s)
	}
	nonTerminal := []TaskStatus{TaskPending, TaskReady, TaskRendering, TaskQueued, TaskRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "status %s should not be terminal", s)
	}
}

func TestTaskStatus_SatisfiesDependents(t *testing.T) {
	assert.True(t, TaskCompleted.SatisfiesDependents())
	assert.True(t, TaskSkipped.SatisfiesDependents())
	assert.False(t, TaskFailed.SatisfiesDependents())
	assert.False(t, TaskBlocked.SatisfiesDependents())
	assert.False(t, TaskRunning.SatisfiesDependents())
}

func TestInterviewCounters_State(t *testing.T) {
	c := InterviewCounters{Completed: 2}
	assert.Equal(t, InterviewRunning, c.State(3))

	c = InterviewCounters{Completed: 3}
	assert.Equal(t, InterviewCompleted, c.State(3))

	c = InterviewCounters{Completed: 1, Skipped: 1, Failed: 1}
	assert.Equal(t, InterviewCompletedWithFailures, c.State(3))

	c = InterviewCounters{Completed: 2, Blocked: 1}
	assert.Equal(t, InterviewCompletedWithFailures, c.State(3))

	// Skipped tasks alone do not make an interview a failure.
	c = InterviewCounters{Completed: 1, Skipped: 2}
	assert.Equal(t, InterviewCompleted, c.State(3))
}

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobCompletedWithFailures.Terminal())
	assert.True(t, JobCancelled.Terminal())
}

func TestPolicyFor_Fallback(t *testing.T) {
	policies := map[ErrorKind]RetryPolicy{
		ErrKindServerError: {MaxAttempts: 2, BaseDelay: time.Second, Retryable: true},
	}
	p := PolicyFor(policies, ErrKindServerError)
	assert.Equal(t, 2, p.MaxAttempts)

	fallback := PolicyFor(policies, ErrKindNetworkTimeout)
	assert.Equal(t, DefaultRetryPolicy(), fallback)
}

func TestDefaultRetryPolicies_NonRetryableKinds(t *testing.T) {
	policies := DefaultRetryPolicies()
	for _, kind := range []ErrorKind{ErrKindInvalidRequest, ErrKindContentPolicy, ErrKindNoQueue, ErrKindDirectAnswer} {
		p, ok := policies[kind]
		require.True(t, ok, "missing policy for %s", kind)
		assert.False(t, p.Retryable, "%s should not be retryable", kind)
	}
}

func TestWorkerInfo_Dead(t *testing.T) {
	now := time.Now()
	w := WorkerInfo{LastHeartbeat: now.Add(-10 * time.Second)}
	assert.True(t, w.Dead(now, 5*time.Second))
	assert.False(t, w.Dead(now, 30*time.Second))
}

func TestSurveySpec_QuestionIndex(t *testing.T) {
	s := SurveySpec{Questions: []Question{{Name: "q1"}, {Name: "q2"}, {Name: "q3"}}}
	idx := s.QuestionIndex()
	require.Len(t, idx, 3)
	assert.Equal(t, 0, idx["q1"])
	assert.Equal(t, 2, idx["q3"])
	assert.False(t, s.HasNonDefaultRules())

	s.RuleIndices = []int{0}
	assert.True(t, s.HasNonDefaultRules())
}

func TestTaskExecutionError_Error(t *testing.T) {
	e := &TaskExecutionError{TaskID: "t1", JobID: "j1", InterviewID: "i1", QuestionName: "q2", Kind: ErrKindInvalidRequest, Message: "bad schema"}
	msg := e.Error()
	assert.Contains(t, msg, "t1")
	assert.Contains(t, msg, "q2")
	assert.Contains(t, msg, "invalid_request")
}
