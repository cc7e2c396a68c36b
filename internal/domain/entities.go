// Package domain defines the entities, state machines and ports of the
// survey job engine. A job is a survey evaluated across the cross-product of
// scenarios, agents, models and iterations; each combination is an interview,
// each question within an interview is a task.
package domain

import (
	"encoding/json"
	"time"
)

// JobState is the volatile lifecycle state of a job.
type JobState string

const (
	JobPending               JobState = "pending"
	JobRunning               JobState = "running"
	JobCompleted             JobState = "completed"
	JobCompletedWithFailures JobState = "completed_with_failures"
	JobCancelled             JobState = "cancelled"
)

// Terminal reports whether the job state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithFailures, JobCancelled:
		return true
	}
	return false
}

// InterviewState is derived from the interview counters vs total tasks.
type InterviewState string

const (
	InterviewRunning               InterviewState = "running"
	InterviewCompleted             InterviewState = "completed"
	InterviewCompletedWithFailures InterviewState = "completed_with_failures"
)

// TaskStatus is the nine-state task machine.
//
//	PENDING -> READY -> RENDERING -> QUEUED -> RUNNING -> COMPLETED
//	RUNNING -> READY (retryable failure) | FAILED (terminal failure)
//	PENDING/READY/QUEUED/RUNNING -> SKIPPED (skip rule)
//	any non-terminal -> BLOCKED (upstream failure)
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRendering TaskStatus = "rendering"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskSkipped   TaskStatus = "skipped"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskSkipped, TaskFailed, TaskBlocked:
		return true
	}
	return false
}

// SatisfiesDependents reports whether the status satisfies downstream
// dependencies. FAILED and BLOCKED propagate blocking instead.
func (s TaskStatus) SatisfiesDependents() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// ExecutionType selects the execution path for a task.
type ExecutionType string

const (
	// ExecLLM goes through the render -> queue -> worker pipeline.
	ExecLLM ExecutionType = "llm"
	// ExecAgentDirect is answered by a client-side agent callable.
	ExecAgentDirect ExecutionType = "agent_direct"
	// ExecFunctional is answered by a client-side question function.
	ExecFunctional ExecutionType = "functional"
)

// Job is the immutable definition of a submitted job. Volatile counters
// (completed/failed interviews, state) live in the volatile namespace.
type Job struct {
	ID              string                    `json:"id"`
	UserID          string                    `json:"user_id"`
	CreatedAt       time.Time                 `json:"created_at"`
	InterviewIDs    []string                  `json:"interview_ids"`
	DAG             map[string][]string       `json:"dag"` // question name -> prerequisite names
	ScenarioIDs     []string                  `json:"scenario_ids"`
	AgentIDs        []string                  `json:"agent_ids"`
	ModelIDs        []string                  `json:"model_ids"`
	QuestionIDs     []string                  `json:"question_ids"`
	RetryPolicies   map[ErrorKind]RetryPolicy `json:"retry_policies,omitempty"`
	Iterations      int                       `json:"iterations"`
	StopOnException bool                      `json:"stop_on_exception"`
}

// TotalInterviews is the number of interviews the job decomposed into.
func (j Job) TotalInterviews() int { return len(j.InterviewIDs) }

// JobCounters are the volatile per-job counters.
type JobCounters struct {
	CompletedInterviews int64
	FailedInterviews    int64
}

// Interview is one (scenario, agent, model, iteration) combination.
type Interview struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	ScenarioID string `json:"scenario_id"`
	AgentID    string `json:"agent_id"`
	ModelID    string `json:"model_id"`
	Iteration  int    `json:"iteration"`
	TaskIDs    []string `json:"task_ids"`
	// OptionPermutations holds per-interview randomized question options,
	// keyed by question name. Overrides resolved options when present.
	OptionPermutations map[string][]any `json:"option_permutations,omitempty"`
	TotalTasks         int              `json:"total_tasks"`
}

// InterviewCounters are the volatile per-interview counters.
type InterviewCounters struct {
	Completed int64
	Skipped   int64
	Failed    int64
	Blocked   int64
}

// Settled is the number of tasks in a terminal status.
func (c InterviewCounters) Settled() int64 {
	return c.Completed + c.Skipped + c.Failed + c.Blocked
}

// State derives the interview state from the counters. It is a pure
// function of counters vs totalTasks.
func (c InterviewCounters) State(totalTasks int) InterviewState {
	if c.Settled() < int64(totalTasks) {
		return InterviewRunning
	}
	if c.Failed > 0 || c.Blocked > 0 {
		return InterviewCompletedWithFailures
	}
	return InterviewCompleted
}

// Task is one question within an interview; the unit of scheduling.
// DependsOn ids are always within the same interview.
type Task struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	InterviewID   string        `json:"interview_id"`
	ScenarioID    string        `json:"scenario_id"`
	AgentID       string        `json:"agent_id"`
	ModelID       string        `json:"model_id"`
	QuestionID    string        `json:"question_id"`
	QuestionName  string        `json:"question_name"`
	Iteration     int           `json:"iteration"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Dependents    []string      `json:"dependents,omitempty"`
	ExecutionType ExecutionType `json:"execution_type"`
}

// TaskState is the volatile per-task state.
type TaskState struct {
	Status       TaskStatus        `json:"status"`
	UnmetDeps    int64             `json:"unmet_deps"`
	Attempts     map[ErrorKind]int `json:"attempts,omitempty"`
	LastError    ErrorKind         `json:"last_error,omitempty"`
	LastErrorMsg string            `json:"last_error_msg,omitempty"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
}

// Answer is the persisted outcome of a task, keyed by
// (job, interview, question name). Written once per completion,
// idempotently, to both the durable and the fast-read namespace.
type Answer struct {
	JobID            string          `json:"job_id"`
	InterviewID      string          `json:"interview_id"`
	QuestionName     string          `json:"question_name"`
	Value            any             `json:"value"`
	Comment          string          `json:"comment,omitempty"`
	SystemPrompt     string          `json:"system_prompt,omitempty"`
	UserPrompt       string          `json:"user_prompt,omitempty"`
	Cached           bool            `json:"cached"`
	CacheKey         string          `json:"cache_key,omitempty"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"`
	GeneratedTokens  string          `json:"generated_tokens,omitempty"`
	ModelID          string          `json:"model_id"`
	InputPricePerM   float64         `json:"input_price_per_million_tokens"`
	OutputPricePerM  float64         `json:"output_price_per_million_tokens"`
	Validated        bool            `json:"validated"`
	ReasoningSummary string          `json:"reasoning_summary,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// WorkerInfo is the registry record for an execution worker.
type WorkerInfo struct {
	ID            string            `json:"id"`
	Hostname      string            `json:"hostname"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	CurrentJobID  string            `json:"current_job_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Dead reports whether the worker's last heartbeat is older than timeout.
func (w WorkerInfo) Dead(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > timeout
}
