package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCyclicSurvey    = errors.New("survey dag contains a cycle")
	ErrNoQueue         = errors.New("no queue for service/model")
	ErrJobCancelled    = errors.New("job cancelled")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind is the closed set of task failure classifications. The kind
// selects the retry policy for a failed task.
type ErrorKind string

const (
	ErrKindNetworkTimeout  ErrorKind = "network_timeout"
	ErrKindRateLimit       ErrorKind = "rate_limit"
	ErrKindServerError     ErrorKind = "server_error"
	ErrKindInvalidRequest  ErrorKind = "invalid_request"
	ErrKindContentPolicy   ErrorKind = "content_policy"
	ErrKindNoQueue         ErrorKind = "no_queue"
	ErrKindDirectAnswer    ErrorKind = "direct_answer_error"
	ErrKindUpstreamFailure ErrorKind = "upstream_failure"
	ErrKindUnknown         ErrorKind = "unknown"
)

// TaskExecutionError surfaces a task failure to the driver when a job runs
// with stop-on-exception.
type TaskExecutionError struct {
	TaskID       string
	JobID        string
	InterviewID  string
	QuestionName string
	Kind         ErrorKind
	Message      string
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s (job=%s interview=%s question=%s) failed: %s: %s",
		e.TaskID, e.JobID, e.InterviewID, e.QuestionName, e.Kind, e.Message)
}

// TaskErrorRecord is one entry of JobHandle.Errors: the last error of a
// FAILED task.
type TaskErrorRecord struct {
	TaskID       string            `json:"task_id"`
	InterviewID  string            `json:"interview_id"`
	QuestionName string            `json:"question_name"`
	ModelID      string            `json:"model_id"`
	ErrorKind    ErrorKind         `json:"error_type"`
	ErrorMessage string            `json:"error_message"`
	Attempts     map[ErrorKind]int `json:"attempts,omitempty"`
}
