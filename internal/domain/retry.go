package domain

import "time"

// RetryPolicy defines retry behavior for one error kind.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int `json:"max_attempts"`
	// BaseDelay is the initial delay before the first retry; retries back
	// off exponentially from it.
	BaseDelay time.Duration `json:"base_delay"`
	// Retryable reports whether this kind is retried at all.
	Retryable bool `json:"retryable"`
}

// DefaultRetryPolicy is the fallback when a job carries no policy for a kind.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Retryable: true}
}

// DefaultRetryPolicies is the shipped per-kind policy table.
func DefaultRetryPolicies() map[ErrorKind]RetryPolicy {
	return map[ErrorKind]RetryPolicy{
		ErrKindNetworkTimeout: {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Retryable: true},
		ErrKindRateLimit:      {MaxAttempts: 5, BaseDelay: 2 * time.Second, Retryable: true},
		ErrKindServerError:    {MaxAttempts: 3, BaseDelay: time.Second, Retryable: true},
		ErrKindInvalidRequest: {MaxAttempts: 1, Retryable: false},
		ErrKindContentPolicy:  {MaxAttempts: 1, Retryable: false},
		ErrKindNoQueue:        {MaxAttempts: 1, Retryable: false},
		ErrKindDirectAnswer:   {MaxAttempts: 1, Retryable: false},
		ErrKindUnknown:        {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Retryable: true},
	}
}

// PolicyFor looks up the retry policy for kind, falling back to the default.
func PolicyFor(policies map[ErrorKind]RetryPolicy, kind ErrorKind) RetryPolicy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return DefaultRetryPolicy()
}
