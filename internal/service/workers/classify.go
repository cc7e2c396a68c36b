package workers

import (
	"context"
	"errors"
	"strings"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// Classify maps a model-call error to the closed kind set that selects
// the retry policy. Matching is on error text because provider SDKs wrap
// HTTP failures inconsistently.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindNetworkTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"):
		return domain.ErrKindNetworkTimeout
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota"):
		return domain.ErrKindRateLimit
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "overloaded"):
		return domain.ErrKindServerError
	case strings.Contains(msg, "content policy"),
		strings.Contains(msg, "content_policy"),
		strings.Contains(msg, "safety"),
		strings.Contains(msg, "flagged"):
		return domain.ErrKindContentPolicy
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return domain.ErrKindInvalidRequest
	default:
		return domain.ErrKindUnknown
	}
}
