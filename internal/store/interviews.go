package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// Interview counter names in the volatile namespace.
const (
	counterCompleted = "completed"
	counterSkipped   = "skipped"
	counterFailed    = "failed"
	counterBlocked   = "blocked"
)

// InterviewStore persists interview definitions and owns the per-interview
// volatile counters and derived state.
type InterviewStore struct {
	backend storage.Backend
}

// NewInterviewStore constructs an InterviewStore over the backend.
func NewInterviewStore(b storage.Backend) *InterviewStore { return &InterviewStore{backend: b} }

// PutInterviews batch-writes interview definitions in one round-trip.
func (s *InterviewStore) PutInterviews(ctx context.Context, interviews []domain.Interview) error {
	values := make(map[string][]byte, len(interviews))
	for _, iv := range interviews {
		b, err := json.Marshal(iv)
		if err != nil {
			return fmt.Errorf("op=interviews.put: %w", err)
		}
		values[keyInterview(iv.JobID, iv.ID)] = b
	}
	return s.backend.Persistent().BatchWrite(ctx, values)
}

// GetInterview loads one interview definition.
func (s *InterviewStore) GetInterview(ctx context.Context, jobID, interviewID string) (domain.Interview, error) {
	b, err := s.backend.Persistent().Read(ctx, keyInterview(jobID, interviewID))
	if err != nil {
		return domain.Interview{}, fmt.Errorf("op=interviews.get: %w", err)
	}
	if b == nil {
		return domain.Interview{}, fmt.Errorf("op=interviews.get: %w", domain.ErrNotFound)
	}
	var iv domain.Interview
	if err := json.Unmarshal(b, &iv); err != nil {
		return domain.Interview{}, fmt.Errorf("op=interviews.get: %w", err)
	}
	return iv, nil
}

// GetInterviews batch-reads interview definitions by id.
func (s *InterviewStore) GetInterviews(ctx context.Context, jobID string, ids []string) (map[string]domain.Interview, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyInterview(jobID, id)
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=interviews.batch_get: %w", err)
	}
	out := make(map[string]domain.Interview, len(raw))
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var iv domain.Interview
		if err := json.Unmarshal(b, &iv); err != nil {
			return nil, fmt.Errorf("op=interviews.batch_get: %w", err)
		}
		out[id] = iv
	}
	return out, nil
}

// IncrCompleted atomically bumps the interview's completed counter.
func (s *InterviewStore) IncrCompleted(ctx context.Context, interviewID string) (int64, error) {
	return s.incr(ctx, interviewID, counterCompleted)
}

// IncrSkipped atomically bumps the interview's skipped counter.
func (s *InterviewStore) IncrSkipped(ctx context.Context, interviewID string) (int64, error) {
	return s.incr(ctx, interviewID, counterSkipped)
}

// IncrFailed atomically bumps the interview's failed counter.
func (s *InterviewStore) IncrFailed(ctx context.Context, interviewID string) (int64, error) {
	return s.incr(ctx, interviewID, counterFailed)
}

// IncrBlocked atomically bumps the interview's blocked counter.
func (s *InterviewStore) IncrBlocked(ctx context.Context, interviewID string) (int64, error) {
	return s.incr(ctx, interviewID, counterBlocked)
}

func (s *InterviewStore) incr(ctx context.Context, interviewID, counter string) (int64, error) {
	n, err := s.backend.Volatile().Increment(ctx, keyInterviewCounter(interviewID, counter), 1)
	if err != nil {
		return 0, fmt.Errorf("op=interviews.incr_%s: %w", counter, err)
	}
	return n, nil
}

// GetCounters reads all four counters of one interview in one round-trip.
func (s *InterviewStore) GetCounters(ctx context.Context, interviewID string) (domain.InterviewCounters, error) {
	counters, err := s.BatchGetCounters(ctx, []string{interviewID})
	if err != nil {
		return domain.InterviewCounters{}, err
	}
	return counters[interviewID], nil
}

// BatchGetCounters reads the counters of many interviews in one round-trip.
func (s *InterviewStore) BatchGetCounters(ctx context.Context, ids []string) (map[string]domain.InterviewCounters, error) {
	names := []string{counterCompleted, counterSkipped, counterFailed, counterBlocked}
	keys := make([]string, 0, len(ids)*len(names))
	for _, id := range ids {
		for _, name := range names {
			keys = append(keys, keyInterviewCounter(id, name))
		}
	}
	raw, err := s.backend.Volatile().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=interviews.get_counters: %w", err)
	}
	out := make(map[string]domain.InterviewCounters, len(ids))
	for _, id := range ids {
		out[id] = domain.InterviewCounters{
			Completed: parseCounter(raw[keyInterviewCounter(id, counterCompleted)]),
			Skipped:   parseCounter(raw[keyInterviewCounter(id, counterSkipped)]),
			Failed:    parseCounter(raw[keyInterviewCounter(id, counterFailed)]),
			Blocked:   parseCounter(raw[keyInterviewCounter(id, counterBlocked)]),
		}
	}
	return out, nil
}

// SetState writes the interview's derived state.
func (s *InterviewStore) SetState(ctx context.Context, interviewID string, state domain.InterviewState) error {
	return s.backend.Volatile().Write(ctx, keyInterviewState(interviewID), []byte(state))
}

// GetState reads the interview's state; missing means running.
func (s *InterviewStore) GetState(ctx context.Context, interviewID string) (domain.InterviewState, error) {
	b, err := s.backend.Volatile().Read(ctx, keyInterviewState(interviewID))
	if err != nil {
		return "", fmt.Errorf("op=interviews.get_state: %w", err)
	}
	if b == nil {
		return domain.InterviewRunning, nil
	}
	return domain.InterviewState(b), nil
}

// BatchGetStates reads many interview states in one round-trip.
func (s *InterviewStore) BatchGetStates(ctx context.Context, ids []string) (map[string]domain.InterviewState, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyInterviewState(id)
	}
	raw, err := s.backend.Volatile().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=interviews.get_states: %w", err)
	}
	out := make(map[string]domain.InterviewState, len(ids))
	for i, id := range ids {
		if b, ok := raw[keys[i]]; ok {
			out[id] = domain.InterviewState(b)
		} else {
			out[id] = domain.InterviewRunning
		}
	}
	return out, nil
}
