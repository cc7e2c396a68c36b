package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// Task definition writes are chunked so one submit never produces an
// unbounded single batch.
const taskWriteChunk = 1000

// TaskLocation locates a task's definition key.
type TaskLocation struct {
	JobID       string
	InterviewID string
}

// TaskStore persists task definitions and owns the per-task volatile
// state: status, unmet-deps counter, attempts, last error and location.
type TaskStore struct {
	backend storage.Backend
}

// NewTaskStore constructs a TaskStore over the backend.
func NewTaskStore(b storage.Backend) *TaskStore { return &TaskStore{backend: b} }

// PutTasks batch-writes task definitions, chunked at 1000 per round-trip,
// and records each task's location in the volatile namespace.
func (s *TaskStore) PutTasks(ctx context.Context, tasks []domain.Task) error {
	tracer := otel.Tracer("store.tasks")
	ctx, span := tracer.Start(ctx, "tasks.PutTasks")
	defer span.End()

	for start := 0; start < len(tasks); start += taskWriteChunk {
		end := start + taskWriteChunk
		if end > len(tasks) {
			end = len(tasks)
		}
		chunk := tasks[start:end]
		defs := make(map[string][]byte, len(chunk))
		locs := make(map[string][]byte, len(chunk))
		for _, t := range chunk {
			b, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("op=tasks.put: %w", err)
			}
			defs[keyTask(t.JobID, t.InterviewID, t.ID)] = b
			locs[keyTaskLocation(t.ID)] = []byte(t.JobID + "|" + t.InterviewID)
		}
		if err := s.backend.Persistent().BatchWrite(ctx, defs); err != nil {
			return fmt.Errorf("op=tasks.put: %w", err)
		}
		if err := s.backend.Volatile().BatchWrite(ctx, locs); err != nil {
			return fmt.Errorf("op=tasks.put_locations: %w", err)
		}
	}
	return nil
}

// GetTask loads one task definition.
func (s *TaskStore) GetTask(ctx context.Context, loc TaskLocation, taskID string) (domain.Task, error) {
	b, err := s.backend.Persistent().Read(ctx, keyTask(loc.JobID, loc.InterviewID, taskID))
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=tasks.get: %w", err)
	}
	if b == nil {
		return domain.Task{}, fmt.Errorf("op=tasks.get: %w", domain.ErrNotFound)
	}
	var t domain.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Task{}, fmt.Errorf("op=tasks.get: %w", err)
	}
	return t, nil
}

// BatchGetTasks loads many task definitions in one round-trip given their
// locations.
func (s *TaskStore) BatchGetTasks(ctx context.Context, locs map[string]TaskLocation) (map[string]domain.Task, error) {
	if len(locs) == 0 {
		return map[string]domain.Task{}, nil
	}
	keys := make([]string, 0, len(locs))
	byKey := make(map[string]string, len(locs))
	for taskID, loc := range locs {
		k := keyTask(loc.JobID, loc.InterviewID, taskID)
		keys = append(keys, k)
		byKey[k] = taskID
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.batch_get: %w", err)
	}
	out := make(map[string]domain.Task, len(raw))
	for k, b := range raw {
		var t domain.Task
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("op=tasks.batch_get: %w", err)
		}
		out[byKey[k]] = t
	}
	return out, nil
}

// GetLocations batch-reads task locations.
func (s *TaskStore) GetLocations(ctx context.Context, taskIDs []string) (map[string]TaskLocation, error) {
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = keyTaskLocation(id)
	}
	raw, err := s.backend.Volatile().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.get_locations: %w", err)
	}
	out := make(map[string]TaskLocation, len(raw))
	for i, id := range taskIDs {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		parts := strings.SplitN(string(b), "|", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("op=tasks.get_locations: malformed location for task %s", id)
		}
		out[id] = TaskLocation{JobID: parts[0], InterviewID: parts[1]}
	}
	return out, nil
}

// SetStatus writes one task's status.
func (s *TaskStore) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	return s.backend.Volatile().Write(ctx, keyTaskStatus(taskID), []byte(status))
}

// BatchSetStatus writes many task statuses in one round-trip.
func (s *TaskStore) BatchSetStatus(ctx context.Context, statuses map[string]domain.TaskStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	values := make(map[string][]byte, len(statuses))
	for taskID, status := range statuses {
		values[keyTaskStatus(taskID)] = []byte(status)
	}
	return s.backend.Volatile().BatchWrite(ctx, values)
}

// GetStatus reads one task's status; missing means pending.
func (s *TaskStore) GetStatus(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	b, err := s.backend.Volatile().Read(ctx, keyTaskStatus(taskID))
	if err != nil {
		return "", fmt.Errorf("op=tasks.get_status: %w", err)
	}
	if b == nil {
		return domain.TaskPending, nil
	}
	return domain.TaskStatus(b), nil
}

// BatchGetStatus reads many task statuses in one round-trip.
func (s *TaskStore) BatchGetStatus(ctx context.Context, taskIDs []string) (map[string]domain.TaskStatus, error) {
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = keyTaskStatus(id)
	}
	raw, err := s.backend.Volatile().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.batch_get_status: %w", err)
	}
	out := make(map[string]domain.TaskStatus, len(taskIDs))
	for i, id := range taskIDs {
		if b, ok := raw[keys[i]]; ok {
			out[id] = domain.TaskStatus(b)
		} else {
			out[id] = domain.TaskPending
		}
	}
	return out, nil
}

// InitUnmetDeps batch-writes initial unmet-deps counters at submit.
func (s *TaskStore) InitUnmetDeps(ctx context.Context, deps map[string]int) error {
	if len(deps) == 0 {
		return nil
	}
	values := make(map[string][]byte, len(deps))
	for taskID, n := range deps {
		values[keyTaskUnmetDeps(taskID)] = []byte(fmt.Sprintf("%d", n))
	}
	return s.backend.Volatile().BatchWrite(ctx, values)
}

// DecrementUnmetDeps atomically decrements and returns the new value. The
// caller that observes zero owns the PENDING -> READY transition.
func (s *TaskStore) DecrementUnmetDeps(ctx context.Context, taskID string) (int64, error) {
	n, err := s.backend.Volatile().Increment(ctx, keyTaskUnmetDeps(taskID), -1)
	if err != nil {
		return 0, fmt.Errorf("op=tasks.decr_unmet: %w", err)
	}
	return n, nil
}

// GetUnmetDeps reads the unmet-deps counter.
func (s *TaskStore) GetUnmetDeps(ctx context.Context, taskID string) (int64, error) {
	b, err := s.backend.Volatile().Read(ctx, keyTaskUnmetDeps(taskID))
	if err != nil {
		return 0, fmt.Errorf("op=tasks.get_unmet: %w", err)
	}
	return parseCounter(b), nil
}

// IncrAttempt bumps the attempt count for an error kind and returns it.
// Task failure handling is single-actor per task, so read-modify-write is
// safe here.
func (s *TaskStore) IncrAttempt(ctx context.Context, taskID string, kind domain.ErrorKind) (int, error) {
	attempts, err := s.GetAttempts(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if attempts == nil {
		attempts = map[domain.ErrorKind]int{}
	}
	attempts[kind]++
	b, err := json.Marshal(attempts)
	if err != nil {
		return 0, fmt.Errorf("op=tasks.incr_attempt: %w", err)
	}
	if err := s.backend.Volatile().Write(ctx, keyTaskAttempts(taskID), b); err != nil {
		return 0, fmt.Errorf("op=tasks.incr_attempt: %w", err)
	}
	return attempts[kind], nil
}

// GetAttempts reads the per-kind attempt map; missing means empty.
func (s *TaskStore) GetAttempts(ctx context.Context, taskID string) (map[domain.ErrorKind]int, error) {
	b, err := s.backend.Volatile().Read(ctx, keyTaskAttempts(taskID))
	if err != nil {
		return nil, fmt.Errorf("op=tasks.get_attempts: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	var attempts map[domain.ErrorKind]int
	if err := json.Unmarshal(b, &attempts); err != nil {
		return nil, fmt.Errorf("op=tasks.get_attempts: %w", err)
	}
	return attempts, nil
}

// taskError is the stored shape of a task's last error.
type taskError struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// SetLastError records the task's last error kind and message.
func (s *TaskStore) SetLastError(ctx context.Context, taskID string, kind domain.ErrorKind, message string) error {
	b, err := json.Marshal(taskError{Kind: kind, Message: message})
	if err != nil {
		return fmt.Errorf("op=tasks.set_last_error: %w", err)
	}
	return s.backend.Volatile().Write(ctx, keyTaskLastError(taskID), b)
}

// GetLastError reads the task's last error; ok=false when none recorded.
func (s *TaskStore) GetLastError(ctx context.Context, taskID string) (domain.ErrorKind, string, bool, error) {
	b, err := s.backend.Volatile().Read(ctx, keyTaskLastError(taskID))
	if err != nil {
		return "", "", false, fmt.Errorf("op=tasks.get_last_error: %w", err)
	}
	if b == nil {
		return "", "", false, nil
	}
	var te taskError
	if err := json.Unmarshal(b, &te); err != nil {
		return "", "", false, fmt.Errorf("op=tasks.get_last_error: %w", err)
	}
	return te.Kind, te.Message, true, nil
}
