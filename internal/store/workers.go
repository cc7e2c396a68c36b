package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// WorkerStore tracks worker liveness: each worker's info record in the
// volatile namespace plus the active-workers id set.
type WorkerStore struct {
	backend storage.Backend
}

// NewWorkerStore constructs a WorkerStore over the backend.
func NewWorkerStore(b storage.Backend) *WorkerStore { return &WorkerStore{backend: b} }

// Register writes the worker's info and inserts it into the active set.
func (s *WorkerStore) Register(ctx context.Context, info domain.WorkerInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("op=workers.register: %w", err)
	}
	if err := s.backend.Volatile().Write(ctx, keyWorkerInfo(info.ID), b); err != nil {
		return fmt.Errorf("op=workers.register: %w", err)
	}
	if _, err := s.backend.Sets().Add(ctx, keyWorkersActive, info.ID); err != nil {
		return fmt.Errorf("op=workers.register: %w", err)
	}
	return nil
}

// Heartbeat refreshes the worker's last-heartbeat timestamp and its
// current task link. The worker is the only writer of its own record, so
// read-modify-write is safe.
func (s *WorkerStore) Heartbeat(ctx context.Context, workerID string, now time.Time, currentTaskID, currentJobID string) error {
	info, ok, err := s.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("op=workers.heartbeat: worker %s: %w", workerID, domain.ErrNotFound)
	}
	info.LastHeartbeat = now
	info.CurrentTaskID = currentTaskID
	info.CurrentJobID = currentJobID
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("op=workers.heartbeat: %w", err)
	}
	if err := s.backend.Volatile().Write(ctx, keyWorkerInfo(workerID), b); err != nil {
		return fmt.Errorf("op=workers.heartbeat: %w", err)
	}
	return nil
}

// Unregister removes the worker from the active set and deletes its record.
func (s *WorkerStore) Unregister(ctx context.Context, workerID string) error {
	if err := s.backend.Sets().Remove(ctx, keyWorkersActive, workerID); err != nil {
		return fmt.Errorf("op=workers.unregister: %w", err)
	}
	if err := s.backend.Volatile().Delete(ctx, keyWorkerInfo(workerID)); err != nil {
		return fmt.Errorf("op=workers.unregister: %w", err)
	}
	return nil
}

// Get reads one worker record; ok=false when absent.
func (s *WorkerStore) Get(ctx context.Context, workerID string) (domain.WorkerInfo, bool, error) {
	b, err := s.backend.Volatile().Read(ctx, keyWorkerInfo(workerID))
	if err != nil {
		return domain.WorkerInfo{}, false, fmt.Errorf("op=workers.get: %w", err)
	}
	if b == nil {
		return domain.WorkerInfo{}, false, nil
	}
	var info domain.WorkerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return domain.WorkerInfo{}, false, fmt.Errorf("op=workers.get: %w", err)
	}
	return info, true, nil
}

// List reads every active worker's record in one round-trip. Workers in the
// active set whose record has vanished are returned in the second slice so
// the caller can clean them up.
func (s *WorkerStore) List(ctx context.Context) ([]domain.WorkerInfo, []string, error) {
	ids, err := s.backend.Sets().Members(ctx, keyWorkersActive)
	if err != nil {
		return nil, nil, fmt.Errorf("op=workers.list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyWorkerInfo(id)
	}
	raw, err := s.backend.Volatile().BatchRead(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("op=workers.list: %w", err)
	}
	infos := make([]domain.WorkerInfo, 0, len(raw))
	var orphaned []string
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			orphaned = append(orphaned, id)
			continue
		}
		var info domain.WorkerInfo
		if err := json.Unmarshal(b, &info); err != nil {
			return nil, nil, fmt.Errorf("op=workers.list: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, orphaned, nil
}
