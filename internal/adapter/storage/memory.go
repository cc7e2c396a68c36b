package storage

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
)

// Memory is the in-process backend used in single-node mode and in tests.
// All namespaces share one mutex; critical sections are map operations.
type Memory struct {
	mu         sync.RWMutex
	persistent map[string][]byte
	volatile   map[string][]byte
	sets       map[string]map[string]struct{}
	blobs      map[string]memBlob
}

type memBlob struct {
	data []byte
	meta BlobMeta
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		persistent: make(map[string][]byte),
		volatile:   make(map[string][]byte),
		sets:       make(map[string]map[string]struct{}),
		blobs:      make(map[string]memBlob),
	}
}

// Persistent implements Backend.
func (m *Memory) Persistent() KV { return &memKV{m: m, table: &m.persistent} }

// Volatile implements Backend.
func (m *Memory) Volatile() CounterKV {
	return &memCounterKV{memKV{m: m, table: &m.volatile}}
}

// Sets implements Backend.
func (m *Memory) Sets() Sets { return &memSets{m} }

// Blobs implements Backend.
func (m *Memory) Blobs() Blobs { return &memBlobs{m} }

// Close implements Backend.
func (m *Memory) Close() error { return nil }

type memKV struct {
	m     *Memory
	table *map[string][]byte
}

func (k *memKV) Write(_ context.Context, key string, value []byte) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	(*k.table)[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) Read(_ context.Context, key string) ([]byte, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	v, ok := (*k.table)[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (k *memKV) BatchWrite(_ context.Context, values map[string][]byte) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	for key, v := range values {
		(*k.table)[key] = append([]byte(nil), v...)
	}
	return nil
}

func (k *memKV) BatchRead(_ context.Context, keys []string) (map[string][]byte, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := (*k.table)[key]; ok {
			out[key] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (k *memKV) Scan(_ context.Context, pattern string) ([]string, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	var keys []string
	for key := range *k.table {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("op=storage.scan: %w", err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	delete(*k.table, key)
	return nil
}

type memCounterKV struct{ memKV }

func (k *memCounterKV) Increment(_ context.Context, key string, delta int64) (int64, error) {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	var current int64
	if v, ok := (*k.table)[key]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("op=storage.increment: key %q holds non-integer value", key)
		}
		current = n
	}
	current += delta
	(*k.table)[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

type memSets struct{ m *Memory }

func (s *memSets) set(key string) map[string]struct{} {
	members, ok := s.m.sets[key]
	if !ok {
		members = make(map[string]struct{})
		s.m.sets[key] = members
	}
	return members
}

func (s *memSets) Add(_ context.Context, key, member string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	members := s.set(key)
	if _, exists := members[member]; exists {
		return false, nil
	}
	members[member] = struct{}{}
	return true, nil
}

func (s *memSets) AddMultiple(_ context.Context, key string, toAdd []string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	members := s.set(key)
	var added int64
	for _, member := range toAdd {
		if _, exists := members[member]; !exists {
			members[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *memSets) Remove(_ context.Context, key, member string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if members, ok := s.m.sets[key]; ok {
		delete(members, member)
	}
	return nil
}

func (s *memSets) PopOne(_ context.Context, key string) (string, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for member := range s.m.sets[key] {
		delete(s.m.sets[key], member)
		return member, true, nil
	}
	return "", false, nil
}

func (s *memSets) PopMultiple(_ context.Context, key string, n int) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var popped []string
	for member := range s.m.sets[key] {
		if len(popped) >= n {
			break
		}
		delete(s.m.sets[key], member)
		popped = append(popped, member)
	}
	return popped, nil
}

func (s *memSets) Members(_ context.Context, key string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	members := make([]string, 0, len(s.m.sets[key]))
	for member := range s.m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (s *memSets) Size(_ context.Context, key string) (int64, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return int64(len(s.m.sets[key])), nil
}

func (s *memSets) CheckMembership(_ context.Context, key string, members []string) ([]bool, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]bool, len(members))
	set := s.m.sets[key]
	for i, member := range members {
		_, out[i] = set[member]
	}
	return out, nil
}

type memBlobs struct{ m *Memory }

func (b *memBlobs) WriteBlob(_ context.Context, key string, data []byte, meta BlobMeta) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.m.blobs[key] = memBlob{data: append([]byte(nil), data...), meta: meta}
	return nil
}

func (b *memBlobs) ReadBlob(_ context.Context, key string) ([]byte, BlobMeta, error) {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()
	blob, ok := b.m.blobs[key]
	if !ok {
		return nil, BlobMeta{}, nil
	}
	return append([]byte(nil), blob.data...), blob.meta, nil
}

func (b *memBlobs) DeleteBlob(_ context.Context, key string) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	delete(b.m.blobs, key)
	return nil
}
