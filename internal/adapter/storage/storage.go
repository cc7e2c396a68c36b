// Package storage defines the key-value storage protocol the engine runs
// on, plus its in-memory, Redis, Postgres and hybrid implementations.
//
// The protocol exposes three namespaces: persistent (immutable blobs of
// JSON: job definitions, questions, answers), volatile (hot counters and
// task state) and sets (ready sets, counted-interview sets), plus an
// optional blob surface for offloaded file payloads. Implementations
// guarantee per-key linearizability of writes, atomic Increment/Add/Pop,
// and batch reads/writes in a single round-trip where the backend allows.
package storage

import "context"

// KV is the persistent namespace surface.
type KV interface {
	Write(ctx context.Context, key string, value []byte) error
	// Read returns (nil, nil) when the key is absent.
	Read(ctx context.Context, key string) ([]byte, error)
	BatchWrite(ctx context.Context, values map[string][]byte) error
	// BatchRead omits absent keys from the returned map.
	BatchRead(ctx context.Context, keys []string) (map[string][]byte, error)
	// Scan returns keys matching a glob-style pattern (* wildcard).
	Scan(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// CounterKV is the volatile namespace surface: a KV with atomic counters.
type CounterKV interface {
	KV
	// Increment atomically adds delta and returns the new value. A missing
	// key counts as zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// Sets is the set namespace surface. Add and Pop are atomic.
type Sets interface {
	// Add returns true when the member was newly inserted.
	Add(ctx context.Context, key, member string) (bool, error)
	AddMultiple(ctx context.Context, key string, members []string) (int64, error)
	Remove(ctx context.Context, key, member string) error
	// PopOne removes and returns an arbitrary member; ok=false when empty.
	PopOne(ctx context.Context, key string) (member string, ok bool, err error)
	PopMultiple(ctx context.Context, key string, n int) ([]string, error)
	Members(ctx context.Context, key string) ([]string, error)
	Size(ctx context.Context, key string) (int64, error)
	CheckMembership(ctx context.Context, key string, members []string) ([]bool, error)
}

// BlobMeta is the metadata stored alongside an offloaded blob.
type BlobMeta struct {
	MIMEType string `json:"mime_type"`
	Suffix   string `json:"suffix"`
}

// Blobs is the optional large-payload surface.
type Blobs interface {
	WriteBlob(ctx context.Context, key string, data []byte, meta BlobMeta) error
	// ReadBlob returns (nil, zero, nil) when the key is absent.
	ReadBlob(ctx context.Context, key string) ([]byte, BlobMeta, error)
	DeleteBlob(ctx context.Context, key string) error
}

// Backend bundles the four surfaces of one storage implementation.
type Backend interface {
	Persistent() KV
	Volatile() CounterKV
	Sets() Sets
	Blobs() Blobs
	Close() error
}
