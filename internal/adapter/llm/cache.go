package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

const cacheKeyPrefix = "llmcache:"

// StorageCache shares model responses across workers through the volatile
// storage namespace. Cache keys are deterministic over model, parameters,
// prompts and iteration, so a hit is always a valid answer for the task.
type StorageCache struct {
	kv storage.CounterKV
}

// NewStorageCache builds a cache over the backend's volatile namespace.
func NewStorageCache(backend storage.Backend) *StorageCache {
	return &StorageCache{kv: backend.Volatile()}
}

// Get returns the cached response for key, if any.
func (c *StorageCache) Get(ctx context.Context, key string) (domain.LLMResponse, bool, error) {
	b, err := c.kv.Read(ctx, cacheKeyPrefix+key)
	if err != nil {
		return domain.LLMResponse{}, false, fmt.Errorf("op=llm.CacheGet: %w", err)
	}
	if b == nil {
		return domain.LLMResponse{}, false, nil
	}
	var resp domain.LLMResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return domain.LLMResponse{}, false, fmt.Errorf("op=llm.CacheGet: %w", err)
	}
	return resp, true, nil
}

// Put stores the response under key. Last write wins; entries for the
// same key are interchangeable by construction.
func (c *StorageCache) Put(ctx context.Context, key string, resp domain.LLMResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("op=llm.CachePut: %w", err)
	}
	if err := c.kv.Write(ctx, cacheKeyPrefix+key, b); err != nil {
		return fmt.Errorf("op=llm.CachePut: %w", err)
	}
	return nil
}
