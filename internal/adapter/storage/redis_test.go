package storage_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
)

func newRedisBackend(t *testing.T) *storage.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedis(client)
}

func TestRedisBackend(t *testing.T) {
	runBackendConformance(t, newRedisBackend(t))
}

func TestRedisBackend_NamespacesDisjoint(t *testing.T) {
	ctx := context.Background()
	b := newRedisBackend(t)

	require.NoError(t, b.Persistent().Write(ctx, "same-key", []byte("persistent")))
	_, err := b.Volatile().Increment(ctx, "same-key", 7)
	require.NoError(t, err)

	v, err := b.Persistent().Read(ctx, "same-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), v)

	v, err = b.Volatile().Read(ctx, "same-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), v)
}

func TestNewRedisFromURL_Invalid(t *testing.T) {
	_, err := storage.NewRedisFromURL("not-a-url")
	assert.Error(t, err)
}
