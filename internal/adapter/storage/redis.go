package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key prefixes keep the four namespaces disjoint within one Redis database.
const (
	redisPersistentPrefix = "p:"
	redisVolatilePrefix   = "v:"
	redisSetPrefix        = "s:"
	redisBlobPrefix       = "b:"
)

// Redis is the go-redis backed implementation. Increment maps to INCRBY,
// set operations to SADD/SPOP/SMISMEMBER, batch reads/writes to MGET/MSET;
// all are single round-trips.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs a Redis backend from a client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisFromURL dials a Redis backend from a redis:// URL.
func NewRedisFromURL(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.dial: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Persistent implements Backend.
func (r *Redis) Persistent() KV { return &redisKV{client: r.client, prefix: redisPersistentPrefix} }

// Volatile implements Backend.
func (r *Redis) Volatile() CounterKV {
	return &redisCounterKV{redisKV{client: r.client, prefix: redisVolatilePrefix}}
}

// Sets implements Backend.
func (r *Redis) Sets() Sets { return &redisSets{client: r.client} }

// Blobs implements Backend.
func (r *Redis) Blobs() Blobs { return &redisBlobs{client: r.client} }

// Close implements Backend.
func (r *Redis) Close() error { return r.client.Close() }

type redisKV struct {
	client *redis.Client
	prefix string
}

func (k *redisKV) Write(ctx context.Context, key string, value []byte) error {
	if err := k.client.Set(ctx, k.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.write: %w", err)
	}
	return nil
}

func (k *redisKV) Read(ctx context.Context, key string) ([]byte, error) {
	v, err := k.client.Get(ctx, k.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.read: %w", err)
	}
	return v, nil
}

func (k *redisKV) BatchWrite(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(values)*2)
	for key, v := range values {
		pairs = append(pairs, k.prefix+key, v)
	}
	if err := k.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.batch_write: %w", err)
	}
	return nil
}

func (k *redisKV) BatchRead(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = k.prefix + key
	}
	vals, err := k.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.batch_read: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("op=storage.redis.batch_read: unexpected value type %T", v)
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

func (k *redisKV) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := k.client.Scan(ctx, 0, k.prefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(k.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=storage.redis.scan: %w", err)
	}
	return keys, nil
}

func (k *redisKV) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.prefix+key).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.delete: %w", err)
	}
	return nil
}

type redisCounterKV struct{ redisKV }

func (k *redisCounterKV) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := k.client.IncrBy(ctx, k.prefix+key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("op=storage.redis.increment: %w", err)
	}
	return n, nil
}

type redisSets struct {
	client *redis.Client
}

func (s *redisSets) Add(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, redisSetPrefix+key, member).Result()
	if err != nil {
		return false, fmt.Errorf("op=storage.redis.sadd: %w", err)
	}
	return n == 1, nil
}

func (s *redisSets) AddMultiple(ctx context.Context, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.SAdd(ctx, redisSetPrefix+key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("op=storage.redis.sadd_multiple: %w", err)
	}
	return n, nil
}

func (s *redisSets) Remove(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, redisSetPrefix+key, member).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.srem: %w", err)
	}
	return nil
}

func (s *redisSets) PopOne(ctx context.Context, key string) (string, bool, error) {
	member, err := s.client.SPop(ctx, redisSetPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=storage.redis.spop: %w", err)
	}
	return member, true, nil
}

func (s *redisSets) PopMultiple(ctx context.Context, key string, n int) ([]string, error) {
	members, err := s.client.SPopN(ctx, redisSetPrefix+key, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.spopn: %w", err)
	}
	return members, nil
}

func (s *redisSets) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, redisSetPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.smembers: %w", err)
	}
	return members, nil
}

func (s *redisSets) Size(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, redisSetPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=storage.redis.scard: %w", err)
	}
	return n, nil
}

func (s *redisSets) CheckMembership(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	out, err := s.client.SMIsMember(ctx, redisSetPrefix+key, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=storage.redis.smismember: %w", err)
	}
	return out, nil
}

type redisBlobs struct {
	client *redis.Client
}

func (b *redisBlobs) WriteBlob(ctx context.Context, key string, data []byte, meta BlobMeta) error {
	err := b.client.HSet(ctx, redisBlobPrefix+key,
		"data", data,
		"mime_type", meta.MIMEType,
		"suffix", meta.Suffix,
	).Err()
	if err != nil {
		return fmt.Errorf("op=storage.redis.write_blob: %w", err)
	}
	return nil
}

func (b *redisBlobs) ReadBlob(ctx context.Context, key string) ([]byte, BlobMeta, error) {
	fields, err := b.client.HGetAll(ctx, redisBlobPrefix+key).Result()
	if err != nil {
		return nil, BlobMeta{}, fmt.Errorf("op=storage.redis.read_blob: %w", err)
	}
	if len(fields) == 0 {
		return nil, BlobMeta{}, nil
	}
	return []byte(fields["data"]), BlobMeta{MIMEType: fields["mime_type"], Suffix: fields["suffix"]}, nil
}

func (b *redisBlobs) DeleteBlob(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, redisBlobPrefix+key).Err(); err != nil {
		return fmt.Errorf("op=storage.redis.delete_blob: %w", err)
	}
	return nil
}
