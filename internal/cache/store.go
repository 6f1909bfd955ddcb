package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Store.Get when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Store is the subset of key-value commands the cache layer needs. The
// production implementation wraps a redis client; tests substitute an
// in-memory fake.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	// SetBatch writes all entries in one atomic pipelined operation.
	SetBatch(ctx context.Context, entries map[string]string, ttl time.Duration) error
	Publish(ctx context.Context, channel, payload string) error
}

// RedisStore adapts a redis client to the Store interface. It must be
// backed by a connection that never enters subscribe mode; the pub/sub
// subscriber role uses its own connection.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

func (s *RedisStore) SetBatch(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}
