package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a stored response in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	return e.lookup(key, inputHash)
}

// Reserve claims key with SET NX so only one request runs per key.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes a reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Save records a response in Redis with TTL, replacing any reservation.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
