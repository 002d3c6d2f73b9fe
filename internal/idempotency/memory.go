package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps responses in process, each under its own TTL. It does
// not survive restarts and is not shared between replicas.
type MemoryStore struct {
	mu    sync.Mutex // serializes Reserve
	cache *ttlcache.Cache[string, entry]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, entry]())}
}

// Check returns the response saved under key. Reusing the key with a
// different inputHash is a conflict.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Response, bool, error) {
	item := s.cache.Get(key)
	if item == nil {
		// Expired items linger until touched.
		s.cache.Delete(key)
		return nil, false, nil
	}
	return item.Value().lookup(key, inputHash)
}

func (s *MemoryStore) Reserve(_ context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Get(key) != nil {
		return false, nil
	}
	s.cache.Set(key, entry{InputHash: inputHash, Pending: true}, ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	s.cache.DeleteExpired()
	s.cache.Set(key, entry{InputHash: inputHash, Response: resp}, ttl)
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len counts stored entries, expired ones included.
func (s *MemoryStore) Len() int { return s.cache.Len() }
