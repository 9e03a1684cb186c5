// Package kv implements the key-value state store used for rate limiting,
// duplicate suppression and short-lived caches.
package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is a process-local KV store on go-cache. Expired keys are
// invisible to readers and removed by Prune; there is no background sweeper.
type MemoryStore struct {
	c *gocache.Cache

	// mu serializes read-modify-write paths (Incr, Expire).
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

// expiration maps a KVStore ttl onto go-cache, where 0 means "default".
func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	switch v := v.(type) {
	case int64:
		return []byte(strconv.FormatInt(v, 10)), true, nil
	case []byte:
		return clone(v), true, nil
	}
	return nil, false, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.c.Set(key, clone(value), expiration(ttl))
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// Add fails when a live item exists; expired items are replaced.
	if err := s.c.Add(key, clone(value), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		s.c.Set(key, int64(1), expiration(ttl))
		return 1, nil
	}
	switch v := v.(type) {
	case int64:
		n, err := s.c.IncrementInt64(key, 1)
		if err != nil {
			// Expired between the read and the increment.
			s.c.Set(key, int64(1), expiration(ttl))
			return 1, nil
		}
		return n, nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, errNotInteger(key)
		}
		n++
		s.c.Set(key, n, remaining(exp))
		return n, nil
	}
	return 0, errNotInteger(key)
}

// remaining converts an absolute go-cache expiry back to a duration.
func remaining(exp time.Time) time.Duration {
	if exp.IsZero() {
		return gocache.NoExpiration
	}
	if d := time.Until(exp); d > 0 {
		return d
	}
	return time.Nanosecond
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.c.Get(key); ok {
		s.c.Set(key, v, expiration(ttl))
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		return 0, nil
	}
	if exp.IsZero() {
		return -1, nil
	}
	return time.Until(exp), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *MemoryStore) Prune(_ context.Context) (int, error) {
	before := s.c.ItemCount()
	s.c.DeleteExpired()
	if n := before - s.c.ItemCount(); n > 0 {
		return n, nil
	}
	return 0, nil
}

// Len returns the number of stored keys, including expired ones not yet pruned.
func (s *MemoryStore) Len() int {
	return s.c.ItemCount()
}

func (s *MemoryStore) Close() error { return nil }
