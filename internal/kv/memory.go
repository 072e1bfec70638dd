package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memItem stores a value together with its expiry time. A zero expiresAt
// means the entry never expires.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded memory growth.
//
// Use this backend when Redis is not available — for local development,
// single-instance deployments, or tests. For distributed (multi-replica)
// deployments use RedisStore instead so that all replicas converge on the
// same breaker and metric state.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

// Get returns the value for key. Returns (nil, false, nil) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if item.expired(time.Now()) {
		// Lazy expiry — remove the stale entry without blocking reads.
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	return item.data, true, nil
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl stores the entry without expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()

	return nil
}

// Delete removes key from the store. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// List returns all live keys beginning with prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, v := range s.items {
		if strings.HasPrefix(k, prefix) && !v.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of entries currently held in the store
// (including entries that may have expired but not yet been evicted).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	close(s.done)
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.items {
		if v.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
