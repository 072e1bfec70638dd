package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/kv"
)

const (
	// cacheTTL is how long a record may be served from memory before the
	// store is consulted again.
	cacheTTL = 5 * time.Second

	// persistTimeout bounds detached writes (initial persists and outcome
	// recording after the caller's context is gone).
	persistTimeout = 2 * time.Second
)

type cachedRecord struct {
	rec     Record
	fetched time.Time
}

// StateStore reads and writes breaker records against the KV store with a
// short read-through cache in front. The store is the authoritative copy;
// concurrent writers converge last-writer-wins on lastTransitionTime.
//
// Store failures degrade instead of failing the request path: reads fall
// back to the cached (possibly stale) record or a fresh CLOSED one, writes
// are logged and dropped. A KV outage must not take the completion path
// down with it.
type StateStore struct {
	kv  kv.Store
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRecord
}

// NewStateStore creates a StateStore on top of the given KV backend.
func NewStateStore(store kv.Store, log *slog.Logger) *StateStore {
	return &StateStore{
		kv:    store,
		log:   log,
		cache: make(map[string]cachedRecord),
	}
}

// Load returns the breaker record for provider. On first sight (or corrupt
// stored bytes) it initializes {CLOSED, 0, 0, now}, returns it, and persists
// it in the background.
func (s *StateStore) Load(ctx context.Context, provider string) Record {
	s.mu.Lock()
	if c, ok := s.cache[provider]; ok && time.Since(c.fetched) < cacheTTL {
		s.mu.Unlock()
		return c.rec
	}
	s.mu.Unlock()

	data, found, err := s.kv.Get(ctx, kv.BreakerKey(provider))
	if err != nil {
		s.log.WarnContext(ctx, "breaker state read failed, serving cached record",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.cache[provider]; ok {
			return c.rec
		}
		rec := newRecord()
		s.cache[provider] = cachedRecord{rec: rec, fetched: time.Now()}
		return rec
	}

	if !found {
		rec := newRecord()
		s.put(provider, rec)
		go s.persist(provider, rec)
		return rec
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unparseable bytes are treated as absent and re-initialized.
		s.log.WarnContext(ctx, "breaker state corrupt, re-initializing",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		rec = newRecord()
		s.put(provider, rec)
		go s.persist(provider, rec)
		return rec
	}
	if rec.State == "" {
		rec.State = StateClosed
	}
	s.put(provider, rec)
	return rec
}

// Save writes rec through cache and store unless the stored record carries a
// newer lastTransitionTime, in which case the newer record wins and replaces
// the cached one. A zero lastTransitionTime in the stored record never wins.
func (s *StateStore) Save(ctx context.Context, provider string, rec Record) {
	if data, found, err := s.kv.Get(ctx, kv.BreakerKey(provider)); err == nil && found {
		var stored Record
		if json.Unmarshal(data, &stored) == nil && stored.LastTransitionTime.After(rec.LastTransitionTime) {
			s.put(provider, stored)
			return
		}
	}
	s.put(provider, rec)
	s.write(ctx, provider, rec)
}

// Force writes rec unconditionally, skipping the last-writer-wins guard.
// Used by Reset, which always wins over in-flight transitions.
func (s *StateStore) Force(ctx context.Context, provider string, rec Record) error {
	s.put(provider, rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, kv.BreakerKey(provider), data, 0)
}

func (s *StateStore) put(provider string, rec Record) {
	s.mu.Lock()
	s.cache[provider] = cachedRecord{rec: rec, fetched: time.Now()}
	s.mu.Unlock()
}

func (s *StateStore) write(ctx context.Context, provider string, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.ErrorContext(ctx, "breaker state marshal failed",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		return
	}
	if err := s.kv.Set(ctx, kv.BreakerKey(provider), data, 0); err != nil {
		s.log.WarnContext(ctx, "breaker state write failed",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
	}
}

// persist writes a freshly initialized record outside the caller's request
// lifetime.
func (s *StateStore) persist(provider string, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.write(ctx, provider, rec)
}
