// Package metrics records request outcomes, aggregates them per provider
// and persists the aggregates through the KV store.
//
// Recording is buffered: Record calls append to in-memory buffers and return
// without touching the store. Reads flush first — buffers are snapshotted,
// grouped by provider, merged into each provider's persisted aggregate and
// written through with a 7-day TTL — so a recording followed by a read
// observes the recorded event. A private Prometheus registry (prometheus.go)
// is driven synchronously at record time, independent of the KV aggregates.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/kv"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	// persistTTL is how long a provider aggregate outlives its last update
	// in the store.
	persistTTL = 7 * 24 * time.Hour

	// readCacheTTL is how long aggregates may be served from memory before
	// the store is consulted again.
	readCacheTTL = 5 * time.Second

	// closeTimeout bounds the final flush performed by Close.
	closeTimeout = 2 * time.Second
)

type eventKind uint8

const (
	kindRequest eventKind = iota
	kindSuccess
	kindFailure
	kindFailover
)

// requestEvent is one buffered recording. Markers (kindRequest) and
// failovers carry no latency; outcomes always do.
type requestEvent struct {
	provider string
	kind     eventKind
	latency  float64 // milliseconds
	tokens   int
}

type cachedMetrics struct {
	m       *ProviderMetrics
	fetched time.Time
}

// Collector buffers request outcomes and merges them into per-provider
// aggregates persisted at metrics:<provider>:current.
//
// Record methods are cheap and never block on the store. Two processes
// flushing the same provider concurrently reconcile last-writer-wins; a lost
// batch is tolerated, exact-once accounting is not a goal.
type Collector struct {
	store kv.Store
	log   *slog.Logger
	prom  *Registry

	mu      sync.Mutex
	events  []requestEvent
	circuit []breaker.Event

	cacheMu sync.Mutex
	cache   map[string]cachedMetrics

	// flushMu serializes flushes so merges within one process apply in
	// record order.
	flushMu sync.Mutex
}

// Option configures a Collector.
type Option func(*Collector)

// WithPrometheus mirrors recordings into reg synchronously.
func WithPrometheus(reg *Registry) Option {
	return func(c *Collector) { c.prom = reg }
}

// NewCollector creates a Collector persisting through store.
func NewCollector(store kv.Store, log *slog.Logger, opts ...Option) *Collector {
	c := &Collector{
		store: store,
		log:   log,
		cache: make(map[string]cachedMetrics),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordRequest marks the start of one provider attempt. The provider's
// aggregate is initialized on the next flush even if no outcome follows.
func (c *Collector) RecordRequest(provider string) {
	c.append(requestEvent{provider: provider, kind: kindRequest})
	if c.prom != nil {
		c.prom.RecordAttempt(provider)
	}
}

// RecordSuccess records one successful attempt.
func (c *Collector) RecordSuccess(provider string, latencyMs int64, tokens int) {
	c.append(requestEvent{provider: provider, kind: kindSuccess, latency: float64(latencyMs), tokens: tokens})
	if c.prom != nil {
		c.prom.RecordOutcome(provider, "success", latencyMs)
		c.prom.AddTokens(provider, tokens)
	}
}

// RecordFailure records one failed attempt.
func (c *Collector) RecordFailure(provider string, latencyMs int64, code apierr.Code, message string) {
	c.append(requestEvent{provider: provider, kind: kindFailure, latency: float64(latencyMs)})
	c.log.Debug("provider failure recorded",
		slog.String("provider", provider),
		slog.String("code", string(code)),
		slog.String("error", message),
	)
	if c.prom != nil {
		c.prom.RecordOutcome(provider, "failure", latencyMs)
		c.prom.RecordError(provider, string(code))
	}
}

// RecordFailover marks that the chain advanced past provider after a
// failure.
func (c *Collector) RecordFailover(provider string) {
	c.append(requestEvent{provider: provider, kind: kindFailover})
	if c.prom != nil {
		c.prom.RecordFailover(provider)
	}
}

// RecordCircuitBreakerStateChange implements breaker.Sink. Events are
// buffered like request outcomes and applied at flush, guarded by their own
// timestamps.
func (c *Collector) RecordCircuitBreakerStateChange(ev breaker.Event) {
	c.mu.Lock()
	c.circuit = append(c.circuit, ev)
	c.mu.Unlock()
	c.invalidate(ev.Provider)
	if c.prom != nil {
		c.prom.SetCircuitState(ev.Provider, ev.NewState)
	}
}

func (c *Collector) append(ev requestEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.invalidate(ev.provider)
}

// GetProviderMetrics returns provider's aggregate after flushing pending
// recordings. A provider that has never been recorded returns nil.
func (c *Collector) GetProviderMetrics(ctx context.Context, provider string) (*ProviderMetrics, error) {
	if err := c.Flush(ctx); err != nil {
		c.log.WarnContext(ctx, "metrics flush failed, serving cached view", slog.Any("error", err))
	}
	if m, ok := c.cached(provider); ok {
		return m, nil
	}
	m, err := c.loadStored(ctx, provider)
	if err != nil {
		return nil, err
	}
	if m != nil {
		c.putCache(provider, m)
	}
	return m, nil
}

// GetAggregatedMetrics returns the cross-provider summary after flushing
// pending recordings.
func (c *Collector) GetAggregatedMetrics(ctx context.Context) (*Summary, error) {
	if err := c.Flush(ctx); err != nil {
		c.log.WarnContext(ctx, "metrics flush failed, summary may lag", slog.Any("error", err))
	}
	keys, err := c.store.List(ctx, kv.MetricsKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list metrics keys: %w", err)
	}
	per := make(map[string]*ProviderMetrics, len(keys))
	for _, key := range keys {
		provider, ok := kv.ProviderFromMetricsKey(key)
		if !ok {
			continue
		}
		if m, ok := c.cached(provider); ok {
			per[provider] = m
			continue
		}
		m, err := c.loadStored(ctx, provider)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		c.putCache(provider, m)
		per[provider] = m
	}
	return summarize(per), nil
}

// Flush drains the buffers into the persisted aggregates. Every read flushes
// implicitly; callers only need Flush directly at shutdown.
func (c *Collector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	events := c.events
	circuit := c.circuit
	c.events = nil
	c.circuit = nil
	c.mu.Unlock()

	if len(events) == 0 && len(circuit) == 0 {
		return nil
	}

	var (
		byProvider = make(map[string][]requestEvent)
		cbEvents   = make(map[string][]breaker.Event)
		order      []string
		seen       = make(map[string]bool)
	)
	note := func(provider string) {
		if !seen[provider] {
			seen[provider] = true
			order = append(order, provider)
		}
	}
	for _, ev := range events {
		note(ev.provider)
		byProvider[ev.provider] = append(byProvider[ev.provider], ev)
	}
	for _, ev := range circuit {
		note(ev.Provider)
		cbEvents[ev.Provider] = append(cbEvents[ev.Provider], ev)
	}

	var firstErr error
	for _, provider := range order {
		m := c.loadForMerge(ctx, provider)
		m.merge(byProvider[provider])
		for _, ev := range cbEvents[provider] {
			m.applyCircuitEvent(ev)
		}
		if err := c.persist(ctx, provider, m); err != nil {
			c.log.WarnContext(ctx, "metrics write failed",
				slog.String("provider", provider),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
		// The merged aggregate stays visible in-process even when the
		// write failed.
		c.putCache(provider, m)
	}
	return firstErr
}

// Reset drops all buffered and persisted metrics. Breaker records are not
// touched.
func (c *Collector) Reset(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.events = nil
	c.circuit = nil
	c.mu.Unlock()

	c.cacheMu.Lock()
	c.cache = make(map[string]cachedMetrics)
	c.cacheMu.Unlock()

	keys, err := c.store.List(ctx, kv.MetricsKeyPrefix)
	if err != nil {
		return fmt.Errorf("list metrics keys: %w", err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Close flushes whatever is still buffered.
func (c *Collector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.Flush(ctx)
}

// loadForMerge returns the aggregate the next batch merges into: the stored
// record, the cached copy when the store is unavailable, or a fresh zeroed
// record. Merging must not fail, so store errors degrade.
func (c *Collector) loadForMerge(ctx context.Context, provider string) *ProviderMetrics {
	data, found, err := c.store.Get(ctx, kv.MetricsKey(provider))
	if err != nil {
		c.log.WarnContext(ctx, "metrics read failed, merging into cached aggregate",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		c.cacheMu.Lock()
		defer c.cacheMu.Unlock()
		if e, ok := c.cache[provider]; ok {
			cp := *e.m
			return &cp
		}
		return newProviderMetrics(provider)
	}
	if found {
		var m ProviderMetrics
		if err := json.Unmarshal(data, &m); err == nil {
			return &m
		}
		c.log.WarnContext(ctx, "metrics record corrupt, re-initializing",
			slog.String("provider", provider),
		)
	}
	return newProviderMetrics(provider)
}

// loadStored reads provider's persisted aggregate. Absent and corrupt keys
// both return nil; a corrupt record is re-initialized by the next flush that
// touches the provider.
func (c *Collector) loadStored(ctx context.Context, provider string) (*ProviderMetrics, error) {
	data, found, err := c.store.Get(ctx, kv.MetricsKey(provider))
	if err != nil {
		return nil, fmt.Errorf("read metrics for %s: %w", provider, err)
	}
	if !found {
		return nil, nil
	}
	var m ProviderMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.WarnContext(ctx, "metrics record corrupt, treating as absent",
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		return nil, nil
	}
	return &m, nil
}

func (c *Collector) persist(ctx context.Context, provider string, m *ProviderMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics for %s: %w", provider, err)
	}
	return c.store.Set(ctx, kv.MetricsKey(provider), data, persistTTL)
}

func (c *Collector) cached(provider string) (*ProviderMetrics, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[provider]
	if !ok || time.Since(e.fetched) >= readCacheTTL {
		return nil, false
	}
	cp := *e.m
	return &cp, true
}

func (c *Collector) putCache(provider string, m *ProviderMetrics) {
	cp := *m
	c.cacheMu.Lock()
	c.cache[provider] = cachedMetrics{m: &cp, fetched: time.Now()}
	c.cacheMu.Unlock()
}

// invalidate expires provider's cache entry without discarding it; the
// stale copy still serves as the merge base when the store is unreachable.
func (c *Collector) invalidate(provider string) {
	c.cacheMu.Lock()
	if e, ok := c.cache[provider]; ok {
		e.fetched = time.Time{}
		c.cache[provider] = e
	}
	c.cacheMu.Unlock()
}
