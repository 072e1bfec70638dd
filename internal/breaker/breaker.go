// Package breaker implements per-provider circuit breakers with persistent
// state.
//
// Unlike a purely in-process breaker, the authoritative record lives in the
// KV store under circuit-breaker:<provider>, so every process sharing the
// store converges on the same view of a provider's health. A 5-second
// read-through cache keeps the hot path off the store; concurrent writers
// reconcile last-writer-wins on the record's transition timestamp.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// State is the operational state of a provider's circuit breaker.
//
//	CLOSED    — normal operation; requests pass through.
//	OPEN      — provider is failing; requests are rejected immediately.
//	HALF_OPEN — recovery; a bounded number of probe requests go through.
//
// Values are persisted verbatim inside the breaker record.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Record is the persisted breaker state for one provider.
//
// FailureCount counts consecutive failures while CLOSED; SuccessCount counts
// consecutive successes while HALF_OPEN. Both reset on every transition.
type Record struct {
	State              State      `json:"state"`
	FailureCount       int        `json:"failureCount"`
	SuccessCount       int        `json:"successCount"`
	LastTransitionTime time.Time  `json:"lastTransitionTime"`
	LastFailureTime    *time.Time `json:"lastFailureTime,omitempty"`
}

func newRecord() Record {
	return Record{State: StateClosed, LastTransitionTime: time.Now()}
}

// Breaker tuning defaults.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 60 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED that
	// trips the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in HALF_OPEN
	// that closes the breaker again.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays OPEN before admitting a
	// recovery probe.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent HALF_OPEN probes within this
	// process.
	HalfOpenMaxCalls int
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c Config) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return DefaultOpenTimeout
}

func (c Config) halfOpenMaxCalls() int {
	if c.HalfOpenMaxCalls > 0 {
		return c.HalfOpenMaxCalls
	}
	return DefaultHalfOpenMaxCalls
}

// Metrics is a point-in-time breaker snapshot for the observability surface.
type Metrics struct {
	Provider           string    `json:"provider"`
	State              State     `json:"state"`
	FailureCount       int       `json:"failureCount"`
	SuccessCount       int       `json:"successCount"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// Breaker gates calls to a single provider. It is safe for concurrent use;
// in-process mutations serialize on an internal lock while cross-process
// writers converge through the StateStore.
type Breaker struct {
	provider string
	cfg      Config
	store    *StateStore
	sink     Sink
	log      *slog.Logger

	mu            sync.Mutex
	probeInflight int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithSink registers a transition event sink.
func WithSink(sink Sink) Option {
	return func(b *Breaker) { b.sink = sink }
}

// New creates a Breaker for the named provider.
func New(provider string, cfg Config, store *StateStore, log *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		provider: provider,
		cfg:      cfg,
		store:    store,
		log:      log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Provider returns the provider this breaker guards.
func (b *Breaker) Provider() string { return b.provider }

// Execute runs fn through the admission gate. When the breaker rejects, fn
// is never invoked and the error carries code CIRCUIT_OPEN. Otherwise fn's
// outcome is recorded against the breaker state and its error (if any) is
// returned unchanged.
//
// Outcome recording survives caller cancellation: a cancelled call still
// counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.recordFailure(ctx, probe)
		return err
	}
	b.recordSuccess(ctx, probe)
	return nil
}

// State returns the provider's current breaker record, read through the
// cache.
func (b *Breaker) State(ctx context.Context) Record {
	return b.store.Load(ctx, b.provider)
}

// Metrics returns a snapshot of the breaker for the observability surface.
func (b *Breaker) Metrics(ctx context.Context) Metrics {
	rec := b.store.Load(ctx, b.provider)
	return Metrics{
		Provider:           b.provider,
		State:              rec.State,
		FailureCount:       rec.FailureCount,
		SuccessCount:       rec.SuccessCount,
		LastTransitionTime: rec.LastTransitionTime,
	}
}

// Reset forces the breaker to CLOSED with zeroed counters. The write skips
// the last-writer-wins guard: a reset always wins over in-flight
// transitions. Resetting an already-closed breaker is a no-op apart from the
// write.
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.store.Load(ctx, b.provider)
	next := newRecord()
	if err := b.store.Force(ctx, b.provider, next); err != nil {
		return err
	}
	b.probeInflight = 0

	if prev.State != StateClosed || prev.FailureCount != 0 || prev.SuccessCount != 0 {
		b.emit(ctx, prev, next, ReasonManualReset, prev.FailureCount, prev.SuccessCount)
	}
	return nil
}

// admit decides whether the next call may proceed. It reports whether the
// admission is a HALF_OPEN probe, which the outcome recording must release.
func (b *Breaker) admit(ctx context.Context) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.store.Load(ctx, b.provider)
	switch rec.State {
	case StateOpen:
		// A zero transition stamp reads as a transition at the epoch, so a
		// record with a corrupt stamp becomes immediately probe-eligible.
		if time.Since(rec.LastTransitionTime) < b.cfg.openTimeout() {
			return false, apierr.Newf(apierr.CodeCircuitOpen, "circuit breaker open for provider %s", b.provider)
		}
		b.transition(ctx, rec, StateHalfOpen, ReasonTimeout, rec.FailureCount, rec.SuccessCount)
		b.probeInflight = 1
		return true, nil

	case StateHalfOpen:
		if b.probeInflight >= b.cfg.halfOpenMaxCalls() {
			return false, apierr.Newf(apierr.CodeCircuitOpen, "circuit breaker probe limit reached for provider %s", b.provider)
		}
		b.probeInflight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) recordSuccess(ctx context.Context, probe bool) {
	ctx = context.WithoutCancel(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeDone()
	}

	rec := b.store.Load(ctx, b.provider)
	switch rec.State {
	case StateClosed:
		if rec.FailureCount != 0 {
			rec.FailureCount = 0
			b.store.Save(ctx, b.provider, rec)
		}
	case StateHalfOpen:
		if rec.SuccessCount+1 >= b.cfg.successThreshold() {
			b.transition(ctx, rec, StateClosed, ReasonSuccessThreshold, rec.FailureCount, rec.SuccessCount+1)
			return
		}
		rec.SuccessCount++
		rec.FailureCount = 0
		b.store.Save(ctx, b.provider, rec)
	case StateOpen:
		// Outcome of a call admitted before the breaker tripped; the state
		// machine has no row for it.
	}
}

func (b *Breaker) recordFailure(ctx context.Context, probe bool) {
	ctx = context.WithoutCancel(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probeDone()
	}

	now := time.Now()
	rec := b.store.Load(ctx, b.provider)
	switch rec.State {
	case StateClosed:
		rec.LastFailureTime = &now
		if rec.FailureCount+1 >= b.cfg.failureThreshold() {
			b.transition(ctx, rec, StateOpen, ReasonFailureThreshold, rec.FailureCount+1, rec.SuccessCount)
			return
		}
		rec.FailureCount++
		b.store.Save(ctx, b.provider, rec)
	case StateHalfOpen:
		rec.LastFailureTime = &now
		b.transition(ctx, rec, StateOpen, ReasonFailureThreshold, rec.FailureCount+1, rec.SuccessCount)
	case StateOpen:
	}
}

// transition writes the new state (counts zeroed, stamp refreshed) and emits
// the transition event. Callers hold b.mu.
func (b *Breaker) transition(ctx context.Context, prev Record, to State, reason string, failures, successes int) {
	next := Record{
		State:              to,
		LastTransitionTime: time.Now(),
		LastFailureTime:    prev.LastFailureTime,
	}
	b.store.Save(ctx, b.provider, next)
	if to != StateHalfOpen {
		b.probeInflight = 0
	}
	b.emit(ctx, prev, next, reason, failures, successes)
}

func (b *Breaker) emit(ctx context.Context, prev, next Record, reason string, failures, successes int) {
	b.log.InfoContext(ctx, "circuit breaker state change",
		slog.String("provider", b.provider),
		slog.String("from", string(prev.State)),
		slog.String("to", string(next.State)),
		slog.String("reason", reason),
		slog.Int("failure_count", failures),
		slog.Int("success_count", successes),
	)
	if b.sink == nil {
		return
	}
	b.sink.RecordCircuitBreakerStateChange(Event{
		Timestamp:     next.LastTransitionTime,
		Provider:      b.provider,
		PreviousState: prev.State,
		NewState:      next.State,
		Reason:        reason,
		FailureCount:  failures,
		SuccessCount:  successes,
	})
}

func (b *Breaker) probeDone() {
	if b.probeInflight > 0 {
		b.probeInflight--
	}
}
