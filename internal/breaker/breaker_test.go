package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/kv"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records emitted transition events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) RecordCircuitBreakerStateChange(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestBreaker(t *testing.T, cfg Config, opts ...Option) (*Breaker, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore(context.Background())
	t.Cleanup(store.Close)
	ss := NewStateStore(store, discardLogger())
	return New("openai", cfg, ss, discardLogger(), opts...), store
}

func seedRecord(t *testing.T, store kv.Store, provider string, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := store.Set(context.Background(), kv.BreakerKey(provider), data, 0); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func failWith(code apierr.Code) func(context.Context) error {
	return func(context.Context) error {
		return apierr.New(code, "upstream failure")
	}
}

func succeed(context.Context) error { return nil }

func TestBreaker_InitialStateClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Config{})
	rec := b.State(context.Background())
	if rec.State != StateClosed {
		t.Errorf("expected CLOSED, got %s", rec.State)
	}
	if rec.FailureCount != 0 || rec.SuccessCount != 0 {
		t.Errorf("expected zeroed counters, got %+v", rec)
	}
	if rec.LastTransitionTime.IsZero() {
		t.Error("expected lastTransitionTime to be stamped on creation")
	}
}

func TestBreaker_ExecuteSuccessPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(t, Config{})
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("thunk was not invoked")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	sink := &captureSink{}
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3}, WithSink(sink))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := b.Execute(ctx, failWith(apierr.CodeGatewayError)); err == nil {
			t.Fatal("expected thunk error to propagate")
		}
		rec := b.State(ctx)
		if rec.State != StateClosed {
			t.Fatalf("failure %d: expected CLOSED, got %s", i, rec.State)
		}
		if rec.FailureCount != i {
			t.Fatalf("failure %d: expected failureCount=%d, got %d", i, i, rec.FailureCount)
		}
		if rec.LastFailureTime == nil {
			t.Fatalf("failure %d: expected lastFailureTime to be set", i)
		}
	}

	// Third failure trips the breaker; counters reset on transition.
	if err := b.Execute(ctx, failWith(apierr.CodeGatewayError)); err == nil {
		t.Fatal("expected thunk error to propagate")
	}
	rec := b.State(ctx)
	if rec.State != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", rec.State)
	}
	if rec.FailureCount != 0 || rec.SuccessCount != 0 {
		t.Errorf("expected counters reset on transition, got %+v", rec)
	}
	if time.Since(rec.LastTransitionTime) > time.Minute {
		t.Error("expected a fresh lastTransitionTime")
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Reason != ReasonFailureThreshold || ev.PreviousState != StateClosed || ev.NewState != StateOpen {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.FailureCount != 3 {
		t.Errorf("event should carry the tripping count, got %d", ev.FailureCount)
	}
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, store := newTestBreaker(t, Config{})
	seedRecord(t, store, "openai", Record{
		State:              StateOpen,
		LastTransitionTime: time.Now(),
	})

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !apierr.IsCode(err, apierr.CodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if called {
		t.Error("thunk must not run while the breaker is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, failWith(apierr.CodeGatewayError))
	_ = b.Execute(ctx, failWith(apierr.CodeGatewayError))
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := b.State(ctx)
	if rec.State != StateClosed || rec.FailureCount != 0 {
		t.Errorf("success should reset the failure count, got %+v", rec)
	}
}

func TestBreaker_RecoveryThroughHalfOpen(t *testing.T) {
	sink := &captureSink{}
	b, store := newTestBreaker(t, Config{SuccessThreshold: 2}, WithSink(sink))
	ctx := context.Background()

	// Open since well past the open timeout.
	seedRecord(t, store, "openai", Record{
		State:              StateOpen,
		LastTransitionTime: time.Now().Add(-DefaultOpenTimeout - time.Second),
	})

	// First call is admitted as a probe and succeeds.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe should be admitted and succeed: %v", err)
	}
	rec := b.State(ctx)
	if rec.State != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after probe, got %s", rec.State)
	}
	if rec.SuccessCount != 1 {
		t.Fatalf("expected successCount=1, got %d", rec.SuccessCount)
	}

	// Second success reaches the threshold and closes the breaker.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec = b.State(ctx)
	if rec.State != StateClosed {
		t.Fatalf("expected CLOSED after success threshold, got %s", rec.State)
	}

	var reasons []string
	for _, ev := range sink.all() {
		reasons = append(reasons, ev.Reason)
	}
	if len(reasons) != 2 || reasons[0] != ReasonTimeout || reasons[1] != ReasonSuccessThreshold {
		t.Errorf("unexpected event reasons: %v", reasons)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, store := newTestBreaker(t, Config{})
	ctx := context.Background()

	seedRecord(t, store, "openai", Record{
		State:              StateOpen,
		LastTransitionTime: time.Now().Add(-DefaultOpenTimeout - time.Second),
	})

	if err := b.Execute(ctx, failWith(apierr.CodeGatewayError)); err == nil {
		t.Fatal("expected thunk error to propagate")
	}
	rec := b.State(ctx)
	if rec.State != StateOpen {
		t.Fatalf("failed probe should reopen the breaker, got %s", rec.State)
	}
	if time.Since(rec.LastTransitionTime) > time.Minute {
		t.Error("reopening should refresh lastTransitionTime")
	}
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	b, store := newTestBreaker(t, Config{})
	ctx := context.Background()

	seedRecord(t, store, "openai", Record{
		State:              StateOpen,
		LastTransitionTime: time.Now().Add(-DefaultOpenTimeout - time.Second),
	})

	admitted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(admitted)
			<-release
			return nil
		})
	}()

	<-admitted
	// With halfOpenMaxCalls=1 the second call must be rejected while the
	// probe is still in flight.
	err := b.Execute(ctx, succeed)
	if !apierr.IsCode(err, apierr.CodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN while probe in flight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe should have succeeded: %v", err)
	}
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	sink := &captureSink{}
	b, store := newTestBreaker(t, Config{}, WithSink(sink))
	ctx := context.Background()

	seedRecord(t, store, "openai", Record{
		State:              StateOpen,
		FailureCount:       0,
		LastTransitionTime: time.Now(),
	})

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	rec := b.State(ctx)
	if rec.State != StateClosed || rec.FailureCount != 0 || rec.SuccessCount != 0 {
		t.Errorf("expected fresh CLOSED record after reset, got %+v", rec)
	}

	events := sink.all()
	if len(events) != 1 || events[0].Reason != ReasonManualReset {
		t.Fatalf("expected one manual_reset event, got %+v", events)
	}

	// Idempotent: resetting an already-closed breaker emits nothing new.
	if err := b.Reset(ctx); err != nil {
		t.Fatalf("second reset failed: %v", err)
	}
	if got := len(sink.all()); got != 1 {
		t.Errorf("reset of a closed breaker should not emit, got %d events", got)
	}
}

func TestBreaker_CancelledCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error {
		return apierr.Wrap(apierr.CodeCancelled, "provider call cancelled", ctx.Err())
	})
	if !apierr.IsCode(err, apierr.CodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}

	// Recording must survive the dead context.
	rec := b.State(context.Background())
	if rec.FailureCount != 1 {
		t.Errorf("cancelled call should count as a failure, got %+v", rec)
	}
}

func TestBreaker_CorruptStampProbesImmediately(t *testing.T) {
	b, store := newTestBreaker(t, Config{})
	ctx := context.Background()

	// Zero transition stamp reads as a transition at the epoch: the open
	// timeout has long elapsed and the next call probes.
	seedRecord(t, store, "openai", Record{State: StateOpen})

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected probe admission, got %v", err)
	}
	if got := b.State(ctx).State; got != StateHalfOpen {
		t.Errorf("expected HALF_OPEN, got %s", got)
	}
}

func TestBreaker_MetricsSnapshot(t *testing.T) {
	b, store := newTestBreaker(t, Config{})
	stamp := time.Now().Add(-time.Minute).Truncate(time.Second)
	seedRecord(t, store, "openai", Record{
		State:              StateClosed,
		FailureCount:       2,
		LastTransitionTime: stamp,
	})

	m := b.Metrics(context.Background())
	if m.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", m.Provider)
	}
	if m.State != StateClosed || m.FailureCount != 2 {
		t.Errorf("unexpected snapshot: %+v", m)
	}
	if !m.LastTransitionTime.Equal(stamp) {
		t.Errorf("expected stamp %v, got %v", stamp, m.LastTransitionTime)
	}
}

func TestBreaker_ThunkErrorPropagatesUnchanged(t *testing.T) {
	b, _ := newTestBreaker(t, Config{})
	want := errors.New("upstream exploded")
	err := b.Execute(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected thunk error unchanged, got %v", err)
	}
}
