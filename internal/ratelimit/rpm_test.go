package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	allowed, err := limiter.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_ClientsAreIsolated(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 2
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, "client-a"); !allowed {
			t.Fatalf("client-a blocked at iteration %d", i)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "client-a"); allowed {
		t.Fatal("client-a should be over its limit")
	}

	// A different client has its own untouched window.
	allowed, err := limiter.Allow(ctx, "client-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("client-b must not be affected by client-a's traffic")
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}

func TestRPMLimiter_NilAndDisabled(t *testing.T) {
	ctx := context.Background()

	var nilLimiter *ratelimit.RPMLimiter
	if allowed, err := nilLimiter.Allow(ctx, "client-a"); err != nil || !allowed {
		t.Errorf("nil limiter: allowed=%v err=%v, want true/nil", allowed, err)
	}

	rdb, cleanup := newTestRedis(t)
	defer cleanup()
	disabled := ratelimit.NewRPMLimiter(rdb, 0)
	for i := 0; i < 20; i++ {
		if allowed, err := disabled.Allow(ctx, "client-a"); err != nil || !allowed {
			t.Fatalf("disabled limiter blocked at iteration %d: allowed=%v err=%v", i, allowed, err)
		}
	}
}
