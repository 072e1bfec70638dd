// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse) when configured
//  2. initStorage   — KV store backing circuit breaker state and metrics
//  3. initMetrics   — Prometheus registry, metrics collector, analytics
//  4. initProviders — the unified gateway adapter
//  5. initBreakers  — one circuit breaker per provider in the fallback order
//  6. initGateway   — request logger, rate limiter, orchestrator, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/kv"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	store    kv.Store
	memStore *kv.MemoryStore

	prom      *metrics.Registry
	collector *metrics.Collector
	analytics *analytics.Service

	reqLogger *logger.Logger

	adapter  *providers.Adapter
	breakers map[providers.ID]*breaker.Breaker
	orch     *proxy.Orchestrator
	gw       *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"storage", a.initStorage},
		{"metrics", a.initMetrics},
		{"providers", a.initProviders},
		{"breakers", a.initBreakers},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the analytics sampler, then blocks until
// ctx is cancelled or an error occurs. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Addr()

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("kv_mode", a.cfg.KV.Mode),
		slog.Any("fallback_order", a.cfg.FallbackOrder),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		return a.analytics.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
//
// The metrics collector closes after the gateway stops accepting requests so
// its final flush captures every recorded attempt; the KV backend closes
// last because that flush writes through to it.
func (a *App) Close() {
	if a.gw != nil {
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		a.gw = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.collector != nil {
		if err := a.collector.Close(); err != nil {
			a.log.Error("collector close error", slog.String("error", err.Error()))
		}
		a.collector = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
