package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/kv"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when KV_MODE=redis; ClickHouse only when a DSN is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.KV.Mode == config.KVModeRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.KV.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.KV.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseDSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))

		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initStorage selects the KV backend for circuit breaker records and metrics
// aggregates.
func (a *App) initStorage(ctx context.Context) error {
	switch a.cfg.KV.Mode {
	case config.KVModeRedis:
		// Wraps the already-connected client; the App owns its lifecycle.
		a.store = kv.NewRedisStoreFromClient(a.rdb)
		a.log.Info("kv backend: redis")

	case config.KVModeMemory:
		a.memStore = kv.NewMemoryStore(ctx)
		a.store = a.memStore
		a.log.Info("kv backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown kv mode: %s", a.cfg.KV.Mode)
	}

	return nil
}

// initMetrics creates the Prometheus registry, the buffered collector, and
// the analytics service reading from it.
func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.NewRegistry()
	a.prom.SetBuildInfo(a.version)

	a.collector = metrics.NewCollector(a.store, a.log, metrics.WithPrometheus(a.prom))
	a.analytics = analytics.New(a.collector, a.log)

	return nil
}

// initProviders builds the unified gateway adapter. At least one provider
// key is present — config validation enforces it before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.adapter = providers.New(a.cfg.ProviderSettings(), providers.WithTimeout(a.cfg.Providers.Timeout))

	a.log.Info("providers configured",
		slog.Any("providers", a.cfg.ConfiguredProviders()),
		slog.String("gateway_host", a.cfg.Gateway.Host),
	)

	return nil
}

// initBreakers creates one circuit breaker per provider in the fallback
// order, all sharing a KV-backed state store. The primary runs with the
// operator-tuned thresholds; fallbacks keep the defaults.
func (a *App) initBreakers(_ context.Context) error {
	states := breaker.NewStateStore(a.store, a.log)

	a.breakers = make(map[providers.ID]*breaker.Breaker, len(a.cfg.FallbackOrder))
	for i, id := range a.cfg.FallbackOrder {
		cfg := breaker.Config{}
		if i == 0 {
			cfg = a.cfg.Breaker
		}
		a.breakers[id] = breaker.New(string(id), cfg, states, a.log, breaker.WithSink(a.collector))
	}

	return nil
}

// initGateway wires the orchestrator and the HTTP surface together with the
// optional request logger and rate limiter.
func (a *App) initGateway(_ context.Context) error {
	// ── Request logger ───────────────────────────────────────────────────────
	var lopts []logger.Option
	if a.chSink != nil {
		lopts = append(lopts, logger.WithSink(a.chSink))
	}
	reqLogger, err := logger.New(a.baseCtx, a.log, lopts...)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	// ── Rate limiting — needs Redis ──────────────────────────────────────────
	var rpm *ratelimit.RPMLimiter
	switch {
	case a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0:
		rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	case a.cfg.RateLimit.RPMLimit > 0:
		a.log.Warn("rate limiting disabled: RPM_LIMIT is set but KV_MODE is not redis")
	}

	// ── Orchestrator + HTTP surface ──────────────────────────────────────────
	a.orch = proxy.NewOrchestrator(a.adapter, a.breakers, proxy.OrchestratorOptions{
		Order:          a.cfg.FallbackOrder,
		ModelOverrides: a.cfg.ModelOverrides(),
		Collector:      a.collector,
		Logger:         a.log,
	})

	a.gw = proxy.NewGateway(a.orch, proxy.GatewayOptions{
		Logger:         a.log,
		Collector:      a.collector,
		Analytics:      a.analytics,
		Registry:       a.prom,
		RPMLimiter:     rpm,
		ReqLogger:      a.reqLogger,
		CORSOrigins:    a.cfg.CORSOrigins,
		RequestTimeout: a.cfg.RequestTimeout,
	})

	return nil
}
