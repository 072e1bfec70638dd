package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const defaultAnalyticsHours = 24

// Handler builds the routed request handler with the full middleware chain.
// Observability routes are registered only when their backing service is
// wired.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	chat := g.handleChatCompletions
	if g.rpm != nil {
		chat = g.rateLimited(chat)
	}
	r.POST("/v1/chat/completions", chat)

	if g.collector != nil {
		r.GET("/metrics", g.handleMetrics)
	}
	if g.analytics != nil {
		r.GET("/analytics", g.handleAnalytics)
		r.GET("/health", g.handleHealth)
	}
	if g.registry != nil {
		r.GET("/metrics/prometheus", g.registry.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing(g.registry),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves HTTP on addr (e.g. ":8080") until Shutdown or a listener
// error.
func (g *Gateway) Start(addr string) error {
	g.log.Info("gateway_listening", slog.String("addr", addr))
	return g.srv.ListenAndServe(addr)
}

// Shutdown stops the server, draining in-flight requests.
func (g *Gateway) Shutdown() error {
	return g.srv.Shutdown()
}

// handleMetrics serves GET /metrics: the cross-provider summary, or a single
// provider aggregate when ?provider= is present.
func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	provider := string(ctx.QueryArgs().Peek("provider"))
	if provider == "" {
		summary, err := g.collector.GetAggregatedMetrics(ctx)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"failed to read metrics", apierr.TypeServerError, "internal_error")
			return
		}
		writeJSON(ctx, summary)
		return
	}

	if !providers.ID(provider).Valid() {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("unknown provider %q", provider),
			apierr.TypeInvalidRequest, "unknown_provider")
		return
	}

	pm, err := g.collector.GetProviderMetrics(ctx, provider)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read metrics", apierr.TypeServerError, "internal_error")
		return
	}
	if pm == nil {
		// Known provider, no traffic yet.
		pm = metrics.Zeroed(provider)
	}
	writeJSON(ctx, pm)
}

// handleAnalytics serves GET /analytics with optional ?hours= and ?provider=
// filters.
func (g *Gateway) handleAnalytics(ctx *fasthttp.RequestCtx) {
	hours := defaultAnalyticsHours
	if raw := string(ctx.QueryArgs().Peek("hours")); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h < analytics.MinHours || h > analytics.MaxHours {
			apierr.WriteInvalidRequest(ctx, fmt.Sprintf(
				"'hours' must be an integer between %d and %d",
				analytics.MinHours, analytics.MaxHours))
			return
		}
		hours = h
	}

	provider := string(ctx.QueryArgs().Peek("provider"))
	if provider != "" && !providers.ID(provider).Valid() {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("unknown provider %q", provider),
			apierr.TypeInvalidRequest, "unknown_provider")
		return
	}

	res, err := g.analytics.GetAnalytics(ctx, hours, provider)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to compute analytics", apierr.TypeServerError, "internal_error")
		return
	}
	writeJSON(ctx, res)
}

// handleHealth serves GET /health. Only an unhealthy verdict changes the
// status code; a degraded gateway still answers 200 so orchestrators do not
// restart a process that is limping but serving.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	hs, err := g.analytics.GetHealthStatus(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to compute health", apierr.TypeServerError, "internal_error")
		return
	}
	if hs.Status == analytics.StatusUnhealthy {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, hs)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
