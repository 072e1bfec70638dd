// Package proxy is the gateway's HTTP front end and provider fallback
// orchestrator.
//
// The Orchestrator drives the ordered provider chain through per-provider
// circuit breakers; the Gateway embeds it behind the inbound completion
// endpoint and the read-only observability surface. Handlers keep heavy work
// off the hot path: metrics recording is buffered, request logging goes
// through a non-blocking channel, and KV persistence happens on flush.
//
// Key design constraints:
//   - All dependencies are injected and nil-safe; a Gateway with only an
//     Orchestrator still serves completions.
//   - All I/O takes a context.Context so cancellation propagates into the
//     provider chain.
//   - Callers see exactly one of: a canonical response, an error-taxonomy
//     envelope, or a rate-limit rejection.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// GatewayOptions holds the optional dependencies of the HTTP surface.
type GatewayOptions struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Collector backs GET /metrics. The route is not registered when nil.
	Collector *metrics.Collector

	// Analytics backs GET /analytics and GET /health. The routes are not
	// registered when nil.
	Analytics *analytics.Service

	// Registry backs GET /metrics/prometheus and the HTTP-level
	// instruments. The route is not registered when nil.
	Registry *metrics.Registry

	// RPMLimiter guards the completion endpoint. Nil disables limiting.
	RPMLimiter *ratelimit.RPMLimiter

	// ReqLogger is the async request logger. Nil disables request logging.
	ReqLogger *logger.Logger

	// CORSOrigins is the allowed-origin list. Empty or ["*"] means open.
	CORSOrigins []string

	// RequestTimeout bounds one whole orchestration, all fallback attempts
	// included. Zero leaves the chain unbounded; each upstream attempt
	// still carries the adapter's own per-call timeout.
	RequestTimeout time.Duration
}

// Gateway is the HTTP surface over the orchestrator. Construct with
// NewGateway, serve with Start, stop with Shutdown.
type Gateway struct {
	orch      *Orchestrator
	collector *metrics.Collector
	analytics *analytics.Service
	registry  *metrics.Registry
	rpm       *ratelimit.RPMLimiter
	reqLogger *logger.Logger
	log       *slog.Logger

	corsOrigins    []string
	requestTimeout time.Duration

	srv *fasthttp.Server
}

// NewGateway creates a Gateway serving the given orchestrator.
func NewGateway(orch *Orchestrator, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		orch:           orch,
		collector:      opts.Collector,
		analytics:      opts.Analytics,
		registry:       opts.Registry,
		rpm:            opts.RPMLimiter,
		reqLogger:      opts.ReqLogger,
		log:            log,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: opts.RequestTimeout,
	}
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return g
}

// handleChatCompletions serves POST /v1/chat/completions: decode, validate,
// orchestrate, render.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDFrom(ctx)

	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if msg := validateChatRequest(&req); msg != "" {
		apierr.WriteInvalidRequest(ctx, msg)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
	)

	callCtx := context.Context(ctx)
	if g.requestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, g.requestTimeout)
		defer cancel()
	}

	resp, served, err := g.orch.CreateChatCompletion(callCtx, &req)
	elapsed := time.Since(start)
	if err != nil {
		code := apierr.CodeOf(err)
		g.log.ErrorContext(ctx, "completion_failed",
			slog.String("request_id", reqID),
			slog.String("code", string(code)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		apierr.WriteError(ctx, err)
		g.logRequest(reqID, g.orch.Primary(), req.Model, providers.Usage{},
			elapsed, ctx.Response.StatusCode(), false, string(code))
		return
	}

	body, merr := json.Marshal(resp)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, "internal_error")
		return
	}

	failedOver := served != g.orch.Primary()
	g.logRequest(reqID, served, resp.Model, resp.Usage,
		elapsed, fasthttp.StatusOK, failedOver, "")

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", string(served)),
		slog.String("model", resp.Model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", elapsed),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// validateChatRequest returns a client-facing message for the first
// validation failure, or "" when the request is acceptable. The model may be
// empty; per-provider defaults cover it downstream.
func validateChatRequest(req *providers.ChatRequest) string {
	if len(req.Messages) == 0 {
		return "'messages' must not be empty"
	}
	for i, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant:
		default:
			return fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return "'temperature' must be between 0 and 2"
	}
	return ""
}

// rateLimited wraps next with the per-client RPM check. Limiter errors admit
// the request; shedding load must not become the outage.
func (g *Gateway) rateLimited(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		allowed, err := g.rpm.Allow(ctx, clientKey(ctx))
		if err == nil && !allowed {
			if g.registry != nil {
				g.registry.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", requestIDFrom(ctx)),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.registry != nil {
			if err != nil {
				g.registry.RecordRateLimit("error")
			} else {
				g.registry.RecordRateLimit("allowed")
			}
		}
		next(ctx)
	}
}

// clientKey identifies the caller for rate limiting: the SHA-256 of the
// bearer token when one is present, the remote IP otherwise. Hashing keeps
// credentials out of Redis keys.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))); token != "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	return ctx.RemoteIP().String()
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID string,
	provider providers.ID,
	model string,
	usage providers.Usage,
	latency time.Duration,
	status int,
	failedOver bool,
	errorCode string,
) {
	if g.reqLogger == nil {
		return
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           id,
		Provider:     string(provider),
		Model:        model,
		InputTokens:  uint32(usage.PromptTokens),
		OutputTokens: uint32(usage.CompletionTokens),
		LatencyMs:    uint32(latency.Milliseconds()),
		Status:       uint16(status),
		FailedOver:   failedOver,
		ErrorCode:    errorCode,
		CreatedAt:    time.Now(),
	})
}
