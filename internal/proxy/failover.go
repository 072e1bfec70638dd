package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// ChatCaller is the single-attempt upstream port the orchestrator drives.
// *providers.Adapter implements it; tests substitute closures.
type ChatCaller interface {
	CreateChatCompletion(ctx context.Context, id providers.ID, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// CallerFunc adapts a function to the ChatCaller interface.
type CallerFunc func(ctx context.Context, id providers.ID, req *providers.ChatRequest) (*providers.ChatResponse, error)

func (f CallerFunc) CreateChatCompletion(ctx context.Context, id providers.ID, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	return f(ctx, id, req)
}

// Orchestrator walks the configured provider chain, invoking each candidate
// through its circuit breaker until one succeeds or the chain is exhausted.
//
// Providers whose breaker reads OPEN are skipped and do not count as
// attempted — unless every provider in the chain is OPEN, in which case all
// of them are attempted so recovery probes still happen after a fleet-wide
// outage instead of fast-failing forever.
type Orchestrator struct {
	caller    ChatCaller
	order     []providers.ID
	breakers  map[providers.ID]*breaker.Breaker
	overrides map[providers.ID]string
	collector *metrics.Collector
	log       *slog.Logger
}

// OrchestratorOptions holds the optional pieces of an Orchestrator.
type OrchestratorOptions struct {
	// Order is the fallback chain, primary first. Defaults to
	// providers.All().
	Order []providers.ID

	// ModelOverrides maps a provider to the model submitted on its
	// attempts. The override is applied to a copy; the caller's request is
	// never mutated.
	ModelOverrides map[providers.ID]string

	// Collector receives per-attempt outcome events. Optional.
	Collector *metrics.Collector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator driving caller through the given
// per-provider breakers. Every provider in the chain must have a breaker;
// requests reaching a provider without one fail with PROVIDER_NOT_CONFIGURED.
func NewOrchestrator(caller ChatCaller, breakers map[providers.ID]*breaker.Breaker, opts OrchestratorOptions) *Orchestrator {
	order := opts.Order
	if len(order) == 0 {
		order = providers.All()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		caller:    caller,
		order:     append([]providers.ID(nil), order...),
		breakers:  breakers,
		overrides: opts.ModelOverrides,
		collector: opts.Collector,
		log:       log,
	}
}

// Primary returns the first provider in the chain.
func (o *Orchestrator) Primary() providers.ID {
	if len(o.order) == 0 {
		return ""
	}
	return o.order[0]
}

// CreateChatCompletion drives req through the fallback chain and returns the
// first successful response along with the provider that served it.
//
// Error outcomes, in order of precedence:
//
//	caller cancellation        → CANCELLED (the in-flight attempt still
//	                             counts as a breaker and metric failure)
//	non-retriable attempt code → surfaced unchanged (operator error)
//	chain exhausted            → ALL_PROVIDERS_FAILED listing the attempted
//	                             providers in order
func (o *Orchestrator) CreateChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, providers.ID, error) {
	allOpen := o.allOpen(ctx)

	var (
		attempted  []string
		lastFailed providers.ID
		havePrev   bool
	)

	for _, id := range o.order {
		if err := ctx.Err(); err != nil {
			return nil, "", apierr.Wrap(apierr.CodeCancelled, "chat completion cancelled", err)
		}

		br, ok := o.breakers[id]
		if !ok {
			return nil, "", apierr.Newf(apierr.CodeProviderNotConfigured,
				"provider %q is in the fallback order but has no configuration", id)
		}

		if !allOpen && br.State(ctx).State == breaker.StateOpen {
			o.log.WarnContext(ctx, "provider_skipped",
				slog.String("provider", string(id)),
				slog.String("state", string(breaker.StateOpen)),
			)
			continue
		}

		// The previous attempt failed and a further one is starting: that
		// is the moment the failure becomes a failover.
		if havePrev {
			if o.collector != nil {
				o.collector.RecordFailover(string(lastFailed))
			}
			havePrev = false
		}

		attempted = append(attempted, string(id))
		if o.collector != nil {
			o.collector.RecordRequest(string(id))
		}

		attempt := req
		if model := o.overrides[id]; model != "" {
			attempt = req.Clone()
			attempt.Model = model
		}

		var resp *providers.ChatResponse
		start := time.Now()
		err := br.Execute(ctx, func(ctx context.Context) error {
			r, callErr := o.caller.CreateChatCompletion(ctx, id, attempt)
			if callErr != nil {
				return callErr
			}
			resp = r
			return nil
		})
		latency := time.Since(start).Milliseconds()

		if err == nil {
			if o.collector != nil {
				o.collector.RecordSuccess(string(id), latency, resp.Usage.Tokens())
			}
			if id != o.order[0] {
				o.log.InfoContext(ctx, "failover_success",
					slog.String("from", string(o.order[0])),
					slog.String("to", string(id)),
					slog.Int64("latency_ms", latency),
				)
			}
			return resp, id, nil
		}

		code := apierr.CodeOf(err)
		if code == "" {
			// Untyped errors only arrive from substituted callers; treat
			// them like a transport failure so the chain still advances.
			code = apierr.CodeGatewayClientError
		}

		if o.collector != nil {
			o.collector.RecordFailure(string(id), latency, code, err.Error())
		}
		o.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", string(id)),
			slog.String("code", string(code)),
			slog.Int64("latency_ms", latency),
			slog.String("error", err.Error()),
		)

		lastFailed = id
		havePrev = true

		if code == apierr.CodeCancelled {
			// The caller is gone; there is nobody to fall over for.
			return nil, "", err
		}
		if !apierr.Retriable(code) {
			return nil, "", err
		}
	}

	list := strings.Join(attempted, ", ")
	if list == "" {
		list = "none"
	}
	o.log.ErrorContext(ctx, "fallback_exhausted",
		slog.String("attempted", list),
	)
	return nil, "", apierr.Newf(apierr.CodeAllProvidersFailed,
		"all providers failed (attempted: %s)", list)
}

// allOpen reports whether every provider in the chain currently reads OPEN.
func (o *Orchestrator) allOpen(ctx context.Context) bool {
	for _, id := range o.order {
		br, ok := o.breakers[id]
		if !ok {
			continue
		}
		if br.State(ctx).State != breaker.StateOpen {
			return false
		}
	}
	return true
}
