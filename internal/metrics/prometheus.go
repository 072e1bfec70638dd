package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
)

// Registry holds the Prometheus instruments exported at /metrics/prometheus.
//
// Everything is scoped to a private registry (not the global default) so the
// gateway doesn't interfere with host-level metrics when embedded in other
// applications. Instruments are driven synchronously at record time; the KV
// aggregates in collector.go are a separate, flush-based view.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_provider_attempts_total{provider}
	attemptsTotal *prometheus.CounterVec

	// gateway_requests_total{provider,outcome}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider,outcome}
	requestDuration *prometheus.HistogramVec

	// gateway_tokens_total{provider}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_errors_total{provider,code}
	providerErrors *prometheus.CounterVec

	// gateway_failover_total{provider}
	failoverTotal *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes failover)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Completed upstream attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Total provider errors by taxonomy code",
			},
			[]string{"provider", "code"},
		),

		failoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_total",
				Help: "Failed attempts the chain advanced past",
			},
			[]string{"provider"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.attemptsTotal,
		r.requestsTotal,
		r.requestDuration,
		r.tokensTotal,
		r.providerErrors,
		r.failoverTotal,
		r.circuitState,
		r.cbTransitions,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAttempt counts one provider attempt entering the chain.
func (r *Registry) RecordAttempt(provider string) {
	r.attemptsTotal.WithLabelValues(provider).Inc()
}

// RecordOutcome counts one completed attempt and observes its latency.
// outcome is "success" or "failure".
func (r *Registry) RecordOutcome(provider, outcome string, latencyMs int64) {
	r.requestsTotal.WithLabelValues(provider, outcome).Inc()
	r.requestDuration.WithLabelValues(provider, outcome).Observe(float64(latencyMs) / 1000)
}

func (r *Registry) AddTokens(provider string, tokens int) {
	if tokens > 0 {
		r.tokensTotal.WithLabelValues(provider).Add(float64(tokens))
	}
}

func (r *Registry) RecordError(provider, code string) {
	r.providerErrors.WithLabelValues(provider, code).Inc()
}

func (r *Registry) RecordFailover(provider string) {
	r.failoverTotal.WithLabelValues(provider).Inc()
}

// SetCircuitState moves the state gauge and counts the transition. Callers
// invoke it per transition event, so no dedupe is needed.
func (r *Registry) SetCircuitState(provider string, state breaker.State) {
	r.circuitState.WithLabelValues(provider).Set(stateGauge(state))
	r.cbTransitions.WithLabelValues(provider, strings.ToLower(string(state))).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func stateGauge(state breaker.State) float64 {
	switch state {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	}
	return 0
}
