package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
)

// ProviderMetrics is the persisted per-provider aggregate, stored at
// metrics:<provider>:current with a 7-day TTL.
//
// Totals, min and max are lifetime values; LatencyAvg is a request-weighted
// running mean. The percentiles cover the most recent flush batch only, a
// documented approximation that avoids retaining per-request latencies.
type ProviderMetrics struct {
	Provider        string        `json:"provider"`
	RequestsTotal   int64         `json:"requestsTotal"`
	RequestsSuccess int64         `json:"requestsSuccess"`
	RequestsFailure int64         `json:"requestsFailure"`
	SuccessRate     float64       `json:"successRate"`
	ErrorRate       float64       `json:"errorRate"`
	LatencyAvg      float64       `json:"latencyAvg"`
	LatencyMin      float64       `json:"latencyMin"`
	LatencyMax      float64       `json:"latencyMax"`
	LatencyP50      float64       `json:"latencyP50"`
	LatencyP95      float64       `json:"latencyP95"`
	LatencyP99      float64       `json:"latencyP99"`
	TokensTotal     int64         `json:"tokensTotal"`
	FailoverCount   int64         `json:"failoverCount"`
	CircuitState    breaker.State `json:"circuitState"`
	CircuitFailures int           `json:"circuitFailures"`
	UptimePercent   float64       `json:"uptimePercentage"`
	UpdatedAt       time.Time     `json:"updatedAt"`

	// CircuitUpdatedAt stamps the last applied breaker event. Transitions
	// can reach the collector out of order relative to each other; older
	// events must not roll the circuit view backwards.
	CircuitUpdatedAt time.Time `json:"circuitUpdatedAt"`
}

// Zeroed returns the aggregate shape for a known provider with no recorded
// traffic. The observability surface serves it where a nil read would
// otherwise leak into the JSON payload.
func Zeroed(provider string) *ProviderMetrics { return newProviderMetrics(provider) }

// newProviderMetrics returns the zeroed aggregate written on first sight of
// a provider. SuccessRate 1.0 and uptime 100 make "seen, zero traffic"
// distinguishable from a provider that is failing, and a nil read
// distinguishable from both.
func newProviderMetrics(provider string) *ProviderMetrics {
	return &ProviderMetrics{
		Provider:      provider,
		SuccessRate:   1.0,
		CircuitState:  breaker.StateClosed,
		UptimePercent: 100,
		UpdatedAt:     time.Now(),
	}
}

// merge folds one flush batch into the aggregate. Percentiles are replaced
// by the batch percentiles; everything else accumulates. RequestsTotal == 0
// stands in for the "no latency sample yet" sentinel so the record stays
// JSON-encodable.
func (m *ProviderMetrics) merge(batch []requestEvent) {
	var (
		latencies []float64
		sum       float64
		successes int64
		failures  int64
		tokens    int64
		failovers int64
	)
	for _, ev := range batch {
		switch ev.kind {
		case kindSuccess:
			successes++
			latencies = append(latencies, ev.latency)
			sum += ev.latency
			tokens += int64(ev.tokens)
		case kindFailure:
			failures++
			latencies = append(latencies, ev.latency)
			sum += ev.latency
		case kindFailover:
			failovers++
		}
	}

	if n := int64(len(latencies)); n > 0 {
		prevTotal := m.RequestsTotal
		m.RequestsTotal += n
		m.RequestsSuccess += successes
		m.RequestsFailure += failures
		m.TokensTotal += tokens

		m.LatencyAvg = (m.LatencyAvg*float64(prevTotal) + sum) / float64(m.RequestsTotal)

		sort.Float64s(latencies)
		if lo := latencies[0]; prevTotal == 0 || lo < m.LatencyMin {
			m.LatencyMin = lo
		}
		if hi := latencies[len(latencies)-1]; hi > m.LatencyMax {
			m.LatencyMax = hi
		}
		m.LatencyP50 = percentile(latencies, 0.50)
		m.LatencyP95 = percentile(latencies, 0.95)
		m.LatencyP99 = percentile(latencies, 0.99)
	}
	m.FailoverCount += failovers

	if m.RequestsTotal > 0 {
		m.SuccessRate = float64(m.RequestsSuccess) / float64(m.RequestsTotal)
	} else {
		m.SuccessRate = 1.0
	}
	m.ErrorRate = 1 - m.SuccessRate
	m.UptimePercent = math.Min(100, float64(m.RequestsSuccess)/math.Max(1, float64(m.RequestsTotal))*100)
	m.UpdatedAt = time.Now()
}

// applyCircuitEvent folds one breaker transition into the aggregate. Events
// older than the last applied one are dropped.
func (m *ProviderMetrics) applyCircuitEvent(ev breaker.Event) {
	if ev.Timestamp.Before(m.CircuitUpdatedAt) {
		return
	}
	m.CircuitState = ev.NewState
	m.CircuitFailures = ev.FailureCount
	m.CircuitUpdatedAt = ev.Timestamp
}

// percentile returns the nearest-rank percentile of an ascending-sorted
// batch. The rank truncates rather than rounding up, so a batch of
// {100, 200, ..., 1000} reads p50=500 and p95=900.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx > 0 {
		idx--
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary is the cross-provider rollup returned by GetAggregatedMetrics.
// LatencyAvg is weighted by each provider's request count.
type Summary struct {
	RequestsTotal   int64                       `json:"requestsTotal"`
	RequestsSuccess int64                       `json:"requestsSuccess"`
	RequestsFailure int64                       `json:"requestsFailure"`
	SuccessRate     float64                     `json:"successRate"`
	ErrorRate       float64                     `json:"errorRate"`
	LatencyAvg      float64                     `json:"latencyAvg"`
	TokensTotal     int64                       `json:"tokensTotal"`
	FailoverCount   int64                       `json:"failoverCount"`
	Providers       map[string]*ProviderMetrics `json:"providers"`
	GeneratedAt     time.Time                   `json:"generatedAt"`
}

func summarize(per map[string]*ProviderMetrics) *Summary {
	s := &Summary{
		SuccessRate: 1.0,
		Providers:   per,
		GeneratedAt: time.Now(),
	}
	var weighted float64
	for _, m := range per {
		s.RequestsTotal += m.RequestsTotal
		s.RequestsSuccess += m.RequestsSuccess
		s.RequestsFailure += m.RequestsFailure
		s.TokensTotal += m.TokensTotal
		s.FailoverCount += m.FailoverCount
		weighted += m.LatencyAvg * float64(m.RequestsTotal)
	}
	if s.RequestsTotal > 0 {
		s.SuccessRate = float64(s.RequestsSuccess) / float64(s.RequestsTotal)
		s.LatencyAvg = weighted / float64(s.RequestsTotal)
	}
	s.ErrorRate = 1 - s.SuccessRate
	return s
}
