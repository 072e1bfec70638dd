package analytics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

// Health classifications, per provider and system-wide.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProviderHealth is one provider's classification with the figures it was
// derived from.
type ProviderHealth struct {
	Provider     string        `json:"provider"`
	Status       string        `json:"status"`
	SuccessRate  float64       `json:"successRate"`
	CircuitState breaker.State `json:"circuitState"`
	LatencyAvg   float64       `json:"latencyAvg"`
}

// HealthStatus is the system-wide health payload.
type HealthStatus struct {
	Status          string                    `json:"status"`
	Providers       map[string]ProviderHealth `json:"providers"`
	Message         string                    `json:"message"`
	Recommendations []string                  `json:"recommendations"`
	CheckedAt       time.Time                 `json:"checkedAt"`
}

// GetHealthStatus classifies every provider and rolls the worst case up into
// the system status. The classification runs an anomaly scan first: a
// provider with an active high or critical anomaly cannot be healthy.
func (s *Service) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	summary, err := s.collector.GetAggregatedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	s.mu.Lock()
	s.sampleLocked(summary, now)
	found := s.detectLocked(summary, now)
	s.mu.Unlock()

	flagged := make(map[string]bool)
	for _, a := range found {
		if a.Provider != "" && (a.Severity == SeverityHigh || a.Severity == SeverityCritical) {
			flagged[a.Provider] = true
		}
	}

	per := make(map[string]ProviderHealth, len(summary.Providers))
	var degraded, unhealthy int
	for name, m := range summary.Providers {
		status := classifyProvider(m, flagged[name])
		switch status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			unhealthy++
		}
		per[name] = ProviderHealth{
			Provider:     name,
			Status:       status,
			SuccessRate:  m.SuccessRate,
			CircuitState: m.CircuitState,
			LatencyAvg:   m.LatencyAvg,
		}
	}

	overall := StatusHealthy
	message := "all providers healthy"
	switch {
	case unhealthy > 0:
		overall = StatusUnhealthy
		message = fmt.Sprintf("%d of %d providers unhealthy", unhealthy, len(per))
	case degraded > 0:
		overall = StatusDegraded
		message = fmt.Sprintf("%d of %d providers degraded", degraded, len(per))
	case len(per) == 0:
		message = "no provider traffic recorded yet"
	}

	return &HealthStatus{
		Status:          overall,
		Providers:       per,
		Message:         message,
		Recommendations: recommendations(per),
		CheckedAt:       now,
	}, nil
}

func classifyProvider(m *metrics.ProviderMetrics, flagged bool) string {
	switch {
	case m.SuccessRate < 0.80 || m.CircuitState == breaker.StateOpen:
		return StatusUnhealthy
	case m.SuccessRate >= 0.95 && m.CircuitState == breaker.StateClosed && !flagged:
		return StatusHealthy
	}
	return StatusDegraded
}

// recommendations derives operator hints from the per-provider
// classifications. At least one hint is always present.
func recommendations(per map[string]ProviderHealth) []string {
	var recs []string
	names := make([]string, 0, len(per))
	for name := range per {
		names = append(names, name)
	}
	// Deterministic order keeps the payload stable across calls.
	slices.Sort(names)
	for _, name := range names {
		h := per[name]
		switch {
		case h.CircuitState == breaker.StateOpen:
			recs = append(recs, fmt.Sprintf("Circuit breaker for %s is open; traffic is failing over until it recovers", name))
		case h.Status == StatusUnhealthy:
			recs = append(recs, fmt.Sprintf("Investigate %s: success rate %.1f%% is below 80%%", name, h.SuccessRate*100))
		case h.Status == StatusDegraded:
			recs = append(recs, fmt.Sprintf("Monitor %s: success rate %.1f%% or latency is elevated", name, h.SuccessRate*100))
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "All systems operating normally")
	}
	return recs
}
