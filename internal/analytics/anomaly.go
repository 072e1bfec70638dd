package analytics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

// Anomaly types.
const (
	AnomalySuccessRateDrop  = "success_rate_drop"
	AnomalyLatencySpike     = "latency_spike"
	AnomalyFailoverIncrease = "failover_increase"
	AnomalyCircuitOpen      = "circuit_open"
)

// Anomaly severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	// recentWindow is the span of points treated as "current" in a scan;
	// older retained points form the baseline.
	recentWindow = 5 * time.Minute

	// minBaselinePoints is the fewest baseline points needed before rate
	// and latency comparisons mean anything.
	minBaselinePoints = 3
)

// Anomaly is one detected deviation from baseline behavior.
type Anomaly struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Provider    string    `json:"provider,omitempty"`
	Expected    float64   `json:"expectedValue"`
	Actual      float64   `json:"actualValue"`
	Description string    `json:"description"`
}

// DetectAnomalies scans the current state against the retained baseline and
// returns what it finds. Findings are also appended to a bounded ring of
// the most recent 100, which GetAnalytics reports from.
func (s *Service) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	summary, err := s.collector.GetAggregatedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleLocked(summary, now)
	return s.detectLocked(summary, now), nil
}

func (s *Service) detectLocked(summary *metrics.Summary, now time.Time) []Anomaly {
	var found []Anomaly

	// Open circuits come from the live summary, not the ring; a breaker
	// that opened and stayed open between samples must still surface.
	for _, name := range sortedProviders(summary) {
		if summary.Providers[name].CircuitState == breaker.StateOpen {
			found = append(found, Anomaly{
				Timestamp:   now,
				Type:        AnomalyCircuitOpen,
				Severity:    SeverityCritical,
				Provider:    name,
				Expected:    0,
				Actual:      1,
				Description: fmt.Sprintf("circuit breaker for %s is open", name),
			})
		}
	}

	recent, baseline := s.splitWindowLocked(now)
	if len(recent) == 0 || len(baseline) < minBaselinePoints {
		s.pushLocked(found)
		return found
	}

	curRate, baseRate := avgRate(recent), avgRate(baseline)
	if baseRate > 0 && curRate < baseRate*0.90 {
		sev := SeverityMedium
		if curRate < 0.5 {
			sev = SeverityHigh
		}
		found = append(found, Anomaly{
			Timestamp:   now,
			Type:        AnomalySuccessRateDrop,
			Severity:    sev,
			Expected:    baseRate,
			Actual:      curRate,
			Description: fmt.Sprintf("success rate %.1f%% is below the %.1f%% baseline", curRate*100, baseRate*100),
		})
	}

	curLat, baseLat := avgLatency(recent), avgLatency(baseline)
	if baseLat > 0 && curLat > baseLat*1.5 {
		sev := SeverityMedium
		if curLat > baseLat*3 {
			sev = SeverityHigh
		}
		found = append(found, Anomaly{
			Timestamp:   now,
			Type:        AnomalyLatencySpike,
			Severity:    sev,
			Expected:    baseLat,
			Actual:      curLat,
			Description: fmt.Sprintf("average latency %.0fms spiked above the %.0fms baseline", curLat, baseLat),
		})
	}

	curFo, baseFo := avgFailovers(recent), avgFailovers(baseline)
	if baseFo > 0 && curFo > baseFo*2 {
		found = append(found, Anomaly{
			Timestamp:   now,
			Type:        AnomalyFailoverIncrease,
			Severity:    SeverityMedium,
			Expected:    baseFo,
			Actual:      curFo,
			Description: fmt.Sprintf("failover rate %.1f/min is above the %.1f/min baseline", curFo, baseFo),
		})
	}

	s.pushLocked(found)
	return found
}

// splitWindowLocked partitions retained points into the recent scan window
// and the baseline preceding it.
func (s *Service) splitWindowLocked(now time.Time) (recent, baseline []TimeSeriesPoint) {
	edge := now.Add(-recentWindow)
	for _, pt := range s.points {
		if pt.Timestamp.After(edge) {
			recent = append(recent, pt)
		} else {
			baseline = append(baseline, pt)
		}
	}
	return recent, baseline
}

// pushLocked appends findings to the anomaly ring, suppressing repeats of an
// ongoing condition, and trims to the cap.
func (s *Service) pushLocked(batch []Anomaly) {
	for _, a := range batch {
		if s.repeatLocked(a) {
			continue
		}
		s.anomalies = append(s.anomalies, a)
	}
	if drop := len(s.anomalies) - anomalyCap; drop > 0 {
		s.anomalies = slices.Clone(s.anomalies[drop:])
	}
}

// repeatLocked reports whether the same condition was already recorded
// within the scan window.
func (s *Service) repeatLocked(a Anomaly) bool {
	for i := len(s.anomalies) - 1; i >= 0; i-- {
		prev := s.anomalies[i]
		if a.Timestamp.Sub(prev.Timestamp) > recentWindow {
			return false
		}
		if prev.Type == a.Type && prev.Provider == a.Provider && prev.Severity == a.Severity {
			return true
		}
	}
	return false
}

func (s *Service) anomaliesSinceLocked(cutoff time.Time) []Anomaly {
	out := make([]Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		if !a.Timestamp.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

func sortedProviders(summary *metrics.Summary) []string {
	names := make([]string, 0, len(summary.Providers))
	for name := range summary.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func avgRate(points []TimeSeriesPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range points {
		sum += pt.SuccessRate
	}
	return sum / float64(len(points))
}

func avgLatency(points []TimeSeriesPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range points {
		sum += pt.LatencyAvg
	}
	return sum / float64(len(points))
}

func avgFailovers(points []TimeSeriesPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range points {
		sum += float64(pt.Failovers)
	}
	return sum / float64(len(points))
}
