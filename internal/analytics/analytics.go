// Package analytics derives operator-facing views from the metrics
// collector: minute-resolution time series, anomaly detection, provider
// comparison and health classification.
//
// The service is read-only over the collector. The time-series ring and the
// anomaly ring are process-local; a restart starts them empty while the
// collector's KV aggregates carry the lifetime truth.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

// Query window bounds in hours. The HTTP surface rejects values outside
// this range; the service clamps.
const (
	MinHours = 1
	MaxHours = 168
)

const (
	// seriesCap bounds the minute-bucket ring to 24 hours of points.
	seriesCap = 1440

	// anomalyCap bounds the anomaly ring.
	anomalyCap = 100

	// sampleInterval is the background sampling cadence.
	sampleInterval = time.Minute
)

// TimeSeriesPoint is one minute-bucket observation. Requests and Failovers
// count what arrived during the bucket; SuccessRate covers the bucket's own
// traffic when it had any, otherwise it carries the lifetime rate.
// LatencyAvg is the lifetime running mean at sampling time.
type TimeSeriesPoint struct {
	Timestamp     time.Time                `json:"timestamp"`
	Requests      int64                    `json:"requests"`
	SuccessRate   float64                  `json:"successRate"`
	LatencyAvg    float64                  `json:"latencyAvg"`
	Failovers     int64                    `json:"failovers"`
	CircuitEvents int                      `json:"circuitEvents"`
	Providers     map[string]ProviderPoint `json:"providers,omitempty"`

	successes int64
}

// ProviderPoint is the per-provider slice of one time-series point. Values
// are lifetime aggregates at sampling time.
type ProviderPoint struct {
	Requests     int64         `json:"requests"`
	SuccessRate  float64       `json:"successRate"`
	LatencyAvg   float64       `json:"latencyAvg"`
	CircuitState breaker.State `json:"circuitState"`
}

// Provider trend classifications.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// ProviderStats is one row of the provider comparison.
type ProviderStats struct {
	Provider       string  `json:"provider"`
	SuccessRate    float64 `json:"successRate"`
	AverageLatency float64 `json:"averageLatency"`
	RequestShare   float64 `json:"requestShare"`
	Reliability    float64 `json:"reliability"`
	Trend          string  `json:"trend"`
}

// Query echoes the parameters an analytics result was computed for.
type Query struct {
	Hours    int       `json:"hours"`
	Provider string    `json:"provider,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Result is the full analytics payload.
type Result struct {
	Query         Query                    `json:"query"`
	Summary       *metrics.Summary         `json:"summary"`
	MTBFSeconds   float64                  `json:"mtbfSeconds"`
	TimeSeries    []TimeSeriesPoint        `json:"timeSeries"`
	ProviderStats map[string]ProviderStats `json:"providerStats"`
	Anomalies     []Anomaly                `json:"anomalies"`
}

type prevCounters struct {
	total     int64
	success   int64
	failovers int64
	valid     bool
}

// Service derives analytics from the collector's aggregates.
//
// All mutating state sits behind one mutex; collector reads happen before it
// is taken so KV latency never extends the critical section.
type Service struct {
	collector *metrics.Collector
	log       *slog.Logger

	mu        sync.Mutex
	points    map[int64]TimeSeriesPoint
	anomalies []Anomaly
	prev      prevCounters
}

// New creates a Service reading from collector.
func New(collector *metrics.Collector, log *slog.Logger) *Service {
	return &Service{
		collector: collector,
		log:       log,
		points:    make(map[int64]TimeSeriesPoint),
	}
}

// Run samples the collector once a minute so the time series stays populated
// between analytics calls. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			summary, err := s.collector.GetAggregatedMetrics(ctx)
			if err != nil {
				s.log.WarnContext(ctx, "analytics sample failed", slog.Any("error", err))
				continue
			}
			s.mu.Lock()
			s.sampleLocked(summary, time.Now())
			s.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
}

// GetSummary returns the live aggregated metrics.
func (s *Service) GetSummary(ctx context.Context) (*metrics.Summary, error) {
	return s.collector.GetAggregatedMetrics(ctx)
}

// GetAnalytics returns the full analytics payload for the past hours,
// optionally narrowed to one provider's time series. hours is clamped to
// [MinHours, MaxHours].
func (s *Service) GetAnalytics(ctx context.Context, hours int, provider string) (*Result, error) {
	hours = clampHours(hours)
	summary, err := s.collector.GetAggregatedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleLocked(summary, now)
	s.detectLocked(summary, now)

	return &Result{
		Query:         Query{Hours: hours, Provider: provider, From: cutoff, To: now},
		Summary:       summary,
		MTBFSeconds:   s.mtbfLocked(summary.RequestsFailure),
		TimeSeries:    s.seriesLocked(cutoff, provider),
		ProviderStats: s.comparisonLocked(summary, now),
		Anomalies:     s.anomaliesSinceLocked(cutoff),
	}, nil
}

// GetTimeSeries returns the minute-bucket series for the past hours,
// optionally projected onto one provider. hours is clamped to
// [MinHours, MaxHours].
func (s *Service) GetTimeSeries(ctx context.Context, hours int, provider string) ([]TimeSeriesPoint, error) {
	hours = clampHours(hours)
	summary, err := s.collector.GetAggregatedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleLocked(summary, now)
	return s.seriesLocked(now.Add(-time.Duration(hours)*time.Hour), provider), nil
}

// GetProviderComparison returns per-provider statistics for side-by-side
// comparison.
func (s *Service) GetProviderComparison(ctx context.Context) (map[string]ProviderStats, error) {
	summary, err := s.collector.GetAggregatedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleLocked(summary, now)
	return s.comparisonLocked(summary, now), nil
}

// sampleLocked appends one observation of summary to the series. Re-sampling
// within the same minute accumulates into the existing bucket.
func (s *Service) sampleLocked(summary *metrics.Summary, now time.Time) {
	var deltaTotal, deltaSuccess, deltaFailovers int64
	if s.prev.valid {
		deltaTotal = nonNeg(summary.RequestsTotal - s.prev.total)
		deltaSuccess = nonNeg(summary.RequestsSuccess - s.prev.success)
		deltaFailovers = nonNeg(summary.FailoverCount - s.prev.failovers)
	}
	s.prev = prevCounters{
		total:     summary.RequestsTotal,
		success:   summary.RequestsSuccess,
		failovers: summary.FailoverCount,
		valid:     true,
	}

	rate := summary.SuccessRate
	if deltaTotal > 0 {
		rate = float64(deltaSuccess) / float64(deltaTotal)
	}

	circuitEvents := 0
	var perProvider map[string]ProviderPoint
	if len(summary.Providers) > 0 {
		perProvider = make(map[string]ProviderPoint, len(summary.Providers))
		for name, m := range summary.Providers {
			if m.CircuitState != breaker.StateClosed {
				circuitEvents++
			}
			perProvider[name] = ProviderPoint{
				Requests:     m.RequestsTotal,
				SuccessRate:  m.SuccessRate,
				LatencyAvg:   m.LatencyAvg,
				CircuitState: m.CircuitState,
			}
		}
	}

	bucket := now.Truncate(time.Minute)
	pt := TimeSeriesPoint{
		Timestamp:     bucket,
		Requests:      deltaTotal,
		SuccessRate:   rate,
		LatencyAvg:    summary.LatencyAvg,
		Failovers:     deltaFailovers,
		CircuitEvents: circuitEvents,
		Providers:     perProvider,
		successes:     deltaSuccess,
	}
	if old, ok := s.points[bucket.Unix()]; ok {
		pt.Requests += old.Requests
		pt.successes += old.successes
		pt.Failovers += old.Failovers
		if pt.Requests > 0 {
			pt.SuccessRate = float64(pt.successes) / float64(pt.Requests)
		}
	}
	s.points[bucket.Unix()] = pt
	s.trimSeriesLocked()
}

func (s *Service) trimSeriesLocked() {
	if len(s.points) <= seriesCap {
		return
	}
	keys := make([]int64, 0, len(s.points))
	for k := range s.points {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys[:len(keys)-seriesCap] {
		delete(s.points, k)
	}
}

// seriesLocked returns the retained points at or after cutoff, ascending by
// time. A provider filter projects each point onto that provider's
// breakdown; points from before the provider was first seen are dropped.
func (s *Service) seriesLocked(cutoff time.Time, provider string) []TimeSeriesPoint {
	out := make([]TimeSeriesPoint, 0, len(s.points))
	for _, pt := range s.points {
		if pt.Timestamp.Before(cutoff) {
			continue
		}
		if provider == "" {
			out = append(out, pt)
			continue
		}
		pp, ok := pt.Providers[provider]
		if !ok {
			continue
		}
		ce := 0
		if pp.CircuitState != breaker.StateClosed {
			ce = 1
		}
		out = append(out, TimeSeriesPoint{
			Timestamp:     pt.Timestamp,
			Requests:      pp.Requests,
			SuccessRate:   pp.SuccessRate,
			LatencyAvg:    pp.LatencyAvg,
			CircuitEvents: ce,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Service) comparisonLocked(summary *metrics.Summary, now time.Time) map[string]ProviderStats {
	stats := make(map[string]ProviderStats, len(summary.Providers))
	for name, m := range summary.Providers {
		share := 0.0
		if summary.RequestsTotal > 0 {
			share = float64(m.RequestsTotal) / float64(summary.RequestsTotal)
		}
		stats[name] = ProviderStats{
			Provider:       name,
			SuccessRate:    m.SuccessRate,
			AverageLatency: m.LatencyAvg,
			RequestShare:   share,
			Reliability:    reliabilityScore(m.SuccessRate, m.LatencyAvg),
			Trend:          s.providerTrendLocked(name, now),
		}
	}
	return stats
}

// providerTrendLocked compares the provider's current-hour success rate to
// its 24-hour baseline.
func (s *Service) providerTrendLocked(provider string, now time.Time) string {
	var curSum, baseSum float64
	var curN, baseN int
	hourAgo := now.Add(-time.Hour)
	for _, pt := range s.points {
		pp, ok := pt.Providers[provider]
		if !ok {
			continue
		}
		baseSum += pp.SuccessRate
		baseN++
		if pt.Timestamp.After(hourAgo) {
			curSum += pp.SuccessRate
			curN++
		}
	}
	if curN == 0 || baseN == 0 {
		return TrendStable
	}
	baseline := baseSum / float64(baseN)
	if baseline == 0 {
		return TrendStable
	}
	change := (curSum/float64(curN) - baseline) / baseline * 100
	switch {
	case change > 1:
		return TrendImproving
	case change < -1:
		return TrendDegrading
	}
	return TrendStable
}

// mtbfLocked estimates mean time between failures over the observation
// window. Zero when no failures were observed.
func (s *Service) mtbfLocked(failures int64) float64 {
	if failures == 0 {
		return 0
	}
	return float64(len(s.points)*60) / float64(failures)
}

// reliabilityScore combines success rate and latency into a 0-100 figure
// for operator comparison. The latency weight decays linearly to zero at
// 5 seconds.
func reliabilityScore(successRate, avgLatencyMs float64) float64 {
	latencyPenalty := clamp(avgLatencyMs/5000, 0, 1)
	return clamp(successRate*80+(1-latencyPenalty)*20, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampHours(hours int) int {
	if hours < MinHours {
		return MinHours
	}
	if hours > MaxHours {
		return MaxHours
	}
	return hours
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
