// Package metrics derives read-only health reports from pool snapshots.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"relaypool/proxypool/model"
)

// Provider is the read side of the pool.
type Provider interface {
	Snapshot() []model.RelaySnapshot
	Stats() model.PoolStats
}

// Anomaly kinds and severities.
const (
	AnomalyConsecutiveFailures = "consecutive_failures"
	AnomalyHighLatency         = "high_latency"
	AnomalyLowSuccessRate      = "low_success_rate"

	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// HealthDistribution buckets relays by health score.
type HealthDistribution struct {
	Excellent int `json:"excellent"` // >= 0.9
	Good      int `json:"good"`      // >= 0.7
	Fair      int `json:"fair"`      // >= 0.5
	Poor      int `json:"poor"`      // >= 0.3
	Critical  int `json:"critical"`  // < 0.3
}

// Percentiles of windowed response times, in seconds.
type Percentiles struct {
	P50     float64 `json:"p50"`
	P75     float64 `json:"p75"`
	P90     float64 `json:"p90"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// FailureDistribution totals failure kinds across relays.
type FailureDistribution struct {
	Totals      map[model.ErrorKind]int     `json:"totals"`
	PerRelayAvg map[model.ErrorKind]float64 `json:"per_relay_avg"`
}

type Anomaly struct {
	Kind     string  `json:"type"`
	RelayID  string  `json:"relay_id"`
	Address  string  `json:"address"`
	Severity string  `json:"severity"`
	Value    float64 `json:"value"`
	Details  string  `json:"details"`
}

type Recommendation struct {
	Kind     string `json:"type"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

type Summary struct {
	OverallHealth string  `json:"overall_health"` // good | fair | poor
	ActiveRatio   float64 `json:"active_ratio"`
	AnomalyCount  int     `json:"anomaly_count"`
}

// DetailedMetrics is the full metrics view of the pool.
type DetailedMetrics struct {
	Timestamp     time.Time             `json:"timestamp"`
	Pool          model.PoolStats       `json:"pool"`
	Health        HealthDistribution    `json:"health_distribution"`
	ResponseTimes Percentiles           `json:"response_time_percentiles"`
	Failures      FailureDistribution   `json:"failure_distribution"`
	Relays        []model.RelaySnapshot `json:"relays"`
}

// HealthReport adds anomalies, recommendations and a summary to DetailedMetrics.
type HealthReport struct {
	Timestamp       time.Time        `json:"timestamp"`
	Metrics         DetailedMetrics  `json:"metrics"`
	Anomalies       []Anomaly        `json:"anomalies"`
	Recommendations []Recommendation `json:"recommendations"`
	Summary         Summary          `json:"summary"`
}

// Reporter computes metrics on demand; it holds no state of its own.
type Reporter struct {
	provider Provider
	now      func() time.Time
}

func NewReporter(p Provider) *Reporter {
	return &Reporter{provider: p, now: time.Now}
}

// DetailedMetrics snapshots the pool once and derives every view from that snapshot.
func (r *Reporter) DetailedMetrics() DetailedMetrics {
	return r.detailed(r.provider.Snapshot(), r.provider.Stats())
}

func (r *Reporter) detailed(relays []model.RelaySnapshot, ps model.PoolStats) DetailedMetrics {
	var latencies []float64
	for _, s := range relays {
		latencies = append(latencies, s.ResponseTimes...)
	}
	return DetailedMetrics{
		Timestamp:     r.now(),
		Pool:          ps,
		Health:        Distribution(relays),
		ResponseTimes: ComputePercentiles(latencies),
		Failures:      Failures(relays),
		Relays:        relays,
	}
}

// HealthReport evaluates the pool and suggests what to do about it.
func (r *Reporter) HealthReport() HealthReport {
	dm := r.DetailedMetrics()
	anomalies := DetectAnomalies(dm.Relays)

	var recs []Recommendation
	if dm.Health.Critical > 0 {
		recs = append(recs, Recommendation{
			Kind:     "critical_relays",
			Priority: SeverityHigh,
			Message:  fmt.Sprintf("Remove or replace %d critically performing relays", dm.Health.Critical),
		})
	}
	if dm.ResponseTimes.P95 > 5.0 {
		recs = append(recs, Recommendation{
			Kind:     AnomalyHighLatency,
			Priority: SeverityMedium,
			Message:  "Consider adding more relays to reduce load and improve response times",
		})
	}
	if float64(len(anomalies)) > float64(len(dm.Relays))*0.2 {
		recs = append(recs, Recommendation{
			Kind:     "high_anomaly_rate",
			Priority: SeverityHigh,
			Message:  "High number of relay anomalies detected, consider refreshing the pool",
		})
	}
	if dm.Pool.CircuitOpen {
		recs = append(recs, Recommendation{
			Kind:     "circuit_open",
			Priority: SeverityHigh,
			Message:  "Circuit breaker is open: client traffic is failing pool-wide",
		})
	}

	overall := "poor"
	switch {
	case dm.Pool.AvgHealthScore > 0.7:
		overall = "good"
	case dm.Pool.AvgHealthScore > 0.4:
		overall = "fair"
	}
	return HealthReport{
		Timestamp:       dm.Timestamp,
		Metrics:         dm,
		Anomalies:       anomalies,
		Recommendations: recs,
		Summary: Summary{
			OverallHealth: overall,
			ActiveRatio:   float64(dm.Pool.Available) / float64(max(1, dm.Pool.Total)),
			AnomalyCount:  len(anomalies),
		},
	}
}

// Distribution buckets relays by health score.
func Distribution(relays []model.RelaySnapshot) HealthDistribution {
	var d HealthDistribution
	for _, s := range relays {
		switch {
		case s.HealthScore >= 0.9:
			d.Excellent++
		case s.HealthScore >= 0.7:
			d.Good++
		case s.HealthScore >= 0.5:
			d.Fair++
		case s.HealthScore >= 0.3:
			d.Poor++
		default:
			d.Critical++
		}
	}
	return d
}

// ComputePercentiles interpolates linearly between closest ranks, k = (n-1)p.
func ComputePercentiles(values []float64) Percentiles {
	if len(values) == 0 {
		return Percentiles{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Percentiles{
		P50:     percentile(sorted, 0.50),
		P75:     percentile(sorted, 0.75),
		P90:     percentile(sorted, 0.90),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Samples: len(sorted),
	}
}

func percentile(sorted []float64, p float64) float64 {
	k := float64(len(sorted)-1) * p
	f := math.Floor(k)
	c := math.Ceil(k)
	if f == c {
		return sorted[int(k)]
	}
	return sorted[int(f)] + (k-f)*(sorted[int(c)]-sorted[int(f)])
}

// Failures totals failure kinds and averages them per relay.
func Failures(relays []model.RelaySnapshot) FailureDistribution {
	fd := FailureDistribution{
		Totals:      make(map[model.ErrorKind]int, len(model.FailureKinds)),
		PerRelayAvg: make(map[model.ErrorKind]float64, len(model.FailureKinds)),
	}
	for _, k := range model.FailureKinds {
		fd.Totals[k] = 0
	}
	for _, s := range relays {
		for k, n := range s.FailureKinds {
			fd.Totals[k] += n
		}
	}
	for k, n := range fd.Totals {
		fd.PerRelayAvg[k] = float64(n) / float64(max(1, len(relays)))
	}
	return fd
}

// DetectAnomalies flags relays that are failing, slow or unreliable.
func DetectAnomalies(relays []model.RelaySnapshot) []Anomaly {
	var out []Anomaly
	for _, s := range relays {
		if s.ConsecutiveFailures >= 3 {
			out = append(out, Anomaly{
				Kind:     AnomalyConsecutiveFailures,
				RelayID:  s.ID,
				Address:  s.Address,
				Severity: severity(s.ConsecutiveFailures >= 5),
				Value:    float64(s.ConsecutiveFailures),
				Details:  fmt.Sprintf("Relay has %d consecutive failures", s.ConsecutiveFailures),
			})
		}
		if s.AvgResponseTime > 5.0 {
			out = append(out, Anomaly{
				Kind:     AnomalyHighLatency,
				RelayID:  s.ID,
				Address:  s.Address,
				Severity: severity(s.AvgResponseTime > 10.0),
				Value:    s.AvgResponseTime,
				Details:  fmt.Sprintf("Average response time is %.2fs", s.AvgResponseTime),
			})
		}
		if s.WindowSamples >= 10 && s.SuccessRate < 0.5 {
			out = append(out, Anomaly{
				Kind:     AnomalyLowSuccessRate,
				RelayID:  s.ID,
				Address:  s.Address,
				Severity: severity(s.SuccessRate < 0.3),
				Value:    s.SuccessRate,
				Details:  fmt.Sprintf("Success rate is %.2f%%", s.SuccessRate*100),
			})
		}
	}
	return out
}

func severity(high bool) string {
	if high {
		return SeverityHigh
	}
	return SeverityMedium
}
