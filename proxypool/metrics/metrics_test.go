package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypool/proxypool/model"
)

type staticProvider struct {
	relays []model.RelaySnapshot
	stats  model.PoolStats
}

func (p staticProvider) Snapshot() []model.RelaySnapshot { return p.relays }
func (p staticProvider) Stats() model.PoolStats          { return p.stats }

func TestComputePercentiles(t *testing.T) {
	values := []float64{1.0, 0.3, 0.5, 0.1, 0.9, 0.2, 0.7, 0.4, 0.8, 0.6}
	p := ComputePercentiles(values)

	assert.Equal(t, 10, p.Samples)
	assert.InDelta(t, 0.55, p.P50, 1e-9)
	assert.InDelta(t, 0.775, p.P75, 1e-9)
	assert.InDelta(t, 0.91, p.P90, 1e-9)
	assert.InDelta(t, 0.955, p.P95, 1e-9)
	assert.InDelta(t, 0.991, p.P99, 1e-9)
	assert.Equal(t, 1.0, values[0], "input is not reordered")

	assert.Equal(t, Percentiles{}, ComputePercentiles(nil))
	single := ComputePercentiles([]float64{2.5})
	assert.Equal(t, 2.5, single.P50)
	assert.Equal(t, 2.5, single.P99)
}

func TestDistribution(t *testing.T) {
	d := Distribution([]model.RelaySnapshot{
		{HealthScore: 1.0}, {HealthScore: 0.9},
		{HealthScore: 0.75},
		{HealthScore: 0.5},
		{HealthScore: 0.3},
		{HealthScore: 0.29}, {HealthScore: 0},
	})
	assert.Equal(t, HealthDistribution{Excellent: 2, Good: 1, Fair: 1, Poor: 1, Critical: 2}, d)
}

func TestDetectAnomalies(t *testing.T) {
	anomalies := DetectAnomalies([]model.RelaySnapshot{
		{ID: "ok", ConsecutiveFailures: 2, AvgResponseTime: 4.9, WindowSamples: 50, SuccessRate: 0.9},
		{ID: "failing", ConsecutiveFailures: 5},
		{ID: "shaky", ConsecutiveFailures: 3},
		{ID: "slow", AvgResponseTime: 12, WindowSamples: 5, SuccessRate: 0.1},
		{ID: "lossy", WindowSamples: 10, SuccessRate: 0.4, AvgResponseTime: 6},
	})

	type key struct{ id, kind, severity string }
	got := map[key]bool{}
	for _, a := range anomalies {
		got[key{a.RelayID, a.Kind, a.Severity}] = true
	}
	assert.Len(t, anomalies, 5)
	assert.True(t, got[key{"failing", AnomalyConsecutiveFailures, SeverityHigh}])
	assert.True(t, got[key{"shaky", AnomalyConsecutiveFailures, SeverityMedium}])
	assert.True(t, got[key{"slow", AnomalyHighLatency, SeverityHigh}])
	assert.True(t, got[key{"lossy", AnomalyHighLatency, SeverityMedium}])
	assert.True(t, got[key{"lossy", AnomalyLowSuccessRate, SeverityMedium}])
}

func TestFailures(t *testing.T) {
	fd := Failures([]model.RelaySnapshot{
		{FailureKinds: map[model.ErrorKind]int{model.ErrorTimeout: 3, model.ErrorHTTP: 1}},
		{FailureKinds: map[model.ErrorKind]int{model.ErrorTimeout: 1}},
	})
	assert.Equal(t, 4, fd.Totals[model.ErrorTimeout])
	assert.Equal(t, 1, fd.Totals[model.ErrorHTTP])
	assert.Equal(t, 0, fd.Totals[model.ErrorConnection])
	assert.InDelta(t, 2.0, fd.PerRelayAvg[model.ErrorTimeout], 1e-9)

	empty := Failures(nil)
	assert.Len(t, empty.Totals, len(model.FailureKinds))
}

func TestHealthReport(t *testing.T) {
	p := staticProvider{
		relays: []model.RelaySnapshot{
			{ID: "a", HealthScore: 0.95, ResponseTimes: []float64{0.2, 0.3}},
			{ID: "b", HealthScore: 0.1, ConsecutiveFailures: 6, ResponseTimes: []float64{7, 8, 9}},
		},
		stats: model.PoolStats{Total: 4, Available: 3, AvgHealthScore: 0.55, CircuitOpen: true},
	}
	r := NewReporter(p)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	rep := r.HealthReport()
	assert.Equal(t, now, rep.Timestamp)
	assert.Equal(t, 5, rep.Metrics.ResponseTimes.Samples)
	assert.Equal(t, 1, rep.Metrics.Health.Critical)
	require.Len(t, rep.Anomalies, 1)

	kinds := map[string]bool{}
	for _, rec := range rep.Recommendations {
		kinds[rec.Kind] = true
	}
	assert.True(t, kinds["critical_relays"])
	assert.True(t, kinds[AnomalyHighLatency])
	assert.True(t, kinds["high_anomaly_rate"])
	assert.True(t, kinds["circuit_open"])

	assert.Equal(t, "fair", rep.Summary.OverallHealth)
	assert.InDelta(t, 0.75, rep.Summary.ActiveRatio, 1e-9)
	assert.Equal(t, 1, rep.Summary.AnomalyCount)
}

func TestHealthReport_EmptyPool(t *testing.T) {
	rep := NewReporter(staticProvider{}).HealthReport()
	assert.Equal(t, "poor", rep.Summary.OverallHealth)
	assert.Equal(t, 0.0, rep.Summary.ActiveRatio)
	assert.Empty(t, rep.Anomalies)
	assert.Empty(t, rep.Recommendations)
}
