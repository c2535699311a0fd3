package stats

import (
	"math"
	"time"

	"relaypool/proxypool/model"
)

const (
	// DefaultWindowSize is the number of recent outcomes a relay remembers.
	DefaultWindowSize = 100

	// worstResponseTime maps to a zero response-time term.
	worstResponseTime = 5.0
)

// BanPolicy holds the thresholds that quarantine a relay.
type BanPolicy struct {
	MaxConsecutiveFailures int
	MinRateSamples         int
	MinWindowSuccessRate   float64
	MinLatencySamples      int
	MaxAvgResponseTime     time.Duration
}

// DefaultBanPolicy mirrors the pool defaults.
func DefaultBanPolicy() BanPolicy {
	return BanPolicy{
		MaxConsecutiveFailures: 5,
		MinRateSamples:         20,
		MinWindowSuccessRate:   0.1,
		MinLatencySamples:      10,
		MaxAvgResponseTime:     8 * time.Second,
	}
}

// Stats tracks one relay. It is not safe for concurrent use; the pool serializes access.
type Stats struct {
	outcomes  *Window[bool]
	latencies *Window[float64] // seconds, successful requests only

	TotalRequests       int
	SuccessCount        int
	FailCount           int
	ConsecutiveFailures int
	FailureKinds        map[model.ErrorKind]int
}

// New returns empty statistics with the given window capacity.
func New(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	kinds := make(map[model.ErrorKind]int, len(model.FailureKinds))
	for _, k := range model.FailureKinds {
		kinds[k] = 0
	}
	return &Stats{
		outcomes:     NewWindow[bool](windowSize),
		latencies:    NewWindow[float64](windowSize),
		FailureKinds: kinds,
	}
}

// Record folds one outcome into the windows and counters.
func (s *Stats) Record(o model.Outcome) {
	s.TotalRequests++
	s.outcomes.Push(o.Success)
	if o.Success {
		s.SuccessCount++
		s.ConsecutiveFailures = 0
		if o.ResponseTime > 0 {
			s.latencies.Push(o.ResponseTime.Seconds())
		}
		return
	}
	s.FailCount++
	s.ConsecutiveFailures++
	s.FailureKinds[o.FailureKind.Normalize()]++
}

// Seed pushes samples into the windows without touching the lifetime counters.
// It is used to carry a validation probe or a persisted score into a fresh record.
func (s *Stats) Seed(success bool, responseTime time.Duration) {
	s.outcomes.Push(success)
	if success && responseTime > 0 {
		s.latencies.Push(responseTime.Seconds())
	}
}

// WindowSamples is the number of outcomes currently in the window.
func (s *Stats) WindowSamples() int { return s.outcomes.Len() }

// LatencySamples is the number of response times currently in the window.
func (s *Stats) LatencySamples() int { return s.latencies.Len() }

// ResponseTimes returns the windowed response times in seconds, oldest first.
func (s *Stats) ResponseTimes() []float64 { return s.latencies.Values() }

// SuccessRate is the windowed success rate, 0 when the window is empty.
func (s *Stats) SuccessRate() float64 {
	n := s.outcomes.Len()
	if n == 0 {
		return 0
	}
	ok := 0
	for _, v := range s.outcomes.Values() {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(n)
}

// AvgResponseTime is the windowed mean in seconds. The second value is false without samples.
func (s *Stats) AvgResponseTime() (float64, bool) {
	n := s.latencies.Len()
	if n == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range s.latencies.Values() {
		sum += v
	}
	return sum / float64(n), true
}

// HealthScore blends success rate (90%) with a latency term (10%) and rewards relays that are
// excellent on both. The result is always within [0,1].
func (s *Stats) HealthScore() float64 {
	if s.outcomes.Len() == 0 {
		return 0
	}
	sr := s.SuccessRate()
	avg, ok := s.AvgResponseTime()
	if !ok {
		avg = math.Inf(1)
	}
	rs := 0.0
	if ok {
		rs = math.Max(0, 1-avg/worstResponseTime)
	}

	score := sr*0.9 + rs*0.1
	switch {
	case sr >= 0.95 && avg <= 0.5:
		score *= 1.3
	case sr >= 0.7 && sr < 0.8 && avg <= 3.0:
		score *= 1.1
	case sr >= 0.5 && sr < 0.6 && avg <= 3.0:
		score *= 1.05
	}
	return clamp(score)
}

// ShouldBan reports whether the relay crossed any quarantine threshold, with a short reason.
func (s *Stats) ShouldBan(p BanPolicy) (bool, string) {
	if p.MaxConsecutiveFailures > 0 && s.ConsecutiveFailures >= p.MaxConsecutiveFailures {
		return true, "consecutive_failures"
	}
	if p.MinRateSamples > 0 && s.outcomes.Len() >= p.MinRateSamples && s.SuccessRate() < p.MinWindowSuccessRate {
		return true, "low_success_rate"
	}
	if p.MinLatencySamples > 0 && s.latencies.Len() >= p.MinLatencySamples {
		if avg, _ := s.AvgResponseTime(); p.MaxAvgResponseTime > 0 && avg > p.MaxAvgResponseTime.Seconds() {
			return true, "high_latency"
		}
	}
	return false, ""
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
