package manager

import (
	"time"

	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
	"relaypool/proxypool/stats"
)

// breaker stops all checkouts for a while when client traffic fails pool-wide.
type breaker struct {
	cfg       types.CircuitBreakerConf
	window    *stats.Window[bool]
	openUntil time.Time
	trips     int
}

func newBreaker(cfg types.CircuitBreakerConf) *breaker {
	size := cfg.WindowSize
	if size <= 0 {
		size = stats.DefaultWindowSize
	}
	return &breaker{cfg: cfg, window: stats.NewWindow[bool](size)}
}

func (b *breaker) isOpen(now time.Time) bool {
	return b.cfg.Enabled && now.Before(b.openUntil)
}

// record folds one client outcome in. Outcomes arriving while open belong to traffic
// from before the trip and are ignored.
func (b *breaker) record(success bool, now time.Time) {
	if !b.cfg.Enabled || b.isOpen(now) {
		return
	}
	b.window.Push(success)
	n := b.window.Len()
	if n < b.cfg.MinSamples {
		return
	}
	ok := 0
	for _, v := range b.window.Values() {
		if v {
			ok++
		}
	}
	rate := float64(ok) / float64(n)
	if rate < b.cfg.Threshold {
		b.openUntil = now.Add(b.cfg.ResetTime)
		b.trips++
		b.window.Reset()
		logger.WithComponent("ProxyPool/Manager").Warn().
			Float64("success_rate", rate).
			Time("open_until", b.openUntil).
			Msg("Circuit breaker opened.")
	}
}
