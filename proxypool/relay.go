package manager

import (
	"time"

	"relaypool/proxypool/model"
	"relaypool/proxypool/selector"
	"relaypool/proxypool/stats"
)

// relay is the pool's mutable record of one admitted relay. All access goes through the
// manager's mutex.
type relay struct {
	id        string
	cand      model.Candidate
	stats     *stats.Stats
	score     float64
	anonymous bool

	banned   bool
	banUntil time.Time
	inUse    int

	admittedAt  time.Time
	lastUsed    time.Time
	lastSuccess time.Time
	lastFailure time.Time
}

// liftExpiredBan clears a ban whose time is up. It reports whether the relay is still banned.
func (r *relay) liftExpiredBan(now time.Time) bool {
	if r.banned && !now.Before(r.banUntil) {
		r.banned = false
		r.banUntil = time.Time{}
	}
	return r.banned
}

// lastActivity is the most recent moment the relay was handed out, probed or reported on.
func (r *relay) lastActivity() time.Time {
	t := r.admittedAt
	for _, c := range []time.Time{r.lastUsed, r.lastSuccess, r.lastFailure} {
		if c.After(t) {
			t = c
		}
	}
	return t
}

func (r *relay) selectorCandidate() selector.Candidate {
	return selector.Candidate{ID: r.id, Score: r.score, InUse: r.inUse, LastUsed: r.lastUsed}
}

func (r *relay) snapshot(now time.Time) model.RelaySnapshot {
	avg, _ := r.stats.AvgResponseTime()
	kinds := make(map[model.ErrorKind]int, len(r.stats.FailureKinds))
	for k, v := range r.stats.FailureKinds {
		kinds[k] = v
	}
	banned := r.banned && now.Before(r.banUntil)
	s := model.RelaySnapshot{
		ID:                  r.id,
		Address:             r.cand.Address,
		Protocol:            r.cand.Protocol,
		SourceID:            r.cand.SourceID,
		HealthScore:         r.score,
		SuccessRate:         r.stats.SuccessRate(),
		AvgResponseTime:     avg,
		WindowSamples:       r.stats.WindowSamples(),
		ResponseTimes:       r.stats.ResponseTimes(),
		TotalRequests:       r.stats.TotalRequests,
		SuccessCount:        r.stats.SuccessCount,
		FailCount:           r.stats.FailCount,
		ConsecutiveFailures: r.stats.ConsecutiveFailures,
		FailureKinds:        kinds,
		Anonymous:           r.anonymous,
		Banned:              banned,
		InUse:               r.inUse,
		AdmittedAt:          r.admittedAt,
		LastUsed:            r.lastUsed,
		LastSuccess:         r.lastSuccess,
		LastFailure:         r.lastFailure,
	}
	if banned {
		s.BanUntil = r.banUntil
	}
	return s
}

// scoreRecord captures what survives a restart.
func (r *relay) scoreRecord(prev *model.ScoreRecord) *model.ScoreRecord {
	rec := &model.ScoreRecord{
		Key:          r.cand.Key(),
		SuccessCount: r.stats.SuccessCount,
		FailCount:    r.stats.FailCount,
		LastSuccess:  r.lastSuccess,
		LastUsed:     r.lastUsed,
	}
	if avg, ok := r.stats.AvgResponseTime(); ok {
		rec.AvgResponseTime = avg
	} else if prev != nil {
		rec.AvgResponseTime = prev.AvgResponseTime
	}
	return rec
}

// warmStart seeds a fresh record from a persisted score: lifetime counters and timestamps
// are restored and up to n window samples are apportioned by the lifetime success ratio.
func (r *relay) warmStart(rec *model.ScoreRecord, n int) {
	st := r.stats
	st.SuccessCount = rec.SuccessCount
	st.FailCount = rec.FailCount
	st.TotalRequests = rec.SuccessCount + rec.FailCount
	r.lastSuccess = rec.LastSuccess
	r.lastUsed = rec.LastUsed

	total := rec.SuccessCount + rec.FailCount
	if total <= 0 || n <= 0 {
		return
	}
	if total < n {
		n = total
	}
	successes := int(float64(n)*float64(rec.SuccessCount)/float64(total) + 0.5)
	rt := time.Duration(rec.AvgResponseTime * float64(time.Second))
	for i := 0; i < n-successes; i++ {
		st.Seed(false, 0)
	}
	for i := 0; i < successes; i++ {
		st.Seed(true, rt)
	}
}
