package manager

import (
	"context"
	"sort"
	"time"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/model"
)

// Refresh evicts relays that proved poor and tops the pool up from the registry.
// It is skipped while the previous refresh is younger than the refresh interval and the pool
// holds at least min_size relays. It returns the number of relays admitted.
func (m *Manager) Refresh(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")
	if !m.refreshing.CompareAndSwap(false, true) {
		l.Debug().Msg("Refresh already running, skipping.")
		return 0
	}
	defer m.refreshing.Store(false)

	m.mu.Lock()
	now := m.now()
	if !m.lastRefresh.IsZero() && now.Sub(m.lastRefresh) < m.cfg.RefreshInterval && len(m.relays) >= m.cfg.MinSize {
		m.mu.Unlock()
		return 0
	}
	m.lastRefresh = now

	for k, until := range m.quarantine {
		if !now.Before(until) {
			delete(m.quarantine, k)
		}
	}
	evicted := 0
	for id, r := range m.relays {
		if r.stats.TotalRequests >= minRequestsBeforeEviction && r.score < m.cfg.MinSuccessRate {
			key := r.cand.Key()
			delete(m.relays, id)
			delete(m.byKey, key)
			// an evicted endpoint stays out for a ban period and comes back without its history
			delete(m.scores, key)
			m.quarantine[key] = now.Add(m.quarantinePeriod())
			m.dirty = true
			evicted++
			l.Info().Str("relay_id", id).Str("key", key).Float64("score", r.score).Msg("Relay evicted for poor performance.")
		}
	}
	room := m.cfg.MaxSize - len(m.relays)
	known := make(map[string]struct{}, len(m.byKey)+len(m.quarantine))
	for k := range m.byKey {
		known[k] = struct{}{}
	}
	for k := range m.quarantine {
		known[k] = struct{}{}
	}
	m.mu.Unlock()

	l.Info().Int("evicted", evicted).Int("room", room).Msg("Starting refresh cycle...")
	if room <= 0 || m.registry == nil {
		return 0
	}

	var fresh []model.Candidate
	for _, c := range m.registry.FetchAll(ctx) {
		if _, ok := known[c.Key()]; !ok {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		l.Info().Msg("No new candidates found in this cycle.")
		return 0
	}

	admitted := m.validateAndAdmit(ctx, fresh, true)
	l.Info().Int("candidates", len(fresh)).Int("admitted", admitted).Msg("Refresh cycle finished.")
	return admitted
}

// quarantinePeriod is how long Refresh keeps an evicted key out of the pool:
// the ban duration, but never less than one refresh interval.
func (m *Manager) quarantinePeriod() time.Duration {
	return max(m.cfg.BanDuration, m.cfg.RefreshInterval)
}

// validateAndAdmit validates cands outside the pool lock and admits the valid ones.
func (m *Manager) validateAndAdmit(ctx context.Context, cands []model.Candidate, foldYields bool) int {
	results := m.validator.ValidateBatch(ctx, cands)
	if ctx.Err() != nil {
		return 0
	}

	type yield struct{ valid, total int }
	yields := make(map[string]*yield)
	admitted := 0
	for i, c := range cands {
		y := yields[c.SourceID]
		if y == nil {
			y = &yield{}
			yields[c.SourceID] = y
		}
		y.total++
		if !results[i].Valid {
			continue
		}
		y.valid++
		if _, ok := m.Admit(c, results[i]); ok {
			admitted++
		}
	}
	if foldYields && m.registry != nil {
		for name, y := range yields {
			m.registry.UpdateSourceStats(name, y.valid, y.total)
		}
	}
	return admitted
}

// Revalidate re-probes relays that have been idle longer than the health check interval,
// oldest first and at most one batch per call. Each probe is recorded like a client outcome
// but does not feed the circuit breaker.
func (m *Manager) Revalidate(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")

	type due struct {
		id   string
		cand model.Candidate
		last int64
	}
	m.mu.Lock()
	now := m.now()
	var dueRelays []due
	for id, r := range m.relays {
		last := r.lastActivity()
		if r.inUse == 0 && now.Sub(last) >= m.cfg.HealthCheckInterval {
			dueRelays = append(dueRelays, due{id: id, cand: r.cand, last: last.UnixNano()})
		}
	}
	m.mu.Unlock()

	if len(dueRelays) == 0 {
		l.Debug().Msg("No relays due for re-validation.")
		return 0
	}
	sort.Slice(dueRelays, func(i, j int) bool { return dueRelays[i].last < dueRelays[j].last })
	total := len(dueRelays)
	if batch := m.cfg.RevalidationBatchSize; batch > 0 && len(dueRelays) > batch {
		dueRelays = dueRelays[:batch]
	}
	l.Info().Int("batch_size", len(dueRelays)).Int("total_due", total).Msg("Starting re-validation batch.")

	cands := make([]model.Candidate, len(dueRelays))
	for i, d := range dueRelays {
		cands[i] = d.cand
	}
	results := m.validator.ValidateBatch(ctx, cands)
	if ctx.Err() != nil {
		return 0
	}
	for i, d := range dueRelays {
		res := results[i]
		m.report(d.id, model.Outcome{Success: res.Valid, ResponseTime: res.ResponseTime, FailureKind: res.ErrorKind}, false)
	}
	return len(dueRelays)
}

// Import validates manually supplied candidates and admits the valid ones.
// Candidates already in the pool are skipped.
func (m *Manager) Import(ctx context.Context, cands []model.Candidate) int {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(cands)).Msg("Starting manual relay import.")

	m.mu.Lock()
	var fresh []model.Candidate
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		key := c.Key()
		if _, exists := m.byKey[key]; exists {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, c)
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		l.Info().Msg("No new relays in the import list.")
		return 0
	}
	admitted := m.validateAndAdmit(ctx, fresh, false)
	l.Info().Int("admitted", admitted).Int("candidates", len(fresh)).Msg("Manual import finished.")
	return admitted
}

// Remove evicts relays by id and returns how many were removed.
func (m *Manager) Remove(ids []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if r, ok := m.relays[id]; ok {
			delete(m.relays, id)
			delete(m.byKey, r.cand.Key())
			removed++
		}
	}
	logger.WithComponent("ProxyPool/Manager").Info().Int("deleted_count", removed).Msg("Deletion complete.")
	return removed
}
