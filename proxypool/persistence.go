package manager

import (
	"context"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/model"
)

// loadScores 从存储加载评分缓存，用于新准入代理的预热。
func (m *Manager) loadScores(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range records {
		if rec == nil {
			continue
		}
		// live relays already carry fresher numbers
		if _, live := m.byKey[k]; live {
			continue
		}
		m.scores[k] = rec
	}
	logger.WithComponent("ProxyPool/Manager").Info().Int("count", len(records)).Msg("Score cache loaded.")
	return nil
}

// flushScores writes the score cache if it changed since the last write.
// The pool lock is held only while copying.
func (m *Manager) flushScores(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	records := make(map[string]*model.ScoreRecord, len(m.scores))
	for k, rec := range m.scores {
		cp := *rec
		records[k] = &cp
	}
	m.dirty = false
	m.mu.Unlock()

	if err := m.store.Save(ctx, records); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		logger.WithComponent("ProxyPool/Manager").Warn().Err(err).Msg("Failed to save score cache.")
		return err
	}
	return nil
}
