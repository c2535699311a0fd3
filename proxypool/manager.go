package manager

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
	"relaypool/proxypool/selector"
	"relaypool/proxypool/stats"
	"relaypool/proxypool/storage"
)

const (
	// maintenanceTick is how often the refresh loop asks Refresh whether work is due.
	maintenanceTick = 60 * time.Second
	// scoreFlushInterval bounds how stale the persisted score cache can get.
	scoreFlushInterval = 10 * time.Second
	// minRequestsBeforeEviction protects young relays from eviction on a noisy score.
	minRequestsBeforeEviction = 10
)

// Registry is where the pool gets new candidates and reports per-source yields.
type Registry interface {
	FetchAll(ctx context.Context) []model.Candidate
	UpdateSourceStats(name string, valid, total int)
}

// Validator probes candidates in bulk. Results keep the input order.
type Validator interface {
	ValidateBatch(ctx context.Context, cands []model.Candidate) []model.ValidationResult
}

// Lease is a checked-out relay. Release it exactly once when the request is done;
// further calls are no-ops.
type Lease struct {
	ID        string
	Candidate model.Candidate

	m    *Manager
	once sync.Once
}

// URL renders the relay as a proxy URL.
func (l *Lease) URL() *url.URL { return l.Candidate.URL() }

// Report forwards an outcome for the leased relay.
func (l *Lease) Report(o model.Outcome) { l.m.ReportOutcome(l.ID, o) }

// Release returns the relay to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.Release(l.ID) })
}

// Manager 是代理池模块的总控制器。
type Manager struct {
	cfg       *types.Config
	registry  Registry
	validator Validator
	store     storage.Storage
	balancer  *selector.RotationBalancer
	banPolicy stats.BanPolicy

	mu          sync.Mutex
	relays      map[string]*relay // by id
	byKey       map[string]string // candidate key -> id
	scores      map[string]*model.ScoreRecord
	dirty       bool
	loadLevel   string
	breaker     *breaker
	lastRefresh time.Time
	quarantine  map[string]time.Time // evicted key -> earliest re-admission by Refresh

	refreshing atomic.Bool
	now        func() time.Time

	// 调度器与生命周期管理
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。store may be nil for a pool without a score cache.
func NewManager(cfg *types.Config, registry Registry, v Validator, store storage.Storage) *Manager {
	level := strings.ToLower(cfg.DefaultLoadLevel)
	if _, ok := cfg.LoadLevel(level); !ok {
		level = types.LoadMedium
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		validator: v,
		store:     store,
		balancer:  selector.NewRotationBalancer(cfg.MaxConcurrentPerRelay, cfg.RotationWindow),
		banPolicy: stats.BanPolicy{
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			MinRateSamples:         cfg.MinRateSamples,
			MinWindowSuccessRate:   cfg.MinWindowSuccessRate,
			MinLatencySamples:      cfg.MinLatencySamples,
			MaxAvgResponseTime:     cfg.MaxAvgResponseTime,
		},
		relays:     make(map[string]*relay),
		byKey:      make(map[string]string),
		scores:     make(map[string]*model.ScoreRecord),
		quarantine: make(map[string]time.Time),
		loadLevel:  level,
		breaker:    newBreaker(cfg.CircuitBreakerConf),
		now:        time.Now,
	}
}

// Admit adds a validated candidate. It is a no-op for invalid results, keys already in the
// pool and a full pool.
func (m *Manager) Admit(c model.Candidate, res model.ValidationResult) (string, bool) {
	if !res.Valid {
		return "", false
	}
	key := c.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[key]; exists {
		return "", false
	}
	if len(m.relays) >= m.cfg.MaxSize {
		return "", false
	}

	now := m.now()
	r := &relay{
		id:         uuid.NewString(),
		cand:       c,
		stats:      stats.New(m.cfg.PoolConf.WindowSize),
		anonymous:  res.Anonymous,
		admittedAt: now,
	}
	if rec, ok := m.scores[key]; ok {
		r.warmStart(rec, m.cfg.WarmStartSamples)
	}
	r.stats.Seed(true, res.ResponseTime)
	r.score = r.stats.HealthScore()

	m.relays[r.id] = r
	m.byKey[key] = r.id
	m.scores[key] = r.scoreRecord(m.scores[key])
	m.dirty = true

	logger.WithComponent("ProxyPool/Manager").Debug().
		Str("relay_id", r.id).Str("key", key).Float64("score", r.score).
		Msg("Relay admitted.")
	return r.id, true
}

// ReportOutcome records how a request through relay id went.
func (m *Manager) ReportOutcome(id string, o model.Outcome) {
	m.report(id, o, true)
}

func (m *Manager) report(id string, o model.Outcome, fromClient bool) {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[id]
	if !ok {
		l.Debug().Str("relay_id", id).Msg("Outcome for unknown relay ignored.")
		return
	}

	now := m.now()
	if !o.Success {
		o.FailureKind = o.FailureKind.Normalize()
	}
	r.stats.Record(o)
	if o.Success {
		r.lastSuccess = now
	} else {
		r.lastFailure = now
	}
	r.score = r.stats.HealthScore()
	if fromClient {
		m.breaker.record(o.Success, now)
	}

	if !r.liftExpiredBan(now) {
		if ban, reason := r.stats.ShouldBan(m.banPolicy); ban {
			r.banned = true
			r.banUntil = now.Add(m.cfg.BanDuration)
			l.Warn().
				Str("relay_id", id).Str("key", r.cand.Key()).Str("reason", reason).
				Dur("ban_duration", m.cfg.BanDuration).
				Msg("Relay banned.")
		}
	}

	key := r.cand.Key()
	m.scores[key] = r.scoreRecord(m.scores[key])
	m.dirty = true
}

// Checkout picks a relay for the given load level ("" means the current default level).
// It returns nil when the circuit breaker is open, the level's concurrency budget is spent,
// or no relay can take another request.
func (m *Manager) Checkout(level string) *Lease {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.breaker.isOpen(now) {
		l.Debug().Msg("Checkout refused: circuit breaker open.")
		return nil
	}

	if level == "" {
		level = m.loadLevel
	}
	lv, ok := m.cfg.LoadLevel(level)
	if !ok {
		l.Debug().Str("level", level).Msg("Unknown load level, using current default.")
		lv, _ = m.cfg.LoadLevel(m.loadLevel)
	}

	inUse := 0
	for _, r := range m.relays {
		inUse += r.inUse
	}
	if inUse >= lv.MaxConcurrentRequests {
		l.Debug().Int("in_use", inUse).Int("limit", lv.MaxConcurrentRequests).Msg("Checkout refused: level concurrency limit reached.")
		return nil
	}

	perRelayCap := m.cfg.MaxConcurrentPerRelay
	var eligible, unbanned []selector.Candidate
	for _, r := range m.relays {
		if r.liftExpiredBan(now) {
			continue
		}
		c := r.selectorCandidate()
		unbanned = append(unbanned, c)
		if r.inUse < perRelayCap && r.score >= lv.MinHealthScore {
			eligible = append(eligible, c)
		}
	}

	var chosen selector.Candidate
	if len(eligible) > 0 {
		var err error
		chosen, err = m.balancer.Select(eligible, now)
		if err != nil {
			return nil
		}
	} else {
		best, ok := selector.Best(unbanned)
		if !ok || best.InUse >= perRelayCap {
			l.Warn().Str("level", level).Float64("min_health_score", lv.MinHealthScore).Msg("No relay available.")
			return nil
		}
		l.Warn().Str("relay_id", best.ID).Float64("score", best.Score).Float64("min_health_score", lv.MinHealthScore).
			Msg("No relay meets the health threshold, falling back to the best one.")
		chosen = best
	}

	r := m.relays[chosen.ID]
	r.inUse++
	r.lastUsed = now
	key := r.cand.Key()
	m.scores[key] = r.scoreRecord(m.scores[key])
	m.dirty = true
	return &Lease{ID: r.id, Candidate: r.cand, m: m}
}

// Release returns one in-flight request on relay id. The count never goes below zero.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[id]
	if !ok {
		logger.WithComponent("ProxyPool/Manager").Debug().Str("relay_id", id).Msg("Release of unknown relay ignored.")
		return
	}
	if r.inUse > 0 {
		r.inUse--
	}
}

// SetLoadLevel changes the level used by Checkout("").
func (m *Manager) SetLoadLevel(level string) error {
	level = strings.ToLower(level)
	if _, ok := m.cfg.LoadLevel(level); !ok {
		return fmt.Errorf("unknown load level %q", level)
	}
	m.mu.Lock()
	m.loadLevel = level
	m.mu.Unlock()
	logger.WithComponent("ProxyPool/Manager").Info().Str("level", level).Msg("Load level changed.")
	return nil
}

// LoadLevel returns the current default load level.
func (m *Manager) LoadLevel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLevel
}

// Stats summarizes the pool. The average health score covers relays that are not banned.
func (m *Manager) Stats() model.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ps := model.PoolStats{
		Total:       len(m.relays),
		LoadLevel:   m.loadLevel,
		CircuitOpen: m.breaker.isOpen(now),
	}
	var sum float64
	for _, r := range m.relays {
		ps.InUse += r.inUse
		if r.banned && now.Before(r.banUntil) {
			ps.Banned++
			continue
		}
		ps.Available++
		sum += r.score
	}
	if ps.Available > 0 {
		ps.AvgHealthScore = sum / float64(ps.Available)
	}
	return ps
}

// Snapshot returns read-only copies of every relay, best score first.
func (m *Manager) Snapshot() []model.RelaySnapshot {
	m.mu.Lock()
	now := m.now()
	out := make([]model.RelaySnapshot, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r.snapshot(now))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start 启动管理器的所有后台任务：刷新、再验证与评分缓存写入。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.loadScores(ctx); err != nil {
		l.Error().Err(err).Msg("Failed to load score cache. Starting cold.")
	}

	ctx, m.cancel = context.WithCancel(ctx)

	tick := maintenanceTick
	if m.cfg.RefreshInterval < tick {
		tick = m.cfg.RefreshInterval
	}
	l.Info().
		Dur("refresh_interval", m.cfg.RefreshInterval).
		Dur("health_check_interval", m.cfg.HealthCheckInterval).
		Msg("Schedulers initialized.")

	m.wg.Add(3)
	go m.loop(ctx, tick, func(ctx context.Context) { m.Refresh(ctx) }, true)
	go m.loop(ctx, m.cfg.HealthCheckInterval, func(ctx context.Context) { m.Revalidate(ctx) }, false)
	go m.loop(ctx, scoreFlushInterval, func(ctx context.Context) { m.flushScores(ctx) }, false)
}

// loop runs fn on every tick until ctx is cancelled.
func (m *Manager) loop(ctx context.Context, every time.Duration, fn func(context.Context), immediate bool) {
	defer m.wg.Done()
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop 优雅地停止所有后台任务，等待它们退出（最长到 ctx 截止），然后写出评分缓存。
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("background tasks did not stop in time: %w", ctx.Err())
	}

	if flushErr := m.flushScores(context.WithoutCancel(ctx)); flushErr != nil {
		err = multierr.Append(err, flushErr)
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
	return err
}
