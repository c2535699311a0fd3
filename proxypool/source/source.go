// Package source aggregates relay candidates from configured public and paid sources.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
	"relaypool/proxypool/model"
)

const (
	// emaAlpha weighs the latest cycle's yield against the running success rate.
	emaAlpha = 0.3
	// maxZeroYieldStreak consecutive cycles without a single valid relay deactivate a source.
	maxZeroYieldStreak = 3
	// staleFactor times the fetch interval without a successful fetch deactivates a source.
	staleFactor = 3
)

// ErrUnknownSource is returned for names the registry has never seen.
var ErrUnknownSource = errors.New("unknown source")

// FetchError wraps a failed fetch from one source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Source is the registry's record of one source.
type Source struct {
	Profile         types.SourceProfile `json:"profile"`
	SuccessRate     float64             `json:"success_rate"`
	Active          bool                `json:"active"`
	ZeroYieldStreak int                 `json:"zero_yield_streak"`
	LastYield       int                 `json:"last_yield"`
	LastError       string              `json:"last_error,omitempty"`
	LastAttempt     time.Time           `json:"last_attempt"`
	LastSuccess     time.Time           `json:"last_success"`
	CreatedAt       time.Time           `json:"created_at"`

	activatedAt time.Time
}

// Registry owns the configured sources and their yield statistics.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*Source
	client  *resty.Client
	now     func() time.Time
}

// NewRegistry registers every profile. Later duplicates of a name replace earlier ones.
func NewRegistry(profiles []*types.SourceProfile) *Registry {
	r := &Registry{
		sources: make(map[string]*Source, len(profiles)),
		client:  resty.New().SetRetryCount(0),
		now:     time.Now,
	}
	for _, p := range profiles {
		if p != nil {
			r.Register(*p)
		}
	}
	return r
}

// Register adds or replaces a source.
func (r *Registry) Register(p types.SourceProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sources[p.Name] = &Source{
		Profile:     p,
		SuccessRate: 1.0,
		Active:      p.Active,
		CreatedAt:   now,
		activatedAt: now,
	}
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetch returns the candidates currently offered by one source. Inactive sources and
// sources attempted within their fetch interval return nothing without network I/O.
func (r *Registry) Fetch(ctx context.Context, name string) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Source")

	r.mu.Lock()
	src, ok := r.sources[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	now := r.now()
	interval := src.Profile.FetchEvery()
	if !src.Active || (!src.LastAttempt.IsZero() && interval > 0 && now.Sub(src.LastAttempt) < interval) {
		r.mu.Unlock()
		return nil, nil
	}
	src.LastAttempt = now
	profile := src.Profile
	r.mu.Unlock()

	var cands []model.Candidate
	scraper, err := newScraper(profile, r.client, now)
	if err == nil {
		l.Info().Str("source", name).Str("parser", profile.Parser).Msg("Starting fetch...")
		cands, err = scraper.Scrape(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		fetchErr := &FetchError{Source: name, Err: err}
		src.SuccessRate = (1 - emaAlpha) * src.SuccessRate
		src.LastError = err.Error()
		src.LastYield = 0
		l.Warn().Err(err).Str("source", name).Msg("Fetch failed.")
		return nil, fetchErr
	}
	src.LastSuccess = r.now()
	src.LastError = ""
	src.LastYield = len(cands)
	l.Info().Int("count", len(cands)).Str("source", name).Msg("Fetch finished.")
	return cands, nil
}

// FetchAll fetches every active source concurrently and merges the results,
// keeping the first occurrence of each relay key. Per-source failures are logged, not returned.
func (r *Registry) FetchAll(ctx context.Context) []model.Candidate {
	names := r.Names()
	results := make([][]model.Candidate, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			cands, err := r.Fetch(ctx, name)
			if err == nil {
				results[i] = cands
			}
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var merged []model.Candidate
	for _, batch := range results {
		for _, c := range batch {
			if _, dup := seen[c.Key()]; dup {
				continue
			}
			seen[c.Key()] = struct{}{}
			merged = append(merged, c)
		}
	}
	return merged
}

// UpdateSourceStats folds one validation cycle's yield into the source's success rate.
// Three consecutive cycles with candidates but no valid relay deactivate the source.
func (r *Registry) UpdateSourceStats(name string, valid, total int) {
	if total <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return
	}
	src.SuccessRate = emaAlpha*float64(valid)/float64(total) + (1-emaAlpha)*src.SuccessRate
	if valid == 0 {
		src.ZeroYieldStreak++
	} else {
		src.ZeroYieldStreak = 0
	}
	if src.Active && src.ZeroYieldStreak >= maxZeroYieldStreak {
		src.Active = false
		logger.WithComponent("ProxyPool/Source").Warn().
			Str("source", name).Int("streak", src.ZeroYieldStreak).
			Msg("Source deactivated after consecutive cycles without a valid relay.")
	}
}

// Cleanup deactivates sources that have not fetched successfully for three fetch intervals.
// It returns the names it deactivated.
func (r *Registry) Cleanup() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var stale []string
	for name, src := range r.sources {
		interval := src.Profile.FetchEvery()
		if !src.Active || interval <= 0 {
			continue
		}
		ref := src.activatedAt
		if src.LastSuccess.After(ref) {
			ref = src.LastSuccess
		}
		if now.Sub(ref) > staleFactor*interval {
			src.Active = false
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	if len(stale) > 0 {
		logger.WithComponent("ProxyPool/Source").Info().Int("count", len(stale)).Msgf("Deactivated stale sources: %v", stale)
	}
	return stale
}

// Reactivate turns a deactivated source back on and clears its zero-yield streak.
func (r *Registry) Reactivate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return false
	}
	src.Active = true
	src.ZeroYieldStreak = 0
	src.activatedAt = r.now()
	return true
}

// Snapshot returns copies of every source record, sorted by name.
func (r *Registry) Snapshot() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.Name < out[j].Profile.Name })
	return out
}
