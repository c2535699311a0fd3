// Package selector ranks eligible relays for checkout.
package selector

import (
	"errors"
	"math"
	"time"
)

// DefaultRotationWindow is how long a relay must sit idle before its recency term saturates.
const DefaultRotationWindow = 300 * time.Second

// ErrNoCandidates is returned when Select receives an empty list.
var ErrNoCandidates = errors.New("selector: no candidates")

// Candidate is the view of a relay the selector needs.
type Candidate struct {
	ID       string
	Score    float64
	InUse    int
	LastUsed time.Time // zero if never handed out
}

// Balancer picks one relay among eligible candidates.
type Balancer interface {
	Select(cands []Candidate, now time.Time) (Candidate, error)
}

// RotationBalancer prefers healthy, idle and least-recently-used relays.
type RotationBalancer struct {
	PerRelayCap    int
	RotationWindow time.Duration
}

// NewRotationBalancer returns a balancer using the given per-relay cap and rotation window.
func NewRotationBalancer(perRelayCap int, rotationWindow time.Duration) *RotationBalancer {
	if rotationWindow <= 0 {
		rotationWindow = DefaultRotationWindow
	}
	return &RotationBalancer{PerRelayCap: perRelayCap, RotationWindow: rotationWindow}
}

// Weight scores c for the balancer's cap and rotation window.
func (b *RotationBalancer) Weight(c Candidate, now time.Time) float64 {
	return Weight(c.Score, c.InUse, b.PerRelayCap, c.LastUsed, now, b.RotationWindow)
}

// Weight is 0.4*score + 0.3*idle capacity + 0.3*time since last use.
// A relay that was never handed out gets full recency credit.
func Weight(score float64, inUse, perRelayCap int, lastUsed, now time.Time, window time.Duration) float64 {
	load := 0.0
	if perRelayCap > 0 {
		load = math.Max(0, 1-float64(inUse)/float64(perRelayCap))
	}
	recency := 1.0
	if !lastUsed.IsZero() {
		if window <= 0 {
			window = DefaultRotationWindow
		}
		recency = math.Min(1, math.Max(0, now.Sub(lastUsed).Seconds()/window.Seconds()))
	}
	return 0.4*score + 0.3*load + 0.3*recency
}

// Select returns the candidate with the highest weight. Ties go to the one with fewer
// in-flight requests, then to the lower id so the choice is stable.
func (b *RotationBalancer) Select(cands []Candidate, now time.Time) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	best := cands[0]
	bestWeight := b.Weight(best, now)
	for _, c := range cands[1:] {
		w := b.Weight(c, now)
		switch {
		case w > bestWeight:
		case w == bestWeight && c.InUse < best.InUse:
		case w == bestWeight && c.InUse == best.InUse && c.ID < best.ID:
		default:
			continue
		}
		best, bestWeight = c, w
	}
	return best, nil
}

// Best returns the candidate with the highest score, ignoring load and recency.
// The pool uses it as the fallback when no relay clears the load-level floor.
func Best(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score || (c.Score == best.Score && c.InUse < best.InUse) {
			best = c
		}
	}
	return best, true
}
