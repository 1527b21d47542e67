// Package keypool picks the best credential for the next outbound call
// by scoring every key in the pool on its current quota pressure.
package keypool

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/quota"
)

// Pool is the credential-state surface the selector needs. Satisfied by
// *quota.Tracker.
type Pool interface {
	States() []quota.State
	Limits() quota.Limits
	ClearRateLimit(key string)
}

// Weights are the tunable coefficients of the selection score. Lower
// scores win.
type Weights struct {
	// RateLimitPenalty is added when a credential has been flagged by a
	// 429. It also serves as the "whole pool is throttled" detection
	// threshold for the recovery valve.
	RateLimitPenalty float64 `yaml:"rate_limit_penalty" mapstructure:"rate_limit_penalty"`
	// PerRequest multiplies the short-window request counter.
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
	// WindowShare multiplies the consumed fraction of the hourly and
	// daily quotas.
	WindowShare float64 `yaml:"window_share" mapstructure:"window_share"`
	// IdleCredit caps the bonus for time since last use.
	IdleCredit time.Duration `yaml:"idle_credit" mapstructure:"idle_credit"`
}

// DefaultWeights returns the standard scoring coefficients.
func DefaultWeights() Weights {
	return Weights{
		RateLimitPenalty: 1000,
		PerRequest:       10,
		WindowShare:      100,
		IdleCredit:       60 * time.Second,
	}
}

// Selector scores the pool and returns the least-loaded credential.
type Selector struct {
	pool  Pool
	w     Weights
	clock quota.Clock
}

// NewSelector builds a Selector over pool.
func NewSelector(pool Pool, w Weights, clock quota.Clock) *Selector {
	if clock == nil {
		clock = quota.RealClock()
	}
	return &Selector{pool: pool, w: w, clock: clock}
}

// score computes the selection score for one credential; lower is better.
func (s *Selector) score(st quota.State, limits quota.Limits, now time.Time) float64 {
	score := 0.0
	if st.RateLimitHit {
		score += s.w.RateLimitPenalty
	}
	score += s.w.PerRequest * float64(st.RequestCount)
	if limits.Hourly > 0 {
		score += s.w.WindowShare * float64(st.HourlyCount) / float64(limits.Hourly)
	}
	if limits.Daily > 0 {
		score += s.w.WindowShare * float64(st.DailyCount) / float64(limits.Daily)
	}
	if !st.LastRequest.IsZero() {
		idle := now.Sub(st.LastRequest)
		if idle > s.w.IdleCredit {
			idle = s.w.IdleCredit
		}
		score -= idle.Seconds()
	} else {
		score -= s.w.IdleCredit.Seconds()
	}
	return score
}

// Select returns the best credential, skipping any excluded keys. When
// every candidate is effectively rate-limited it force-clears the
// least-recently-used credential and returns it, so a fully throttled
// pool cannot deadlock the run.
func (s *Selector) Select(exclude ...string) (quota.State, error) {
	states := s.pool.States()
	if len(states) == 0 {
		return quota.State{}, eris.New("keypool: empty pool")
	}

	excluded := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		excluded[k] = true
	}

	candidates := make([]quota.State, 0, len(states))
	for _, st := range states {
		if !excluded[st.Key] {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		// Exclusions emptied the pool (e.g. a single-key pool retrying
		// after a 429). Better to reuse the excluded key than to stall.
		zap.L().Warn("keypool: exclusions cover the whole pool, ignoring them")
		candidates = states
	}

	limits := s.pool.Limits()
	now := s.clock.Now()

	best := candidates[0]
	bestScore := s.score(best, limits, now)
	for _, st := range candidates[1:] {
		if sc := s.score(st, limits, now); sc < bestScore {
			best, bestScore = st, sc
		}
	}

	if bestScore >= s.w.RateLimitPenalty {
		// Every candidate carries the penalty: the pool is fully
		// throttled. Recovery valve: un-flag the LRU credential.
		lru := candidates[0]
		for _, st := range candidates[1:] {
			if st.LastRequest.Before(lru.LastRequest) {
				lru = st
			}
		}
		s.pool.ClearRateLimit(lru.Key)
		lru.RateLimitHit = false
		zap.L().Warn("keypool: pool fully rate limited, recovering LRU credential",
			zap.String("key", lru.Masked),
		)
		return lru, nil
	}

	zap.L().Debug("keypool: selected credential",
		zap.String("key", best.Masked),
		zap.Float64("score", bestScore),
	)
	return best, nil
}
