// Package quota owns per-credential request accounting for the content
// service key pool. All counter mutation goes through the Tracker, which
// serializes access with a single mutex so concurrent batch shards can
// share one pool.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// Limits caps requests per credential per time window.
type Limits struct {
	PerMinute int `yaml:"per_minute" mapstructure:"per_minute"`
	Hourly    int `yaml:"hourly" mapstructure:"hourly"`
	Daily     int `yaml:"daily" mapstructure:"daily"`
}

// DefaultLimits matches the free-tier quotas of the content service.
func DefaultLimits() Limits {
	return Limits{PerMinute: 15, Hourly: 250, Daily: 1000}
}

// Backoff holds the sleep durations applied by Enforce, longest first.
// Threshold is the fraction of a window quota at which backoff begins.
type Backoff struct {
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	DailySlowdown  time.Duration `yaml:"daily_slowdown" mapstructure:"daily_slowdown"`
	HourlySlowdown time.Duration `yaml:"hourly_slowdown" mapstructure:"hourly_slowdown"`
	MinuteSlowdown time.Duration `yaml:"minute_slowdown" mapstructure:"minute_slowdown"`
	MinSpacing     time.Duration `yaml:"min_spacing" mapstructure:"min_spacing"`
	Threshold      float64       `yaml:"threshold" mapstructure:"threshold"`
	DecayInterval  time.Duration `yaml:"decay_interval" mapstructure:"decay_interval"`
}

// DefaultBackoff returns the standard backoff ladder.
func DefaultBackoff() Backoff {
	return Backoff{
		Cooldown:       60 * time.Second,
		DailySlowdown:  30 * time.Second,
		HourlySlowdown: 15 * time.Second,
		MinuteSlowdown: 5 * time.Second,
		MinSpacing:     time.Second,
		Threshold:      0.8,
		DecayInterval:  4 * time.Second,
	}
}

// State is a value copy of one credential's counters, handed to the
// selector and to stats snapshots.
type State struct {
	Key          string
	Masked       string
	RateLimitHit bool
	RequestCount int
	HourlyCount  int
	DailyCount   int
	LastRequest  time.Time
}

// credential is the tracker-owned mutable record for one API key.
type credential struct {
	key          string
	masked       string
	rateLimitHit bool
	requestCount int
	hourlyCount  int
	dailyCount   int
	lastRequest  time.Time
	lastDecay    time.Time
}

// Tracker owns the credential pool's counters. Membership is fixed for
// the run's lifetime; only counters mutate.
type Tracker struct {
	mu    sync.Mutex
	creds []*credential
	byKey map[string]*credential

	limits  Limits
	backoff Backoff
	clock   Clock

	// Pool-wide window rollover marks, evaluated lazily on each touch
	// instead of by background timers.
	lastHourlyReset time.Time
	lastDailyReset  time.Time
}

// NewTracker builds a Tracker over the given API keys.
func NewTracker(keys []string, limits Limits, backoff Backoff, clock Clock) (*Tracker, error) {
	if len(keys) == 0 {
		return nil, eris.New("quota: credential pool is empty")
	}
	if clock == nil {
		clock = RealClock()
	}
	now := clock.Now()

	t := &Tracker{
		byKey:           make(map[string]*credential, len(keys)),
		limits:          limits,
		backoff:         backoff,
		clock:           clock,
		lastHourlyReset: now,
		lastDailyReset:  now,
	}
	for _, k := range keys {
		if _, dup := t.byKey[k]; dup {
			return nil, eris.Errorf("quota: duplicate credential %s", MaskKey(k))
		}
		c := &credential{key: k, masked: MaskKey(k), lastDecay: now}
		t.creds = append(t.creds, c)
		t.byKey[k] = c
	}
	return t, nil
}

// touch applies lazy window rollover and per-minute decay. Caller must
// hold the lock.
func (t *Tracker) touch(now time.Time) {
	if now.Sub(t.lastDailyReset) >= 24*time.Hour {
		for _, c := range t.creds {
			c.dailyCount = 0
			c.hourlyCount = 0
		}
		t.lastDailyReset = now
		t.lastHourlyReset = now
		zap.L().Info("quota: daily counters reset")
	} else if now.Sub(t.lastHourlyReset) >= time.Hour {
		for _, c := range t.creds {
			c.hourlyCount = 0
		}
		t.lastHourlyReset = now
		zap.L().Info("quota: hourly counters reset")
	}

	// Rolling per-minute window modeled as a lazy decay: the short
	// counter loses one unit per DecayInterval elapsed.
	if t.backoff.DecayInterval <= 0 {
		return
	}
	for _, c := range t.creds {
		if c.requestCount == 0 {
			c.lastDecay = now
			continue
		}
		steps := int(now.Sub(c.lastDecay) / t.backoff.DecayInterval)
		if steps <= 0 {
			continue
		}
		if steps > c.requestCount {
			steps = c.requestCount
		}
		c.requestCount -= steps
		c.lastDecay = c.lastDecay.Add(time.Duration(steps) * t.backoff.DecayInterval)
	}
}

// Record accounts one successful outbound request on key.
func (t *Tracker) Record(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byKey[key]
	if !ok {
		return
	}
	now := t.clock.Now()
	t.touch(now)

	c.requestCount++
	c.hourlyCount++
	c.dailyCount++
	c.lastRequest = now
	c.rateLimitHit = false
}

// MarkRateLimited flags key after a rate-limit response from the service.
func (t *Tracker) MarkRateLimited(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byKey[key]; ok {
		c.rateLimitHit = true
		zap.L().Warn("quota: credential rate limited", zap.String("key", c.masked))
	}
}

// ClearRateLimit force-clears the rate-limit flag on key. Used by the
// selector's recovery valve when the whole pool is throttled.
func (t *Tracker) ClearRateLimit(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byKey[key]; ok && c.rateLimitHit {
		c.rateLimitHit = false
		zap.L().Warn("quota: force-clearing rate limit flag", zap.String("key", c.masked))
	}
}

// States returns value copies of every credential's counters after
// applying lazy rollover.
func (t *Tracker) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.touch(t.clock.Now())
	out := make([]State, len(t.creds))
	for i, c := range t.creds {
		out[i] = State{
			Key:          c.key,
			Masked:       c.masked,
			RateLimitHit: c.rateLimitHit,
			RequestCount: c.requestCount,
			HourlyCount:  c.hourlyCount,
			DailyCount:   c.dailyCount,
			LastRequest:  c.lastRequest,
		}
	}
	return out
}

// Limits returns the per-credential window quotas.
func (t *Tracker) Limits() Limits { return t.limits }

// waitReason names the first backoff rule that tripped for Enforce.
type waitReason string

const (
	waitNone     waitReason = "none"
	waitCooldown waitReason = "cooldown"
	waitDaily    waitReason = "daily"
	waitHourly   waitReason = "hourly"
	waitMinute   waitReason = "minute"
	waitSpacing  waitReason = "spacing"
)

// decideWait computes the blocking delay Enforce must apply for key.
// Checks run in priority order and only the first tripping threshold
// contributes a backoff sleep; the minimum spacing floor rides inside
// any longer wait. Caller must hold the lock.
func (t *Tracker) decideWait(c *credential, now time.Time) (time.Duration, waitReason) {
	wait := time.Duration(0)
	reason := waitNone

	switch {
	case c.rateLimitHit:
		wait, reason = t.backoff.Cooldown, waitCooldown
	case t.limits.Daily > 0 && float64(c.dailyCount) >= t.backoff.Threshold*float64(t.limits.Daily):
		wait, reason = t.backoff.DailySlowdown, waitDaily
	case t.limits.Hourly > 0 && float64(c.hourlyCount) >= t.backoff.Threshold*float64(t.limits.Hourly):
		wait, reason = t.backoff.HourlySlowdown, waitHourly
	case t.limits.PerMinute > 0 && float64(c.requestCount) >= t.backoff.Threshold*float64(t.limits.PerMinute):
		wait, reason = t.backoff.MinuteSlowdown, waitMinute
	}

	if !c.lastRequest.IsZero() {
		if spacing := t.backoff.MinSpacing - now.Sub(c.lastRequest); spacing > wait {
			wait = spacing
			if reason == waitNone {
				reason = waitSpacing
			}
		}
	}
	return wait, reason
}

// Enforce blocks until key is allowed to issue its next request. It is
// called after selection so the wait applies to the credential that
// will actually be used. Cancelling ctx aborts the wait.
func (t *Tracker) Enforce(ctx context.Context, key string) error {
	t.mu.Lock()
	c, ok := t.byKey[key]
	if !ok {
		t.mu.Unlock()
		return eris.Errorf("quota: unknown credential %s", MaskKey(key))
	}
	now := t.clock.Now()
	t.touch(now)
	wait, reason := t.decideWait(c, now)
	t.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	if reason != waitSpacing {
		zap.L().Debug("quota: backing off",
			zap.String("key", MaskKey(key)),
			zap.String("reason", string(reason)),
			zap.Duration("wait", wait),
		)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "quota: enforce interrupted")
	case <-timer.C:
	}

	// The cooldown consumes the rate-limit flag once it has been waited out.
	if reason == waitCooldown {
		t.mu.Lock()
		c.rateLimitHit = false
		t.mu.Unlock()
	}
	return nil
}

// MaskKey renders an API key safe for logs: first and last four
// characters with the middle elided.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
