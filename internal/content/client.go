// Package content issues the actual generation requests: one request
// per stage per batch, routed through the credential pool, paced by the
// quota tracker, and memoized in a TTL cache.
package content

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/quota"
	"github.com/wordtrail/enrich-cli/internal/resilience"
	"github.com/wordtrail/enrich-cli/internal/stage"
	"github.com/wordtrail/enrich-cli/pkg/anthropic"
)

// Picker chooses the credential for the next request. Implemented by
// *keypool.Selector.
type Picker interface {
	Select(exclude ...string) (quota.State, error)
}

// Throttle records usage and enforces spacing for one credential.
// Implemented by *quota.Tracker.
type Throttle interface {
	Enforce(ctx context.Context, key string) error
	Record(key string)
	MarkRateLimited(key string)
}

// Config tunes the content client.
type Config struct {
	Model             string
	MaxTokens         int64
	Temperature       float64 // 0 leaves the model default
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	CacheTTL          time.Duration
	CacheMaxEntries   int
}

// DefaultConfig returns production settings. The low temperature keeps
// the structured JSON replies stable across runs.
func DefaultConfig() Config {
	return Config{
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         4096,
		Temperature:       0.2,
		RequestTimeout:    90 * time.Second,
		RequestsPerSecond: 1,
		CacheTTL:          time.Hour,
		CacheMaxEntries:   512,
	}
}

// Client implements stage.Caller against the Anthropic API.
type Client struct {
	cfg      Config
	picker   Picker
	throttle Throttle
	factory  anthropic.Factory
	cache    *Cache
	pacer    *rate.Limiter
	breaker  *resilience.Breaker
	stats    *model.RunStats

	mu      sync.Mutex
	clients map[string]anthropic.Client
	usage   anthropic.TokenUsage
}

// NewClient wires the content client. stats may be nil; clock drives
// cache expiry and may be nil for wall-clock time.
func NewClient(cfg Config, picker Picker, throttle Throttle, factory anthropic.Factory, stats *model.RunStats, clock quota.Clock) *Client {
	if stats == nil {
		stats = model.NewRunStats()
	}
	return &Client{
		cfg:      cfg,
		picker:   picker,
		throttle: throttle,
		factory:  factory,
		cache:    NewCache(cfg.CacheTTL, cfg.CacheMaxEntries, clock),
		pacer:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: resilience.NewBreaker("anthropic", resilience.BreakerConfig{
			// Rate limits are handled by flagging the credential and
			// reselecting, and a cancelled run is not a service fault;
			// only sustained hard failures should trip.
			ShouldTrip: func(err error) bool {
				return err != nil && !anthropic.IsRateLimit(err) && !errors.Is(err, context.Canceled)
			},
		}),
		stats:   stats,
		clients: make(map[string]anthropic.Client),
	}
}

// Cache exposes the response cache for status snapshots.
func (c *Client) Cache() *Cache { return c.cache }

// Usage returns the accumulated token consumption of every request this
// client has completed.
func (c *Client) Usage() anthropic.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Call performs one generation request for the stage over the batch.
// On a rate-limited reply it flags the credential and retries exactly
// once with a different one; every other failure is returned classified
// for the orchestrator to act on.
func (c *Client) Call(ctx context.Context, st stage.Stage, batch []model.Word) (map[string]stage.Output, error) {
	system := st.SystemPrompt()
	prompt := st.BuildPrompt(batch)

	key := CacheKey(st.Name(), system, prompt)
	if outputs, ok := c.cache.Get(key); ok {
		zap.L().Debug("content: cache hit",
			zap.String("stage", st.Name()),
			zap.Int("batch", len(batch)),
		)
		return outputs, nil
	}

	raw, err := c.request(ctx, st, system, prompt)
	if err != nil {
		return nil, err
	}

	outputs, err := st.Parse(raw)
	if err != nil {
		return nil, resilience.Malformed(eris.Wrapf(err, "content: stage %s", st.Name()))
	}

	c.cache.Put(key, outputs)
	return outputs, nil
}

// request selects a credential, waits out per-key quota and the global
// pacer, then issues the API call. A rate-limited first attempt flags
// the credential and runs one more attempt excluding it.
func (c *Client) request(ctx context.Context, st stage.Stage, system, prompt string) (string, error) {
	var exclude []string

	for attempt := 0; ; attempt++ {
		cred, err := c.picker.Select(exclude...)
		if err != nil {
			return "", err
		}

		if err := c.throttle.Enforce(ctx, cred.Key); err != nil {
			return "", err
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "content: pacing interrupted")
		}
		if err := c.breaker.Allow(); err != nil {
			return "", eris.Wrapf(err, "content: stage %s", st.Name())
		}

		req := anthropic.MessageRequest{
			Model:     c.cfg.Model,
			MaxTokens: c.cfg.MaxTokens,
			System:    anthropic.BuildCachedSystemBlocks(system),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		}
		if c.cfg.Temperature > 0 {
			req.Temperature = &c.cfg.Temperature
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		resp, err := c.clientFor(cred.Key).CreateMessage(reqCtx, req)
		cancel()
		c.breaker.Record(err)

		if err == nil {
			c.throttle.Record(cred.Key)
			c.stats.Request(cred.Masked)
			c.addUsage(resp.Usage)
			resp.Usage.LogCost(c.cfg.Model, st.Name())
			return resp.Text(), nil
		}

		c.stats.KeyError(cred.Masked)

		switch {
		case anthropic.IsRateLimit(err):
			c.throttle.MarkRateLimited(cred.Key)
			if attempt > 0 {
				return "", resilience.RateLimited(eris.Wrapf(err, "content: stage %s rate limited twice", st.Name()))
			}
			zap.L().Warn("content: credential rate limited, retrying with another",
				zap.String("stage", st.Name()),
				zap.String("key", cred.Masked),
			)
			exclude = []string{cred.Key}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// The request context expired but the run as a whole did
			// not: a per-request timeout, not a cancellation.
			return "", resilience.Timeout(eris.Wrapf(err, "content: stage %s", st.Name()))
		default:
			return "", eris.Wrapf(err, "content: stage %s request failed", st.Name())
		}
	}
}

func (c *Client) addUsage(u anthropic.TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Add(u)
}

func (c *Client) clientFor(key string) anthropic.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[key]
	if !ok {
		cl = c.factory(key)
		c.clients[key] = cl
	}
	return cl
}
