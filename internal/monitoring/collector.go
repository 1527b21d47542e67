// Package monitoring assembles the status snapshot served by the status
// command and the HTTP status endpoint.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/quota"
	"github.com/wordtrail/enrich-cli/internal/store"
)

// CredentialStatus is one pool entry with its key masked for display.
type CredentialStatus struct {
	Key          string    `json:"key"`
	RateLimitHit bool      `json:"rate_limit_hit"`
	RequestCount int       `json:"request_count"`
	HourlyCount  int       `json:"hourly_count"`
	DailyCount   int       `json:"daily_count"`
	LastRequest  time.Time `json:"last_request,omitempty"`
}

// Snapshot holds a point-in-time view of run progress and pool health.
type Snapshot struct {
	// Store coverage.
	TotalWords    int64   `json:"total_words"`
	EnrichedWords int64   `json:"enriched_words"`
	Coverage      float64 `json:"coverage"`

	// Checkpoint, when a run is in progress or was interrupted.
	RunID         string         `json:"run_id,omitempty"`
	Cursor        int64          `json:"cursor"`
	Counters      map[string]int `json:"counters,omitempty"`
	SkippedRanges int            `json:"skipped_ranges"`
	SkippedItems  int            `json:"skipped_items"`

	// Credential pool, when a run is live in this process.
	Credentials []CredentialStatus `json:"credentials,omitempty"`

	// Live run stats, when available.
	Run *model.RunStatsSnapshot `json:"run,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// PoolStates is the slice of live credential counters. Implemented by
// *quota.Tracker; nil when no run is active in this process.
type PoolStates interface {
	States() []quota.State
}

// Collector gathers the snapshot from the store, the checkpoint file,
// and (when live) the tracker and run stats.
type Collector struct {
	store       store.Store
	checkpoints *checkpoint.Store
	pool        PoolStates
	stats       *model.RunStats
}

// NewCollector creates a collector. pool and stats may be nil for the
// offline status command.
func NewCollector(st store.Store, cps *checkpoint.Store, pool PoolStates, stats *model.RunStats) *Collector {
	return &Collector{store: st, checkpoints: cps, pool: pool, stats: stats}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	total, err := c.store.CountWords(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count words")
	}
	enriched, err := c.store.CountEnriched(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count enriched")
	}
	snap.TotalWords = total
	snap.EnrichedWords = enriched
	if total > 0 {
		snap.Coverage = float64(enriched) / float64(total)
	}

	if c.checkpoints != nil {
		cp, err := c.checkpoints.Load()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: load checkpoint")
		}
		snap.RunID = cp.RunID
		snap.Cursor = cp.Cursor
		snap.Counters = cp.Counters
		snap.SkippedRanges = len(cp.Skipped)
		for _, r := range cp.Skipped {
			snap.SkippedItems += r.Count
		}
	}

	if c.pool != nil {
		for _, st := range c.pool.States() {
			snap.Credentials = append(snap.Credentials, CredentialStatus{
				Key:          st.Masked,
				RateLimitHit: st.RateLimitHit,
				RequestCount: st.RequestCount,
				HourlyCount:  st.HourlyCount,
				DailyCount:   st.DailyCount,
				LastRequest:  st.LastRequest,
			})
		}
	}

	if c.stats != nil {
		run := c.stats.Snapshot()
		snap.Run = &run
	}

	return snap, nil
}
