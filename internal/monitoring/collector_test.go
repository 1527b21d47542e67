package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/quota"
)

type countStore struct {
	total    int64
	enriched int64
	err      error
}

func (s *countStore) FetchBatch(context.Context, int64, int) ([]model.Word, error) { return nil, nil }
func (s *countStore) UpdateWords(context.Context, []model.Word) error              { return nil }
func (s *countStore) InsertWords(context.Context, []model.Word) (int64, error)     { return 0, nil }
func (s *countStore) CountWords(context.Context) (int64, error)                    { return s.total, s.err }
func (s *countStore) CountEnriched(context.Context) (int64, error) {
	return s.enriched, s.err
}
func (s *countStore) Migrate(context.Context) error { return nil }
func (s *countStore) Close() error                  { return nil }

type fixedPool struct{ states []quota.State }

func (p *fixedPool) States() []quota.State { return p.states }

func TestCollectOfflineStatus(t *testing.T) {
	cps := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), nil)
	seed := checkpoint.Checkpoint{RunID: "run-1", Cursor: 40, Counters: map[string]int{"batches_ok": 2}}
	seed.AddSkipped(20, 20)
	require.NoError(t, cps.Save(seed))

	c := NewCollector(&countStore{total: 100, enriched: 40}, cps, nil, nil)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(100), snap.TotalWords)
	assert.Equal(t, int64(40), snap.EnrichedWords)
	assert.InDelta(t, 0.4, snap.Coverage, 1e-9)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, int64(40), snap.Cursor)
	assert.Equal(t, 1, snap.SkippedRanges)
	assert.Equal(t, 20, snap.SkippedItems)
	assert.Nil(t, snap.Credentials)
	assert.Nil(t, snap.Run)
}

func TestCollectLiveRunIncludesPoolAndStats(t *testing.T) {
	pool := &fixedPool{states: []quota.State{
		{Masked: "sk-a…abcd", RequestCount: 3, HourlyCount: 10, DailyCount: 42, LastRequest: time.Unix(1000, 0)},
		{Masked: "sk-b…efgh", RateLimitHit: true},
	}}
	stats := model.NewRunStats()
	stats.AddProcessed(7)

	c := NewCollector(&countStore{total: 10}, nil, pool, stats)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Credentials, 2)
	assert.Equal(t, "sk-a…abcd", snap.Credentials[0].Key)
	assert.True(t, snap.Credentials[1].RateLimitHit)
	require.NotNil(t, snap.Run)
	assert.Equal(t, 7, snap.Run.ItemsProcessed)
	assert.Zero(t, snap.Cursor)
}

func TestCollectStoreError(t *testing.T) {
	c := NewCollector(&countStore{err: assert.AnError}, nil, nil, nil)
	_, err := c.Collect(context.Background())
	require.Error(t, err)
}
