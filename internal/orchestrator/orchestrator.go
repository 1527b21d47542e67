// Package orchestrator drives the enrichment run: fetch a window of
// unprocessed words, run the stage pipeline over it, persist the
// results, advance the checkpoint, repeat until the store is exhausted.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/resilience"
	"github.com/wordtrail/enrich-cli/internal/store"
)

// Runner executes the stage sequence over one batch. Implemented by
// *stage.Pipeline.
type Runner interface {
	Run(ctx context.Context, batch []model.Word) ([]model.Word, error)
}

// SkippedPolicy controls what happens to the identity of a skipped
// batch after its error is counted and the cursor moves past it.
type SkippedPolicy string

const (
	// PolicyRecord writes the skipped window into the checkpoint so a
	// later --retry-skipped pass can pick it up.
	PolicyRecord SkippedPolicy = "record"
	// PolicyIgnore abandons skipped batches entirely.
	PolicyIgnore SkippedPolicy = "ignore"
)

// Config tunes the run loop.
type Config struct {
	BatchSize       int
	Limit           int // max items this run; 0 means no limit
	Shards          int // sub-batches enriched concurrently per window
	InterBatchDelay time.Duration
	ErrorBackoff    time.Duration
	SkippedPolicy   SkippedPolicy
	RetrySkipped    bool
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		Shards:          1,
		InterBatchDelay: 500 * time.Millisecond,
		ErrorBackoff:    5 * time.Second,
		SkippedPolicy:   PolicyRecord,
	}
}

// Orchestrator is the top-level run loop. Single writer for both the
// store and the checkpoint file; concurrent runs against the same
// checkpoint are not supported.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	pipeline    Runner
	checkpoints *checkpoint.Store
	stats       *model.RunStats

	cp   checkpoint.Checkpoint
	base map[string]int // counters inherited from a resumed checkpoint
}

// New wires the orchestrator. stats may be nil.
func New(cfg Config, st store.Store, pipeline Runner, cps *checkpoint.Store, stats *model.RunStats) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.SkippedPolicy == "" {
		cfg.SkippedPolicy = DefaultConfig().SkippedPolicy
	}
	if stats == nil {
		stats = model.NewRunStats()
	}
	return &Orchestrator{cfg: cfg, store: st, pipeline: pipeline, checkpoints: cps, stats: stats}
}

// Stats exposes the run's counters for status reporting.
func (o *Orchestrator) Stats() *model.RunStats { return o.stats }

// Run executes the loop until the store has no more unprocessed words,
// the configured item limit is reached, or ctx is cancelled. On
// cancellation the checkpoint is saved at the last persisted boundary
// before returning, so at most one window is ever reprocessed after a
// restart. Completion deletes the checkpoint file.
func (o *Orchestrator) Run(ctx context.Context) error {
	cp, err := o.checkpoints.Load()
	if err != nil {
		return err
	}
	o.cp = cp
	o.base = cp.Counters

	if cp.RunID == "" {
		o.cp.RunID = uuid.NewString()
		zap.L().Info("starting run", zap.String("run_id", o.cp.RunID))
	} else {
		zap.L().Info("resuming run",
			zap.String("run_id", cp.RunID),
			zap.Int64("cursor", cp.Cursor),
			zap.Int("skipped_ranges", len(cp.Skipped)),
		)
	}

	if o.cfg.RetrySkipped && len(o.cp.Skipped) > 0 {
		if err := o.retrySkipped(ctx); err != nil {
			return err
		}
	}

	processed := 0
	for {
		if ctx.Err() != nil {
			return o.interrupted(ctx)
		}

		window, err := o.store.FetchBatch(ctx, o.cp.Cursor, o.windowSize())
		if err != nil {
			o.saveBestEffort()
			return resilience.StoreUnavailable(eris.Wrap(err, "orchestrator: fetch batch"))
		}
		if len(window) == 0 {
			return o.complete()
		}

		if err := o.processWindow(ctx, o.cp.Cursor, window); err != nil {
			if ctx.Err() != nil {
				return o.interrupted(ctx)
			}
			o.saveBestEffort()
			return err
		}

		o.cp.Cursor += int64(len(window))
		if err := o.save(); err != nil {
			return err
		}

		processed += len(window)
		if o.cfg.Limit > 0 && processed >= o.cfg.Limit {
			zap.L().Info("item limit reached, checkpoint retained",
				zap.Int("processed", processed),
				zap.Int64("cursor", o.cp.Cursor),
			)
			return nil
		}

		if err := sleepCtx(ctx, o.cfg.InterBatchDelay); err != nil {
			return o.interrupted(ctx)
		}
	}
}

// windowSize is how many words one fetch covers: Shards batches run
// concurrently per window.
func (o *Orchestrator) windowSize() int {
	return o.cfg.BatchSize * o.cfg.Shards
}

// processWindow splits the fetched window into per-shard batches, runs
// them through the pipeline concurrently, then persists in cursor order.
// A non-fatal batch failure skips that batch (error counted, window
// recorded per policy); fatal errors abort the run.
func (o *Orchestrator) processWindow(ctx context.Context, cursor int64, window []model.Word) error {
	batches := splitBatches(window, o.cfg.BatchSize)
	results := make([][]model.Word, len(batches))
	failures := make([]error, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			out, err := o.pipeline.Run(gctx, batch)
			if err != nil {
				if resilience.IsFatal(err) || gctx.Err() != nil {
					return err
				}
				failures[i] = err
				return nil
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	offset := cursor
	for i, batch := range batches {
		if failures[i] != nil {
			if err := o.skipBatch(ctx, offset, len(batch), failures[i]); err != nil {
				return err
			}
		} else if err := o.persistBatch(ctx, offset, results[i]); err != nil {
			return err
		}
		offset += int64(len(batch))
	}
	return nil
}

func (o *Orchestrator) persistBatch(ctx context.Context, offset int64, batch []model.Word) error {
	if err := o.store.UpdateWords(ctx, batch); err != nil {
		return eris.Wrapf(err, "orchestrator: persist batch at cursor %d", offset)
	}
	o.stats.AddProcessed(len(batch))
	o.stats.BatchDone()
	zap.L().Info("batch enriched",
		zap.Int64("cursor", offset),
		zap.Int("items", len(batch)),
	)
	return nil
}

// skipBatch is the error-backoff path: count the classified error,
// record the window per policy, sleep, move on.
func (o *Orchestrator) skipBatch(ctx context.Context, offset int64, size int, cause error) error {
	class := resilience.Classify(cause)
	o.stats.Error(string(class))
	o.stats.BatchSkipped()

	zap.L().Warn("batch skipped",
		zap.Int64("cursor", offset),
		zap.Int("items", size),
		zap.String("class", string(class)),
		zap.Error(cause),
	)

	if o.cfg.SkippedPolicy == PolicyRecord {
		o.cp.AddSkipped(offset, size)
	}
	return sleepCtx(ctx, o.cfg.ErrorBackoff)
}

// retrySkipped re-runs the windows recorded by earlier runs. Windows
// that fail again stay recorded; the main loop's cursor is untouched.
func (o *Orchestrator) retrySkipped(ctx context.Context) error {
	pending := o.cp.Skipped
	o.cp.Skipped = nil

	zap.L().Info("retrying skipped windows", zap.Int("ranges", len(pending)))

	for _, r := range pending {
		remaining := r.Count
		start := r.Start
		for remaining > 0 {
			if ctx.Err() != nil {
				o.cp.AddSkipped(start, remaining)
				return o.interrupted(ctx)
			}
			size := min(remaining, o.cfg.BatchSize)

			batch, err := o.store.FetchBatch(ctx, start, size)
			if err != nil {
				o.cp.AddSkipped(start, remaining)
				o.saveBestEffort()
				return resilience.StoreUnavailable(eris.Wrap(err, "orchestrator: fetch skipped window"))
			}
			if len(batch) == 0 {
				break
			}

			enriched, err := o.pipeline.Run(ctx, batch)
			switch {
			case err == nil:
				if perr := o.persistBatch(ctx, start, enriched); perr != nil {
					o.cp.AddSkipped(start, remaining)
					o.saveBestEffort()
					return perr
				}
			case resilience.IsFatal(err) || ctx.Err() != nil:
				o.cp.AddSkipped(start, remaining)
				if ctx.Err() != nil {
					return o.interrupted(ctx)
				}
				o.saveBestEffort()
				return err
			default:
				if serr := o.skipBatch(ctx, start, len(batch), err); serr != nil {
					o.cp.AddSkipped(start+int64(len(batch)), remaining-len(batch))
					return o.interrupted(ctx)
				}
			}

			start += int64(len(batch))
			remaining -= len(batch)
		}
	}
	return o.save()
}

// complete is the DONE transition: log the totals and delete the
// checkpoint so the next run starts fresh.
func (o *Orchestrator) complete() error {
	snap := o.stats.Snapshot()
	zap.L().Info("run complete",
		zap.String("run_id", o.cp.RunID),
		zap.Int64("cursor", o.cp.Cursor),
		zap.Int("items_processed", snap.ItemsProcessed),
		zap.Int("batches_ok", snap.BatchesOK),
		zap.Int("batches_skipped", snap.BatchesSkipped),
	)
	if len(o.cp.Skipped) > 0 {
		zap.L().Warn("skipped windows remain, re-run with retry-skipped to fill them",
			zap.Int("ranges", len(o.cp.Skipped)),
		)
		return o.save()
	}
	return o.checkpoints.Clear()
}

// interrupted is the signal path: persist the checkpoint at the last
// fully-persisted boundary, then surface the cancellation.
func (o *Orchestrator) interrupted(ctx context.Context) error {
	if err := o.save(); err != nil {
		zap.L().Error("checkpoint save on shutdown failed", zap.Error(err))
	} else {
		zap.L().Info("interrupted, checkpoint saved", zap.Int64("cursor", o.cp.Cursor))
	}
	return eris.Wrap(ctx.Err(), "orchestrator: run interrupted")
}

func (o *Orchestrator) save() error {
	o.cp.Counters = mergeCounters(o.base, o.stats.Counters())
	return o.checkpoints.Save(o.cp)
}

// saveBestEffort is for exit paths already carrying an error: the
// original failure is what the caller needs to see, so a checkpoint
// write failure is logged instead of returned.
func (o *Orchestrator) saveBestEffort() {
	if err := o.save(); err != nil {
		zap.L().Error("checkpoint save failed", zap.Error(err), zap.Int64("cursor", o.cp.Cursor))
	}
}

func mergeCounters(base, current map[string]int) map[string]int {
	merged := make(map[string]int, len(base)+len(current))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range current {
		merged[k] += v
	}
	return merged
}

func splitBatches(window []model.Word, size int) [][]model.Word {
	var out [][]model.Word
	for len(window) > size {
		out = append(out, window[:size])
		window = window[size:]
	}
	return append(out, window)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
