package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/content"
	"github.com/wordtrail/enrich-cli/internal/keypool"
	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/orchestrator"
	"github.com/wordtrail/enrich-cli/internal/quota"
	"github.com/wordtrail/enrich-cli/internal/stage"
	"github.com/wordtrail/enrich-cli/internal/store"
	"github.com/wordtrail/enrich-cli/pkg/anthropic"
)

var (
	enrichLimit        int
	enrichBatchSize    int
	enrichShards       int
	enrichRetrySkipped bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run the enrichment loop over unprocessed words",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		env, err := buildEnrichEnv(st)
		if err != nil {
			return err
		}

		err = env.orch.Run(ctx)
		env.logCost()
		if errors.Is(err, context.Canceled) {
			// Signal path: the orchestrator already saved the checkpoint.
			zap.L().Info("run interrupted, resume with the same command")
			return nil
		}
		return err
	},
}

// enrichEnv bundles the wired run components so serve can reuse them.
type enrichEnv struct {
	orch    *orchestrator.Orchestrator
	caller  *content.Client
	tracker *quota.Tracker
	stats   *model.RunStats
	cps     *checkpoint.Store
}

// logCost reports the run's total token spend, interrupted or not.
func (e *enrichEnv) logCost() {
	usage := e.caller.Usage()
	zap.L().Info("run token usage",
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int64("cache_write_tokens", usage.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", usage.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", usage.EstimateCost(cfg.Anthropic.Model)),
	)
}

func buildEnrichEnv(st store.Store) (*enrichEnv, error) {
	limits := quota.Limits{
		PerMinute: cfg.Quota.PerMinute,
		Hourly:    cfg.Quota.Hourly,
		Daily:     cfg.Quota.Daily,
	}
	backoff := quota.Backoff{
		Cooldown:       secs(cfg.Quota.CooldownSecs),
		DailySlowdown:  secs(cfg.Quota.DailyWaitSecs),
		HourlySlowdown: secs(cfg.Quota.HourlyWaitSecs),
		MinuteSlowdown: secs(cfg.Quota.MinuteWaitSecs),
		MinSpacing:     secs(cfg.Quota.MinSpacingSecs),
		Threshold:      cfg.Quota.ThresholdFraction,
		DecayInterval:  secs(cfg.Quota.DecayIntervalSecs),
	}
	tracker, err := quota.NewTracker(cfg.Anthropic.Keys, limits, backoff, nil)
	if err != nil {
		return nil, err
	}

	selector := keypool.NewSelector(tracker, keypool.Weights{
		RateLimitPenalty: cfg.Selector.RateLimitPenalty,
		PerRequest:       cfg.Selector.RequestWeight,
		WindowShare:      cfg.Selector.UsageWeight,
		IdleCredit:       secs(cfg.Selector.MaxIdleCredSecs),
	}, nil)

	stages, err := stage.ByNames(cfg.Run.Stages)
	if err != nil {
		return nil, err
	}

	stats := model.NewRunStats()
	caller := content.NewClient(content.Config{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Temperature:       cfg.Content.Temperature,
		RequestTimeout:    secs(cfg.Content.RequestTimeoutSecs),
		RequestsPerSecond: cfg.Content.RequestsPerSecond,
		CacheTTL:          secs(cfg.Content.CacheTTLSecs),
		CacheMaxEntries:   cfg.Content.CacheMaxEntries,
	}, selector, tracker, anthropic.NewClient, stats, nil)

	pipeline := stage.NewPipeline(stages, caller, stats)
	cps := checkpoint.NewStore(cfg.Run.CheckpointPath, nil)

	runCfg := orchestrator.Config{
		BatchSize:       cfg.Run.BatchSize,
		Limit:           enrichLimit,
		Shards:          cfg.Run.Shards,
		InterBatchDelay: time.Duration(cfg.Run.InterBatchDelayMS) * time.Millisecond,
		ErrorBackoff:    secs(cfg.Run.ErrorBackoffSecs),
		SkippedPolicy:   orchestrator.SkippedPolicy(cfg.Run.SkippedPolicy),
		RetrySkipped:    enrichRetrySkipped,
	}
	if enrichBatchSize > 0 {
		runCfg.BatchSize = enrichBatchSize
	}
	if enrichShards > 0 {
		runCfg.Shards = enrichShards
	}

	orch := orchestrator.New(runCfg, st, pipeline, cps, stats)
	return &enrichEnv{orch: orch, caller: caller, tracker: tracker, stats: stats, cps: cps}, nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func init() {
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 0, "stop after this many items (0 = no limit)")
	enrichCmd.Flags().IntVar(&enrichBatchSize, "batch-size", 0, "items per batch (default from config)")
	enrichCmd.Flags().IntVar(&enrichShards, "shards", 0, "batches enriched concurrently (default from config)")
	enrichCmd.Flags().BoolVar(&enrichRetrySkipped, "retry-skipped", false, "re-run windows skipped by earlier runs first")
	rootCmd.AddCommand(enrichCmd)
}
