package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrichment coverage and checkpoint state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cps := checkpoint.NewStore(cfg.Run.CheckpointPath, nil)
		collector := monitoring.NewCollector(st, cps, nil, nil)

		snap, err := collector.Collect(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return eris.Wrap(err, "encode status")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
