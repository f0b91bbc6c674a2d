package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/analyser"
	"github.com/brensch/edgarsync/internal/inspector"
	"github.com/brensch/edgarsync/internal/inventory"
	"github.com/brensch/edgarsync/internal/saver"
	"github.com/brensch/edgarsync/internal/state"
)

var (
	analyseAll       bool
	analyseLimit     int
	analyseGapReport string
)

var analyseCmd = &cobra.Command{
	Use:   "analyse",
	Short: "Reconcile the expected inventory against the completion cache",
	Long: `Loads the inventory and the completion cache and classifies every entity as
complete, partially downloaded or not downloaded. Incomplete entities are
listed with their missing counts (all entities with --all). With
--verify-on-disk a cached filing only counts if its document exists.
--gap-report writes the per-entity result to a Parquet file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		inv, err := inventory.LoadDir(cfg.InventoryDir, logger)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		cache := state.OpenCompletionCache(cfg.CacheDir, logger)

		var keys analyser.KeySet = cache
		if cfg.VerifyOnDisk {
			disk, err := inspector.DeliveredKeys(cfg.OutputDir, cfg.DocumentExt)
			if err != nil {
				return fmt.Errorf("failed to scan output dir: %w", err)
			}
			keys = analyser.Intersect{cache, disk}
		}

		report := analyser.Analyze(inv, keys)
		analyser.Render(os.Stdout, report, analyseAll, analyseLimit)

		s := report.Summary()
		logger.Info("Analysis complete.",
			slog.Int("entities", s.TotalEntities),
			slog.Int("missing_items", s.MissingItems),
			slog.String("completion", fmt.Sprintf("%.1f%%", s.CompletionPercentage)),
		)

		if analyseGapReport != "" {
			if _, err := saver.WriteGapReport(analyseGapReport, report, logger); err != nil {
				return fmt.Errorf("failed to write gap report: %w", err)
			}
		}
		return nil
	},
}

func init() {
	analyseCmd.Flags().BoolVar(&analyseAll, "all", false, "List complete entities too")
	analyseCmd.Flags().IntVarP(&analyseLimit, "limit", "n", 50, "Maximum entities to list (0 for no limit)")
	analyseCmd.Flags().StringVar(&analyseGapReport, "gap-report", "", "Write the per-entity report to this Parquet file")
}
