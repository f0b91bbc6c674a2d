package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/inspector"
	"github.com/brensch/edgarsync/internal/inventory"
	"github.com/brensch/edgarsync/internal/state"
)

var (
	rebuildTrustDisk bool
	rebuildDryRun    bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-cache",
	Short: "Add delivered documents missing from the completion cache",
	Long: `Recovers completion cache entries lost to a crash between a document write
and the next cache save, or to a reset cache file. An inventory filing is added
when its document exists on disk and the event log recorded its delivery
(--trust-disk accepts any document on disk). Keys are only ever added and the
resume cursor is left unchanged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		ctx := context.Background()

		inv, err := inventory.LoadDir(cfg.InventoryDir, logger)
		if err != nil {
			return err
		}
		cache := state.OpenCompletionCache(cfg.CacheDir, logger)
		candidates := inspector.Uncached(inv, cache)
		if len(candidates) == 0 {
			logger.Info("Completion cache already covers the inventory.", slog.Int("cached", cache.Len()))
			return nil
		}

		onDisk, err := inspector.DeliveredKeys(cfg.OutputDir, cfg.DocumentExt)
		if err != nil {
			return fmt.Errorf("failed to scan output dir: %w", err)
		}
		confirmed, err := db.GetCompletionStatusBatch(ctx, getDB(), candidates, db.EventDownloadEnd)
		if err != nil {
			return fmt.Errorf("failed to query event log: %w", err)
		}

		recovered := inspector.Recoverable(candidates, onDisk, confirmed, rebuildTrustDisk)
		logger.Info("Rebuild candidates checked.",
			slog.Int("uncached", len(candidates)),
			slog.Int("recoverable", len(recovered)),
		)
		if len(recovered) == 0 || rebuildDryRun {
			return nil
		}

		cursor := cache.Cursor()
		if err := cache.Merge(recovered, cursor.Entity, cursor.Index); err != nil {
			return fmt.Errorf("failed to save completion cache: %w", err)
		}
		logger.Info("Completion cache rebuilt.", slog.Int("added", len(recovered)), slog.Int("cached", cache.Len()))
		return nil
	},
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildTrustDisk, "trust-disk", false, "Accept documents on disk without a logged delivery")
	rebuildCmd.Flags().BoolVar(&rebuildDryRun, "dry-run", false, "Report what would be added without saving")
}
