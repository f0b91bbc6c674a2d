package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/inspector"
	"github.com/brensch/edgarsync/internal/inventory"
	"github.com/brensch/edgarsync/internal/state"
)

var inspectLimit int

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Audit the document tree against the completion cache and event log",
	Long: `Scans the output directory and compares the documents found with the
completion cache and the inventory: cached filings with no document, documents
the cache does not know about, filings saved under more than one name, and
stray documents. Filings the event log recorded as delivered whose file is
gone are counted as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		inv, err := inventory.LoadDir(cfg.InventoryDir, logger)
		if err != nil && !errors.Is(err, inventory.ErrInventoryMissing) {
			return err
		}
		if err != nil {
			logger.Warn("Inventory unavailable, every document will be reported as not in inventory.", "error", err)
		}
		docs, err := inspector.ScanDocuments(cfg.OutputDir, cfg.DocumentExt)
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		cache := state.OpenCompletionCache(cfg.CacheDir, logger)

		audit := inspector.AuditTree(inv, cache, docs)
		inspector.Render(os.Stdout, audit, inspectLimit)

		delivered, err := db.GetDeliveredFilings(context.Background(), getDB(), logger)
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		var gone int
		for _, d := range delivered {
			if d.OutputPath == "" {
				continue
			}
			if _, err := os.Stat(d.OutputPath); errors.Is(err, os.ErrNotExist) {
				gone++
				logger.Debug("Logged document missing.", slog.String("key", d.Key()), slog.String("path", d.OutputPath))
			}
		}
		fmt.Printf("Event log: %d delivered filings, %d no longer on disk.\n", len(delivered), gone)

		if !audit.Clean() {
			logger.Warn("Document tree and cache disagree. 'rebuild-cache' adds verified documents to the cache; 'run --verify-on-disk' refetches missing ones.")
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 10, "Maximum keys listed per check")
}
