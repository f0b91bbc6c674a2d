package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/saver"
	"github.com/brensch/edgarsync/internal/state"
)

var saveDir string

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Export the event log and failure log to Parquet files",
	Long: `Saves each table of the DuckDB event log into a separate Parquet file, and
the failure log into failures.parquet, under --dir (default <cache-dir>/export).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		dir := saveDir
		if dir == "" {
			dir = filepath.Join(cfg.CacheDir, "export")
		}

		logger.Info("Starting export.", slog.String("db_path", cfg.DbPath), slog.String("dir", dir))
		if _, err := saver.SaveTablesToParquet(context.Background(), getDB(), dir, logger); err != nil {
			return fmt.Errorf("save failed: %w", err)
		}

		records, err := state.NewFailureLog(cfg.CacheDir, logger).Records()
		if err != nil {
			return fmt.Errorf("failed to read failure log: %w", err)
		}
		if len(records) > 0 {
			if _, err := saver.WriteFailureReport(filepath.Join(dir, "failures.parquet"), records, logger); err != nil {
				return fmt.Errorf("save failed: %w", err)
			}
		}
		logger.Info("Export completed.")
		return nil
	},
}

func init() {
	saveCmd.Flags().StringVar(&saveDir, "dir", "", "Export directory")
}
