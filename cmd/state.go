package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/inventory"
	"github.com/brensch/edgarsync/internal/state"
)

var (
	stateLimit       int
	stateFilterEvent string
	stateFilterPhase string
)

var stateCmd = &cobra.Command{
	Use:   "state [entity [accession]]",
	Short: "Show resume state and the event log history",
	Long: `Prints the progress tracker and completion cache state, event totals from
the DuckDB event log, and the most recent log records.
With an entity argument the history is filtered to that entity; with an
entity and accession the latest event of that filing is shown.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		dbConn := getDB()
		ctx := context.Background()

		if len(args) == 2 {
			entity := inventory.PadEntityID(args[0])
			event, ts, msg, found, err := db.GetLatestFilingEvent(ctx, dbConn, entity, args[1])
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("No events recorded for %s %s.\n", entity, args[1])
				return nil
			}
			fmt.Printf("%s %s: %s at %s %s\n", entity, args[1], event, ts.Format("2006-01-02 15:04:05"), msg)
			return nil
		}

		progress := state.OpenProgressTracker(cfg.CacheDir, logger)
		cache := state.OpenCompletionCache(cfg.CacheDir, logger)
		totalEntities := 0
		if inv, err := inventory.LoadDir(cfg.InventoryDir, logger); err == nil {
			totalEntities = len(inv.Entities)
		} else {
			logger.Warn("Inventory unavailable, totals limited to recorded state.", "error", err)
		}
		s := progress.Summary(totalEntities)
		cursor := cache.Cursor()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle("Resume State")
		t.AppendRow(table.Row{"Completed entities", fmt.Sprintf("%d / %d (%.1f%%)", s.CompletedEntities, s.TotalEntities, s.CompletionRate)})
		t.AppendRow(table.Row{"Items in completed entities", s.TotalCompletedItems})
		if s.Current.EntityID != "" {
			t.AppendRow(table.Row{"Current entity", fmt.Sprintf("%s (%d/%d, last index %d)", s.Current.EntityID, s.Current.Completed, s.Current.Total, s.Current.LastIndex)})
		}
		t.AppendRow(table.Row{"Cached filings", cache.Len()})
		t.AppendRow(table.Row{"Cache cursor", fmt.Sprintf("%s @ %d", cursor.Entity, cursor.Index)})

		counts, err := db.EventCounts(ctx, dbConn)
		if err != nil {
			return err
		}
		for _, ev := range []string{db.EventDownloadEnd, db.EventSkipDownload, db.EventError} {
			t.AppendRow(table.Row{"Events: " + ev, counts[ev]})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		fmt.Println()

		f := db.HistoryFilter{Event: stateFilterEvent, Phase: stateFilterPhase, Limit: stateLimit}
		if len(args) == 1 {
			f.EntityID = inventory.PadEntityID(args[0])
		}
		return db.DisplayEventHistory(ctx, dbConn, os.Stdout, f)
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event (download_end, skip_download, error)")
	stateCmd.Flags().StringVar(&stateFilterPhase, "phase", "", "Filter records by phase (gap_fill, main)")
}
