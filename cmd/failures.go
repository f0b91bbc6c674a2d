package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/state"
)

var failuresLimit int

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recorded download failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		log := state.NewFailureLog(cfg.CacheDir, getLogger())
		records, err := log.Records()
		if err != nil {
			return fmt.Errorf("failed to read failure log: %w", err)
		}

		start := 0
		if failuresLimit > 0 && len(records) > failuresLimit {
			start = len(records) - failuresLimit
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle(log.Path())
		t.AppendHeader(table.Row{"Time", "Entity", "Accession", "Form", "Error"})
		for _, r := range records[start:] {
			t.AppendRow(table.Row{r.Time().Format("2006-01-02 15:04:05"), r.EntityID, r.Accession, r.FormType, r.ErrorMessage})
		}
		t.AppendFooter(table.Row{"", "", "", "Total", len(records)})
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func init() {
	failuresCmd.Flags().IntVarP(&failuresLimit, "limit", "n", 50, "Show only the most recent records (0 for all)")
}
