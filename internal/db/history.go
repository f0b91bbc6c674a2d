package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// HistoryFilter narrows DisplayEventHistory. Empty fields match everything.
type HistoryFilter struct {
	EntityID string
	Event    string
	Phase    string
	Limit    int
}

// DisplayEventHistory queries the event log and renders it as a table.
func DisplayEventHistory(ctx context.Context, db *sql.DB, w io.Writer, f HistoryFilter) error {
	query := `
        SELECT entity_id, accession, event, phase, event_timestamp, duration_ms, message, output_path
        FROM filing_event_log
    `
	conditions := []string{}
	args := []any{}
	if f.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, f.Event)
	}
	if f.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, f.Phase)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w \n Query: %s \n Args: %v", err, query, args)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Event Log History (Limit %d)", limit))
	t.AppendHeader(table.Row{"Entity", "Accession", "Event", "Phase", "Timestamp (UTC)", "Duration ms", "Details"})

	count := 0
	for rows.Next() {
		var entityID, accession, event string
		var timestamp time.Time
		var phase, message, outputPath sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&entityID, &accession, &event, &phase, &timestamp, &durationMs, &message, &outputPath); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}
		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		details := message.String
		if outputPath.Valid && outputPath.String != "" {
			details = strings.TrimSpace(details + fmt.Sprintf(" (Output: %s)", filepath.Base(outputPath.String)))
		}
		t.AppendRow(table.Row{entityID, accession, event, phase.String, timestamp.Format(time.RFC3339), durationStr, details})
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Records", count})
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}
