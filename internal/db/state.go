package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Constants for event types
const (
	EventDownloadEnd  = "download_end"
	EventSkipDownload = "skip_download"
	EventError        = "error"
)

// Constants for run phases
const (
	PhaseGapFill = "gap_fill"
	PhaseMain    = "main"
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS filing_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS filing_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('filing_event_log_id_seq'),
    entity_id       VARCHAR NOT NULL,
    accession       VARCHAR NOT NULL,
    event           VARCHAR NOT NULL,
    phase           VARCHAR,
    event_timestamp TIMESTAMP NOT NULL,
    url             VARCHAR,
    output_path     VARCHAR,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_filing_event_log_key ON filing_event_log (entity_id, accession);
CREATE INDEX IF NOT EXISTS idx_filing_event_log_event_time ON filing_event_log (event, event_timestamp);
`

// Event is one row of the filing event log.
type Event struct {
	EntityID   string
	Accession  string
	Event      string
	Phase      string
	URL        string
	OutputPath string
	Message    string
	Duration   *time.Duration
	Timestamp  time.Time // zero means now
}

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// LogFilingEvent inserts a new event record into the log.
func LogFilingEvent(ctx context.Context, db *sql.DB, ev Event) error {
	query := `
        INSERT INTO filing_event_log (entity_id, accession, event, phase, event_timestamp, url, output_path, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if ev.Duration != nil {
		durationMs = sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: true}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := db.ExecContext(ctx, query,
		ev.EntityID,
		ev.Accession,
		ev.Event,
		sql.NullString{String: ev.Phase, Valid: ev.Phase != ""},
		ts.UTC(),
		sql.NullString{String: ev.URL, Valid: ev.URL != ""},
		sql.NullString{String: ev.OutputPath, Valid: ev.OutputPath != ""},
		sql.NullString{String: ev.Message, Valid: ev.Message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s_%s': %w", ev.Event, ev.EntityID, ev.Accession, err)
	}
	return nil
}

// EventLog records item outcomes into DuckDB. Write failures are logged and
// never interrupt a run.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventLog wraps an initialised connection.
func NewEventLog(db *sql.DB, logger *slog.Logger) *EventLog {
	return &EventLog{db: db, logger: logger}
}

// Record writes ev, logging rather than returning any failure.
func (l *EventLog) Record(ctx context.Context, ev Event) {
	if l == nil || l.db == nil {
		return
	}
	// Record after cancellation too so the final outcomes are kept.
	if err := LogFilingEvent(context.WithoutCancel(ctx), l.db, ev); err != nil {
		l.logger.Warn("Failed to record filing event.", "error", err)
	}
}

// GetLatestFilingEvent retrieves the most recent event record for one filing.
func GetLatestFilingEvent(ctx context.Context, db *sql.DB, entityID, accession string) (event string, timestamp time.Time, message string, found bool, err error) {
	query := `
        SELECT event, event_timestamp, message
        FROM filing_event_log
        WHERE entity_id = ? AND accession = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	var msg sql.NullString
	row := db.QueryRowContext(ctx, query, entityID, accession)
	err = row.Scan(&event, &timestamp, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, "", false, nil
		}
		return "", time.Time{}, "", false, fmt.Errorf("failed query latest event for '%s_%s': %w", entityID, accession, err)
	}
	return event, timestamp, msg.String, true, nil
}

// GetCompletionStatusBatch checks composite keys ("entity_accession") for a
// completion event using a temporary table.
// Returns a map where the key is the composite key and the value is true if the event exists.
func GetCompletionStatusBatch(ctx context.Context, db *sql.DB, keys []string, completionEvent string) (map[string]bool, error) {
	completed := make(map[string]bool)
	if len(keys) == 0 {
		return completed, nil
	}

	// Temp tables are per connection, so keep every step in one transaction.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction for batch check: %w", err)
	}
	defer tx.Rollback()

	tempTableName := fmt.Sprintf("temp_keys_to_check_%d", time.Now().UnixNano())
	createTempTableSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (item_key TEXT PRIMARY KEY);`, tempTableName)
	if _, err = tx.ExecContext(ctx, createTempTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create temp table %s: %w", tempTableName, err)
	}

	insertSQL := fmt.Sprintf(`INSERT OR IGNORE INTO %s (item_key) VALUES (?)`, tempTableName)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert statement for temp table %s: %w", tempTableName, err)
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			stmt.Close()
			return nil, ctx.Err()
		}
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			stmt.Close()
			return nil, fmt.Errorf("failed to insert key '%s' into temp table %s: %w", k, tempTableName, err)
		}
	}
	if err = stmt.Close(); err != nil {
		return nil, fmt.Errorf("failed to close insert statement for %s: %w", tempTableName, err)
	}

	query := fmt.Sprintf(`
        SELECT DISTINCT t.item_key
        FROM filing_event_log el
        JOIN %s t ON el.entity_id || '_' || el.accession = t.item_key
        WHERE el.event = ?;
    `, tempTableName)
	rows, err := tx.QueryContext(ctx, query, completionEvent)
	if err != nil {
		return nil, fmt.Errorf("failed batch query status joining temp table %s (event=%s): %w", tempTableName, completionEvent, err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed scanning batch status row: %w", err)
		}
		completed[key] = true
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating batch status results: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction for batch check: %w", err)
	}
	return completed, nil
}

// EventCounts returns the number of rows per event type.
func EventCounts(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT event, COUNT(*) FROM filing_event_log GROUP BY event;`)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[event] = n
	}
	return counts, rows.Err()
}
