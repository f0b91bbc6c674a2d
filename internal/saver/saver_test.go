package saver

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/brensch/edgarsync/internal/analyser"
	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/state"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type gapRow struct {
	EntityID             *string  `parquet:"name=entity_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Status               *string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Total                *int64   `parquet:"name=total, type=INT64, repetitiontype=OPTIONAL"`
	Downloaded           *int64   `parquet:"name=downloaded, type=INT64, repetitiontype=OPTIONAL"`
	Missing              *int64   `parquet:"name=missing, type=INT64, repetitiontype=OPTIONAL"`
	CompletionPercentage *float64 `parquet:"name=completion_percentage, type=DOUBLE, repetitiontype=OPTIONAL"`
}

func TestWriteGapReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "gaps.parquet")
	report := analyser.Report{Entities: []analyser.EntityStatus{
		{EntityID: "0000001234", Total: 3, Downloaded: 1, Missing: 2, CompletionPercentage: 100.0 / 3, Status: analyser.StatusPartiallyDownloaded},
		{EntityID: "0000005678", Total: 2, Downloaded: 2, CompletionPercentage: 100, Status: analyser.StatusComplete},
	}}

	n, err := WriteGapReport(path, report, discard)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(gapRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(2), pr.GetNumRows())
	rows := make([]gapRow, 2)
	require.NoError(t, pr.Read(&rows))

	require.NotNil(t, rows[0].EntityID)
	assert.Equal(t, "0000001234", *rows[0].EntityID)
	assert.Equal(t, analyser.StatusPartiallyDownloaded, *rows[0].Status)
	assert.Equal(t, int64(3), *rows[0].Total)
	assert.Equal(t, int64(2), *rows[0].Missing)
	assert.InDelta(t, 33.33, *rows[0].CompletionPercentage, 0.01)
	assert.Equal(t, analyser.StatusComplete, *rows[1].Status)
	assert.Equal(t, int64(0), *rows[1].Missing)
}

func TestWriteFailureReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.parquet")
	records := []state.FailureRecord{
		{EntityID: "0000001234", Accession: "A1", FormType: "13F-HR", ErrorMessage: "bad status '404 Not Found'", Timestamp: 1700000000},
		{EntityID: "0000001234", Accession: "A1", FormType: "13F-HR", ErrorMessage: "timeout", Timestamp: 1700000060.5},
	}
	n, err := WriteFailureReport(path, records, discard)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(2), pr.GetNumRows())
}

func TestWriteGapReportEmpty(t *testing.T) {
	n, err := WriteGapReport(filepath.Join(t.TempDir(), "empty.parquet"), analyser.Report{}, discard)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveTablesToParquet(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, db.InitializeSchema(conn))

	events := db.NewEventLog(conn, discard)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events.Record(ctx, db.Event{EntityID: "0000001234", Accession: "A1", Event: db.EventDownloadEnd, Phase: db.PhaseMain, Timestamp: now})
	events.Record(ctx, db.Event{EntityID: "0000001234", Accession: "A2", Event: db.EventError, Phase: db.PhaseMain, Message: "boom", Timestamp: now})

	outDir := filepath.Join(t.TempDir(), "export")
	files, err := SaveTablesToParquet(ctx, conn, outDir, discard)
	require.NoError(t, err)
	require.Contains(t, files, filepath.Join(outDir, "filing_event_log.parquet"))

	var count int
	q := "SELECT count(*) FROM read_parquet('" + filepath.ToSlash(filepath.Join(outDir, "filing_event_log.parquet")) + "')"
	require.NoError(t, conn.QueryRowContext(ctx, q).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSaveTablesToParquetCancelled(t *testing.T) {
	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SaveTablesToParquet(ctx, conn, t.TempDir(), discard)
	assert.True(t, errors.Is(err, context.Canceled))
}
