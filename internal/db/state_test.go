package db

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, InitializeSchema(conn))
	// Idempotent.
	require.NoError(t, InitializeSchema(conn))
	return conn
}

func TestEventLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	log := NewEventLog(conn, discard)

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := 120 * time.Millisecond
	log.Record(ctx, Event{EntityID: "0000001234", Accession: "A1", Event: EventError, Phase: PhaseMain, Message: "bad status '503'", Timestamp: base})
	log.Record(ctx, Event{EntityID: "0000001234", Accession: "A1", Event: EventDownloadEnd, Phase: PhaseGapFill, OutputPath: "/out/0000001234/A1.txt", Duration: &d, Timestamp: base.Add(time.Minute)})
	log.Record(ctx, Event{EntityID: "0000001234", Accession: "A2", Event: EventSkipDownload, Phase: PhaseMain, Timestamp: base.Add(2 * time.Minute)})

	event, ts, _, found, err := GetLatestFilingEvent(ctx, conn, "0000001234", "A1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EventDownloadEnd, event)
	assert.True(t, ts.Equal(base.Add(time.Minute)))

	_, _, _, found, err = GetLatestFilingEvent(ctx, conn, "0000009999", "X")
	require.NoError(t, err)
	assert.False(t, found)

	status, err := GetCompletionStatusBatch(ctx, conn, []string{"0000001234_A1", "0000001234_A2", "0000001234_A1"}, EventDownloadEnd)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"0000001234_A1": true}, status)

	delivered, err := GetDeliveredFilings(ctx, conn, discard)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, "0000001234_A1", delivered[0].Key())
	assert.Equal(t, "/out/0000001234/A1.txt", delivered[0].OutputPath)

	counts, err := EventCounts(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{EventError: 1, EventDownloadEnd: 1, EventSkipDownload: 1}, counts)

	var buf bytes.Buffer
	require.NoError(t, DisplayEventHistory(ctx, conn, &buf, HistoryFilter{EntityID: "0000001234", Event: EventError}))
	assert.Contains(t, buf.String(), "bad status")
	assert.NotContains(t, buf.String(), EventSkipDownload)
}

func TestNilEventLogIsNoop(t *testing.T) {
	var log *EventLog
	log.Record(context.Background(), Event{EntityID: "x", Accession: "y", Event: EventError})
}
