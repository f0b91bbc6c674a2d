package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/edgarsync/internal/config"
	"github.com/brensch/edgarsync/internal/downloader"
	"github.com/brensch/edgarsync/internal/orchestrator"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTranslatorMainPhase(t *testing.T) {
	tr := &translator{}

	msgs := tr.translate(orchestrator.Event{Type: orchestrator.EventPhaseStarted, Phase: orchestrator.PhaseMain, Total: 2})
	require.Len(t, msgs, 1)
	assert.Equal(t, NewProgress("Sync", 0, 2, "starting"), msgs[0])

	msgs = tr.translate(orchestrator.Event{
		Type: orchestrator.EventItemFinished, Phase: orchestrator.PhaseMain,
		EntityID: "0000001234", Accession: "A1", Index: 1, Total: 3,
		Result: orchestrator.ItemResult{Outcome: orchestrator.OutcomeFailed, Err: errors.New("bad status '404 Not Found'")},
	})
	require.Len(t, msgs, 1)
	row := msgs[0].(EntityProgressMsg)
	assert.True(t, row.Item)
	assert.Equal(t, orchestrator.OutcomeFailed, row.Outcome)
	assert.Equal(t, int64(1), row.Done)
	assert.Equal(t, "bad status '404 Not Found'", row.ErrMsg)

	msgs = tr.translate(orchestrator.Event{Type: orchestrator.EventEntityFinished, Phase: orchestrator.PhaseMain, EntityID: "0000001234", Index: 3, Total: 3, Completed: true})
	require.Len(t, msgs, 2)
	assert.Equal(t, NewProgress("Sync", 1, 2, "0000001234"), msgs[0])
	assert.Equal(t, "Complete", msgs[1].(EntityProgressMsg).Status)

	assert.Empty(t, tr.translate(orchestrator.Event{Type: orchestrator.EventRunFinished}))
}

func TestTranslatorGapFill(t *testing.T) {
	tr := &translator{}
	tr.translate(orchestrator.Event{Type: orchestrator.EventPhaseStarted, Phase: orchestrator.PhaseGapFill, Total: 4})

	msgs := tr.translate(orchestrator.Event{
		Type: orchestrator.EventItemFinished, Phase: orchestrator.PhaseGapFill,
		EntityID: "0000005678", Accession: "B2", Index: 2, Total: 4,
		Result: orchestrator.ItemResult{Outcome: orchestrator.OutcomeSuccess},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, NewProgress("Gap fill", 2, 4, "0000005678 B2"), msgs[0])
	assert.Equal(t, "Gap fill", msgs[1].(EntityProgressMsg).Status)
}

func TestUpdateCountsOutcomes(t *testing.T) {
	m := NewAppModel(context.Background(), discard)
	m.State = RunningTask

	m.Update(EntityProgressMsg{EntityID: "0000001234", Status: "Downloading", Done: 1, Total: 2, Item: true, Outcome: orchestrator.OutcomeSuccess})
	m.Update(EntityProgressMsg{EntityID: "0000001234", Status: "Downloading", Done: 2, Total: 2, Item: true, Outcome: orchestrator.OutcomeSkipped})
	m.Update(EntityProgressMsg{EntityID: "0000009999", Status: "Error", Item: true, Outcome: orchestrator.OutcomeFailed, ErrMsg: "timeout"})

	assert.Equal(t, 1, m.successful)
	assert.Equal(t, 1, m.skipped)
	assert.Equal(t, 1, m.failed)
	assert.Equal(t, []string{"0000001234", "0000009999"}, m.entityOrder)
	assert.Equal(t, int64(2), m.entityProgress["0000001234"].Done)

	view := m.View()
	assert.Contains(t, view, "0000009999")
	assert.Contains(t, view, "1 failed, last: timeout")
}

func TestRunEventsCountGapFillFailureOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accession := strings.TrimSuffix(filepath.Base(r.URL.Path), ".txt")
		if accession == "A1" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "<SEC-DOCUMENT>%s\n", accession)
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := config.Default()
	cfg.InventoryDir = filepath.Join(root, "inventory")
	cfg.OutputDir = filepath.Join(root, "filings")
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.BaseURL = srv.URL
	cfg.RequestDelay = 0
	cfg.RequestTimeout = 5 * time.Second
	require.NoError(t, os.MkdirAll(cfg.InventoryDir, 0o755))
	csv := "cik,company_name,form,rdate,filename\n" +
		"0000001234,Test Co,13F-HR,2020-03-31,edgar/data/1234/A1.txt\n" +
		"0000001234,Test Co,13F-HR,2020-03-31,edgar/data/1234/A2.txt\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.InventoryDir, "0000001234.csv"), []byte(csv), 0o644))

	m := NewAppModel(context.Background(), discard)
	m.State = RunningTask
	tr := &translator{}
	obs := orchestrator.ObserverFunc(func(ev orchestrator.Event) {
		for _, msg := range tr.translate(ev) {
			if row, ok := msg.(EntityProgressMsg); ok {
				m.applyEntityProgress(row)
			}
		}
	})

	sum, err := orchestrator.New(cfg, downloader.NewFetcher(cfg, nil, discard), discard, orchestrator.WithObserver(obs)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, sum.Failed, m.failed)
	assert.Equal(t, sum.Successful, m.successful)
	assert.Equal(t, 1, m.entityProgress["0000001234"].Failed)
	assert.Equal(t, "Incomplete", m.entityProgress["0000001234"].Status)
}

func TestQuitDuringTaskCancelsAndWaits(t *testing.T) {
	m := NewAppModel(context.Background(), discard)
	m.State = RunningTask
	cancelled := false
	m.cancel = func() { cancelled = true }

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, cancelled)
	assert.Equal(t, Cancelling, m.State)
	assert.False(t, m.Quitting)

	_, cmd := m.Update(NewTaskFinished("Sync", m.taskStartTime, context.Canceled, "stopped"))
	assert.True(t, m.Quitting)
	assert.Equal(t, Exiting, m.State)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.ErrorIs(t, m.FatalErr, context.Canceled)
}

func TestStartTaskStreamsEventsThenFinishes(t *testing.T) {
	m := NewAppModel(context.Background(), discard)
	item := MenuItem{Label: "Sync", Run: func(ctx context.Context, obs orchestrator.Observer) (string, error) {
		obs.Observe(orchestrator.Event{Type: orchestrator.EventPhaseStarted, Phase: orchestrator.PhaseMain, Total: 1})
		obs.Observe(orchestrator.Event{Type: orchestrator.EventEntityFinished, Phase: orchestrator.PhaseMain, EntityID: "0000001234", Index: 1, Total: 1, Completed: true})
		return "done", nil
	}}
	ch := make(chan tea.Msg, 64)

	batch, ok := m.startTask(item, ch)().(tea.BatchMsg)
	require.True(t, ok)
	require.NotEmpty(t, batch)
	batch[0]()

	var got []tea.Msg
	for msg := range ch {
		got = append(got, msg)
	}
	require.Len(t, got, 4)
	assert.IsType(t, ProgressMsg{}, got[0])
	assert.IsType(t, ProgressMsg{}, got[1])
	assert.IsType(t, EntityProgressMsg{}, got[2])
	finished := got[3].(TaskFinishedMsg)
	assert.Equal(t, "done", finished.Message)
	assert.NoError(t, finished.Err)
}

func TestMenuExit(t *testing.T) {
	m := NewAppModel(context.Background(), discard, MenuItem{Label: "Sync", Run: func(context.Context, orchestrator.Observer) (string, error) { return "", nil }})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, Exiting, m.State)
	require.NotNil(t, cmd)
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "one two\nthree", wrapText("one two three", 8))
	assert.Equal(t, "unchanged", wrapText("unchanged", 0))
}
