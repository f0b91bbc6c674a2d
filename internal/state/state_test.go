package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func readFile[T any](t *testing.T, path string) T {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestCompletionCacheMergeIsUnion(t *testing.T) {
	dir := t.TempDir()
	c := OpenCompletionCache(dir, discard)
	assert.Equal(t, 0, c.Len())

	a := []string{"0000001234_A1", "0000001234_A2", "0000005678_B1"}
	b := []string{"0000001234_A2", "0000005678_B2", "0000005678_B1"}
	require.NoError(t, c.Merge(a, "0000001234", 2))
	require.NoError(t, c.Merge(b, "0000005678", 2))

	want := []string{"0000001234_A1", "0000001234_A2", "0000005678_B1", "0000005678_B2"}
	assert.Equal(t, want, c.Keys())

	f := readFile[cacheFile](t, c.Path())
	assert.Equal(t, want, f.DownloadedFilings)
	assert.Equal(t, 4, f.TotalCount)
	assert.Equal(t, "0000005678", f.LastCIK)
	assert.Equal(t, 2, f.LastFilingIndex)

	// Merging the same keys again changes nothing.
	require.NoError(t, c.Merge(a, "0000005678", 2))
	assert.Equal(t, 4, readFile[cacheFile](t, c.Path()).TotalCount)
}

func TestCompletionCacheMergeKeepsKeysWrittenElsewhere(t *testing.T) {
	dir := t.TempDir()
	first := OpenCompletionCache(dir, discard)
	second := OpenCompletionCache(dir, discard)

	require.NoError(t, first.Merge([]string{"E_1"}, "E", 1))
	require.NoError(t, second.Merge([]string{"E_2"}, "E", 2))

	reloaded := OpenCompletionCache(dir, discard)
	assert.Equal(t, []string{"E_1", "E_2"}, reloaded.Keys())
	assert.Equal(t, Cursor{Entity: "E", Index: 2}, reloaded.Cursor())
}

func TestCompletionCacheConcurrentMerges(t *testing.T) {
	c := OpenCompletionCache(t.TempDir(), discard)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Merge([]string{fmt.Sprintf("E_%02d", i)}, "E", i))
		}(i)
	}
	wg.Wait()

	f := readFile[cacheFile](t, c.Path())
	assert.Len(t, f.DownloadedFilings, 20)
	assert.Equal(t, 20, f.TotalCount)
}

func TestCompletionCacheCorruptRecovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CompletionCacheFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := OpenCompletionCache(dir, discard)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Cursor{}, c.Cursor())

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, c.Merge([]string{"E_1"}, "E", 1))
	assert.Equal(t, []string{"E_1"}, readFile[cacheFile](t, path).DownloadedFilings)
}

func TestReadJSONWrapsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, os.WriteFile(path, []byte("]"), 0o644))
	var v map[string]any
	found, err := readJSON(path, &v)
	assert.True(t, found)
	assert.True(t, errors.Is(err, ErrCorruptState))

	found, err = readJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	assert.False(t, found)
	assert.NoError(t, err)
}

func TestProgressTrackerLifecycle(t *testing.T) {
	dir := t.TempDir()
	p := OpenProgressTracker(dir, discard)
	entities := []string{"A", "B", "C"}

	id, idx, ok := p.ResumePoint(entities)
	require.True(t, ok)
	assert.Equal(t, "A", id)
	assert.Equal(t, 0, idx)

	require.NoError(t, p.MarkProgress("A", 1, 2, 1))
	require.NoError(t, p.MarkProgress("A", 2, 2, 2))
	require.NoError(t, p.MarkComplete("A", 2))
	require.NoError(t, p.MarkProgress("B", 3, 5, 4))

	reopened := OpenProgressTracker(dir, discard)
	id, idx, ok = reopened.ResumePoint(entities)
	require.True(t, ok)
	assert.Equal(t, "B", id)
	assert.Equal(t, 4, idx)
	assert.True(t, reopened.IsComplete("A"))
	assert.False(t, reopened.IsComplete("B"))
	assert.Equal(t, CurrentEntity{EntityID: "B", Completed: 3, Total: 5, LastIndex: 4}, reopened.Current())

	f := readFile[progressFile](t, reopened.Path())
	assert.Equal(t, map[string]int{"A": 2}, f.CikAdshCounts)
	assert.Equal(t, "B", f.CurrentCIK)
	assert.Equal(t, 5, f.TotalCompletedAdshs)

	s := reopened.Summary(3)
	assert.Equal(t, 1, s.CompletedEntities)
	assert.InDelta(t, 33.33, s.CompletionRate, 0.01)
	assert.Equal(t, 5, s.TotalCompletedItems)
}

func TestProgressTrackerCompletedXorCurrent(t *testing.T) {
	p := OpenProgressTracker(t.TempDir(), discard)
	require.NoError(t, p.MarkComplete("A", 2))
	require.NoError(t, p.MarkProgress("A", 1, 3, 1))

	assert.False(t, p.IsComplete("A"))
	assert.Equal(t, "A", p.Current().EntityID)

	require.NoError(t, p.MarkComplete("A", 3))
	assert.True(t, p.IsComplete("A"))
	assert.Equal(t, CurrentEntity{}, p.Current())
}

func TestProgressTrackerAllDone(t *testing.T) {
	p := OpenProgressTracker(t.TempDir(), discard)
	require.NoError(t, p.MarkComplete("A", 1))
	require.NoError(t, p.MarkComplete("B", 1))
	_, _, ok := p.ResumePoint([]string{"A", "B"})
	assert.False(t, ok)
}

func TestProgressTrackerIgnoresUnknownCurrent(t *testing.T) {
	p := OpenProgressTracker(t.TempDir(), discard)
	require.NoError(t, p.MarkProgress("Z", 1, 4, 1))
	id, idx, ok := p.ResumePoint([]string{"A"})
	require.True(t, ok)
	assert.Equal(t, "A", id)
	assert.Equal(t, 0, idx)
}

func TestProgressTrackerCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProgressFile), []byte("garbage"), 0o644))
	p := OpenProgressTracker(dir, discard)
	id, idx, ok := p.ResumePoint([]string{"A"})
	assert.True(t, ok)
	assert.Equal(t, "A", id)
	assert.Equal(t, 0, idx)
}

func TestFailureLogAppendsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)

	l := NewFailureLog(dir, discard)
	l.now = func() time.Time { return fixed }
	n, err := l.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, statErr := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(statErr), "empty flush must not create the file")

	l.Record("0000001234", "A1", "13F-HR", errors.New("bad status '404 Not Found'"))
	l.Record("0000001234", "A1", "13F-HR", errors.New("bad status '404 Not Found'"))
	n, err = l.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, l.Pending())

	next := NewFailureLog(dir, discard)
	next.now = func() time.Time { return fixed }
	next.Record("0000005678", "B1", "13F-HR", errors.New("timeout"))
	_, err = next.Flush()
	require.NoError(t, err)

	f := readFile[failureFile](t, l.Path())
	assert.Equal(t, 3, f.Summary.TotalFailed)
	assert.Equal(t, "2024-05-01 12:30:00", f.Summary.Date)
	require.Len(t, f.FailedDownloads, 3)
	assert.Equal(t, "0000001234", f.FailedDownloads[0].EntityID)
	assert.Contains(t, f.FailedDownloads[0].ErrorMessage, "404")
	assert.Equal(t, "B1", f.FailedDownloads[2].Accession)
	assert.Equal(t, fixed.Unix(), f.FailedDownloads[2].Time().Unix())

	records, err := next.Records()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
