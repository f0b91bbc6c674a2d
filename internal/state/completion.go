package state

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
)

type cacheFile struct {
	DownloadedFilings []string `json:"downloaded_filings"`
	TotalCount        int      `json:"total_count"`
	LastCIK           string   `json:"last_cik"`
	LastFilingIndex   int      `json:"last_filing_index"`
}

// Cursor is the entity and 1-based item position recorded at the last flush.
type Cursor struct {
	Entity string
	Index  int
}

// CompletionCache is the durable set of fully delivered item keys. Keys are
// only ever added; Merge is the only write path.
type CompletionCache struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	keys   map[string]struct{}
	cursor Cursor
}

// OpenCompletionCache loads the cache stored in dir. A missing or corrupt
// file yields an empty cache; the corrupt file is moved aside.
func OpenCompletionCache(dir string, logger *slog.Logger) *CompletionCache {
	c := &CompletionCache{
		path:   filepath.Join(dir, CompletionCacheFile),
		logger: logger.With(slog.String("store", "completion_cache")),
		keys:   make(map[string]struct{}),
	}
	c.Load()
	return c
}

// Path returns the backing file.
func (c *CompletionCache) Path() string { return c.path }

// Load re-reads durable state, replacing the in-memory view.
func (c *CompletionCache) Load() (keys []string, cursor Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.readLocked()
	c.keys = make(map[string]struct{}, len(f.DownloadedFilings))
	for _, k := range f.DownloadedFilings {
		c.keys[k] = struct{}{}
	}
	c.cursor = Cursor{Entity: f.LastCIK, Index: f.LastFilingIndex}
	return c.sortedKeysLocked(), c.cursor
}

func (c *CompletionCache) readLocked() cacheFile {
	var f cacheFile
	found, err := readJSON(c.path, &f)
	if err != nil {
		c.logger.Error("Failed to load completion cache, starting empty.", "error", err)
		if errors.Is(err, ErrCorruptState) {
			quarantine(c.path, c.logger)
		}
		return cacheFile{}
	}
	if found {
		c.logger.Debug("Loaded completion cache.", slog.Int("keys", len(f.DownloadedFilings)))
	}
	return f
}

// Merge unions newKeys into the durable set and records the cursor. The file
// is re-read first so keys written by anyone since Load are kept.
func (c *CompletionCache) Merge(newKeys []string, entity string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	onDisk := c.readLocked()
	union := make(map[string]struct{}, len(onDisk.DownloadedFilings)+len(c.keys)+len(newKeys))
	for _, k := range onDisk.DownloadedFilings {
		union[k] = struct{}{}
	}
	for k := range c.keys {
		union[k] = struct{}{}
	}
	for _, k := range newKeys {
		union[k] = struct{}{}
	}

	prevKeys, prevCursor := c.keys, c.cursor
	c.keys = union
	c.cursor = Cursor{Entity: entity, Index: index}
	sorted := c.sortedKeysLocked()
	out := cacheFile{
		DownloadedFilings: sorted,
		TotalCount:        len(sorted),
		LastCIK:           entity,
		LastFilingIndex:   index,
	}
	if err := writeJSON(c.path, out); err != nil {
		c.keys, c.cursor = prevKeys, prevCursor
		return fmt.Errorf("save completion cache: %w", err)
	}
	c.logger.Debug("Merged completion cache.", slog.Int("new", len(newKeys)), slog.Int("total", len(sorted)))
	return nil
}

// Has reports whether key has been delivered.
func (c *CompletionCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// Len returns the number of delivered keys.
func (c *CompletionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// Keys returns a sorted copy of the delivered keys.
func (c *CompletionCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedKeysLocked()
}

// Cursor returns the cursor recorded at the last load or merge.
func (c *CompletionCache) Cursor() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

func (c *CompletionCache) sortedKeysLocked() []string {
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
