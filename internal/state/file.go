// Package state holds the durable JSON stores that make a download run
// resumable: the completion cache, the progress tracker and the failure log.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// File names inside the cache directory.
const (
	CompletionCacheFile = "download_cache.json"
	ProgressFile        = "download_progress.json"
	FailureLogFile      = "failed_downloads.json"
)

// ErrCorruptState marks a state file that exists but cannot be decoded.
// Callers recover by starting from empty state.
var ErrCorruptState = errors.New("corrupt state file")

// readJSON decodes path into v. It reports found=false when the file is
// absent, and wraps ErrCorruptState when it is unreadable as JSON.
func readJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return true, nil
}

// writeJSON replaces path with the indented encoding of v via a temp file
// and rename in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// quarantine moves a corrupt file aside so the next write does not destroy
// the evidence.
func quarantine(path string, logger *slog.Logger) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, dest); err != nil {
		logger.Warn("Failed to move corrupt state file aside.", slog.String("path", path), "error", err)
		return
	}
	logger.Warn("Moved corrupt state file aside.", slog.String("path", path), slog.String("moved_to", dest))
}
