package state

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// FailureRecord is one unsuccessful attempt. Records are never deduplicated.
type FailureRecord struct {
	EntityID     string  `json:"cik"`
	Accession    string  `json:"accession_number"`
	FormType     string  `json:"form_type"`
	ErrorMessage string  `json:"error_message"`
	Timestamp    float64 `json:"timestamp"` // unix seconds
}

// Time returns the record timestamp.
func (r FailureRecord) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

type failureSummary struct {
	TotalFailed int     `json:"total_failed"`
	Timestamp   float64 `json:"timestamp"`
	Date        string  `json:"date"`
}

type failureFile struct {
	Summary         failureSummary  `json:"summary"`
	FailedDownloads []FailureRecord `json:"failed_downloads"`
}

// FailureLog buffers failures for a session and appends them to the durable
// log on Flush.
type FailureLog struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []FailureRecord
}

// NewFailureLog returns a log writing to dir.
func NewFailureLog(dir string, logger *slog.Logger) *FailureLog {
	return &FailureLog{
		path:   filepath.Join(dir, FailureLogFile),
		logger: logger.With(slog.String("store", "failure_log")),
		now:    time.Now,
	}
}

// Path returns the backing file.
func (l *FailureLog) Path() string { return l.path }

// Record buffers a failure for the given item.
func (l *FailureLog) Record(entityID, accession, formType string, cause error) FailureRecord {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	rec := FailureRecord{
		EntityID:     entityID,
		Accession:    accession,
		FormType:     formType,
		ErrorMessage: msg,
		Timestamp:    unixSeconds(l.now()),
	}
	l.mu.Lock()
	l.pending = append(l.pending, rec)
	l.mu.Unlock()
	return rec
}

// Pending returns the number of buffered, unflushed records.
func (l *FailureLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush appends buffered records to the file and rewrites the summary. It
// returns the number of records written; nothing is written when the buffer
// is empty.
func (l *FailureLog) Flush() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, nil
	}
	existing, err := l.readLocked()
	if err != nil {
		return 0, err
	}
	all := append(existing, l.pending...)
	now := l.now()
	f := failureFile{
		Summary: failureSummary{
			TotalFailed: len(all),
			Timestamp:   unixSeconds(now),
			Date:        now.Format("2006-01-02 15:04:05"),
		},
		FailedDownloads: all,
	}
	if err := writeJSON(l.path, f); err != nil {
		return 0, fmt.Errorf("save failure log: %w", err)
	}
	n := len(l.pending)
	l.pending = nil
	l.logger.Info("Saved failure log.", slog.String("path", l.path), slog.Int("new", n), slog.Int("total", len(all)))
	return n, nil
}

// Records returns every durable record followed by any unflushed ones.
func (l *FailureLog) Records() ([]FailureRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, err := l.readLocked()
	if err != nil {
		return nil, err
	}
	return append(existing, l.pending...), nil
}

func (l *FailureLog) readLocked() ([]FailureRecord, error) {
	var f failureFile
	_, err := readJSON(l.path, &f)
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			l.logger.Error("Failure log is corrupt, starting a new one.", "error", err)
			quarantine(l.path, l.logger)
			return nil, nil
		}
		return nil, err
	}
	return f.FailedDownloads, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
