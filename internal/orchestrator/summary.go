package orchestrator

import (
	"log/slog"
	"time"
)

// GapFillSummary reports the pre-flight reconciliation pass. Missing counts
// items missing at analysis time; Declined is set when some were found but
// gap-fill is disabled.
type GapFillSummary struct {
	Missing    int
	Attempted  int
	Successful int
	Failed     int
	Declined   bool

	FailureLogPath string // set by GapFill when failures were written
}

// Summary reports one run. Attempted counts fetch attempts across both
// phases; Skipped counts main-loop items already delivered.
type Summary struct {
	Attempted         int
	Successful        int
	Failed            int
	Skipped           int
	EntitiesCompleted int
	GapFill           GapFillSummary
	FailureLogPath    string // set when failures were written
	Duration          time.Duration
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("attempted", s.Attempted),
		slog.Int("successful", s.Successful),
		slog.Int("failed", s.Failed),
		slog.Int("skipped", s.Skipped),
		slog.Int("entities_completed", s.EntitiesCompleted),
		slog.Int("gap_fill_missing", s.GapFill.Missing),
		slog.Int("gap_fill_successful", s.GapFill.Successful),
		slog.Duration("duration", s.Duration.Round(time.Millisecond)),
	}
	if s.FailureLogPath != "" {
		attrs = append(attrs, slog.String("failure_log", s.FailureLogPath))
	}
	return slog.GroupValue(attrs...)
}
