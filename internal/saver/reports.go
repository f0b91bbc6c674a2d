package saver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/edgarsync/internal/analyser"
	"github.com/brensch/edgarsync/internal/state"
)

var gapReportMeta = []string{
	"name=entity_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=status, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=total, type=INT64, repetitiontype=OPTIONAL",
	"name=downloaded, type=INT64, repetitiontype=OPTIONAL",
	"name=missing, type=INT64, repetitiontype=OPTIONAL",
	"name=completion_percentage, type=DOUBLE, repetitiontype=OPTIONAL",
}

var failureReportMeta = []string{
	"name=entity_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=accession, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=form_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=error_message, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=timestamp_ms, type=INT64, repetitiontype=OPTIONAL",
}

// WriteGapReport writes one row per entity of report to path.
func WriteGapReport(path string, report analyser.Report, logger *slog.Logger) (int, error) {
	rows := make([][]*string, 0, len(report.Entities))
	for _, e := range report.Entities {
		rows = append(rows, strPtrs(
			e.EntityID,
			e.Status,
			strconv.Itoa(e.Total),
			strconv.Itoa(e.Downloaded),
			strconv.Itoa(e.Missing),
			strconv.FormatFloat(e.CompletionPercentage, 'f', -1, 64),
		))
	}
	if err := writeRows(path, gapReportMeta, rows); err != nil {
		return 0, err
	}
	logger.Info("Wrote gap report.", slog.String("path", path), slog.Int("entities", len(rows)))
	return len(rows), nil
}

// WriteFailureReport writes the failure log records to path.
func WriteFailureReport(path string, records []state.FailureRecord, logger *slog.Logger) (int, error) {
	rows := make([][]*string, 0, len(records))
	for _, r := range records {
		rows = append(rows, strPtrs(
			r.EntityID,
			r.Accession,
			r.FormType,
			r.ErrorMessage,
			strconv.FormatInt(r.Time().UnixMilli(), 10),
		))
	}
	if err := writeRows(path, failureReportMeta, rows); err != nil {
		return 0, err
	}
	logger.Info("Wrote failure report.", slog.String("path", path), slog.Int("records", len(rows)))
	return len(rows), nil
}

func strPtrs(values ...string) []*string {
	out := make([]*string, len(values))
	for i := range values {
		out[i] = &values[i]
	}
	return out
}

// writeRows writes string-encoded rows through a CSV writer with the given
// column metadata.
func writeRows(path string, meta []string, rows [][]*string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file %s: %w", path, err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", path, closeErr))
		}
	}()

	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		return fmt.Errorf("create writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, rec := range rows {
		if err := pw.WriteString(rec); err != nil {
			return fmt.Errorf("write row %d to %s: %w", i, path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("stop writer %s: %w", path, err)
	}
	return nil
}
