package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// DeliveredFiling is the latest successful delivery of one filing.
type DeliveredFiling struct {
	EntityID   string
	Accession  string
	OutputPath string
}

// Key returns the composite cache key.
func (d DeliveredFiling) Key() string {
	return d.EntityID + "_" + d.Accession
}

// GetDeliveredFilings queries the log for filings with a download_end event,
// returning the most recent output path of each.
func GetDeliveredFilings(ctx context.Context, dbConnPool *sql.DB, logger *slog.Logger) ([]DeliveredFiling, error) {
	logger.Debug("Querying database for delivered filings...")
	query := `
		WITH latest AS (
			SELECT entity_id, accession, output_path,
				ROW_NUMBER() OVER (PARTITION BY entity_id, accession ORDER BY event_timestamp DESC, log_id DESC) AS rn
			FROM filing_event_log
			WHERE event = ?
		)
		SELECT entity_id, accession, output_path FROM latest WHERE rn = 1 ORDER BY entity_id, accession;
	`
	rows, err := dbConnPool.QueryContext(ctx, query, EventDownloadEnd)
	if err != nil {
		logger.Error("Failed to query for delivered filings", "error", err)
		return nil, fmt.Errorf("query delivered filings: %w", err)
	}
	defer rows.Close()

	var delivered []DeliveredFiling
	var scanErrors error
	for rows.Next() {
		var d DeliveredFiling
		var path sql.NullString
		if err := rows.Scan(&d.EntityID, &d.Accession, &path); err != nil {
			logger.Error("Failed to scan delivered filing", "error", err)
			scanErrors = errors.Join(scanErrors, fmt.Errorf("scan delivered filing: %w", err))
			continue
		}
		d.OutputPath = path.String
		delivered = append(delivered, d)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Error iterating over delivered filing results", "error", err)
		scanErrors = errors.Join(scanErrors, fmt.Errorf("iterate delivered filings: %w", err))
		return delivered, scanErrors
	}

	logger.Info("Found delivered filings in DB.", slog.Int("count", len(delivered)))
	return delivered, scanErrors
}
