package saver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb" // Register DuckDB driver
)

// SaveTablesToParquet saves each table of the event database to a separate
// Parquet file in outDir, named after the table.
func SaveTablesToParquet(ctx context.Context, db *sql.DB, outDir string, logger *slog.Logger) ([]string, error) {
	logger.Info("Starting table export to Parquet.", slog.String("dir", outDir))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outDir, err)
	}

	rows, err := db.QueryContext(ctx, `PRAGMA show_tables;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	var tableNames []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, tableName)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	rows.Close()

	if len(tableNames) == 0 {
		logger.Info("No tables found in the database to save.")
		return nil, nil
	}
	logger.Info("Found tables to save.", slog.Int("count", len(tableNames)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var saveErrors []error
	var written []string

	for _, tableName := range tableNames {
		if ctx.Err() != nil {
			logger.Warn("Context cancelled before saving all tables.", "error", ctx.Err())
			break
		}
		wg.Add(1)
		go func(tn string) {
			defer wg.Done()
			l := logger.With(slog.String("table", tn))

			safeFilename := strings.ReplaceAll(tn, `"`, "")
			safeFilename = strings.ReplaceAll(safeFilename, "/", "_")
			outputFilePath := filepath.Join(outDir, safeFilename+".parquet")
			duckdbFilePath := strings.ReplaceAll(outputFilePath, `\`, `/`) // DuckDB needs forward slashes

			quotedTableName := fmt.Sprintf(`"%s"`, strings.ReplaceAll(tn, `"`, `""`))
			copySQL := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET);`,
				quotedTableName,
				strings.ReplaceAll(duckdbFilePath, "'", "''"),
			)
			l.Debug("Executing COPY TO command.", slog.String("output_path", outputFilePath))

			if _, execErr := db.ExecContext(ctx, copySQL); execErr != nil {
				l.Error("Failed to save table to Parquet.", "error", execErr)
				mu.Lock()
				saveErrors = append(saveErrors, fmt.Errorf("save %s: %w", tn, execErr))
				mu.Unlock()
				return
			}
			l.Info("Saved table to Parquet.", slog.String("output_path", outputFilePath))
			mu.Lock()
			written = append(written, outputFilePath)
			mu.Unlock()
		}(tableName)
	}
	wg.Wait()

	if finalErr := errors.Join(saveErrors...); finalErr != nil {
		logger.Error("Table export completed with errors.", "error", finalErr)
		return written, finalErr
	}
	logger.Info("Table export finished.", slog.Int("files", len(written)))
	return written, nil
}
