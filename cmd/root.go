package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/brensch/edgarsync/internal/config"
	"github.com/brensch/edgarsync/internal/db"
)

var (
	cfgFile string

	// v layers flags over EDGARSYNC_* environment variables over the config
	// file over defaults.
	v = viper.New()

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logFile    *os.File
	dbConn     *sql.DB
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "edgarsync",
	Short: "Resumable bulk download of SEC EDGAR filings.",
	Long: `edgarsync downloads every filing listed in an expected inventory from the
EDGAR archive, pacing requests to the archive's rate limit. Progress is kept
in a completion cache and a per-entity progress file so an interrupted run
resumes where it stopped, and a reconciliation pass backfills anything the
cache says is missing. Every item outcome is also written to a DuckDB event
log.

The primary command is 'run'. The other commands report on state, audit the
document tree and export reports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfigFile(); err != nil {
			return err
		}

		// --- 1. Initialize Logger ---
		logger, f, err := newLogger(v.GetString("log-level"), v.GetString("log-format"), v.GetString("log-output"))
		if err != nil {
			return err
		}
		rootLogger, logFile = logger, f
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized.", "level", v.GetString("log-level"), "format", v.GetString("log-format"), "output", v.GetString("log-output"))
		if used := v.ConfigFileUsed(); used != "" {
			rootLogger.Info("Using config file.", slog.String("path", used))
		}

		// --- 2. Load/Validate Config ---
		appConfig, err = config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		rootLogger.Debug("Configuration loaded.", slog.Any("config", appConfig))

		// --- 3. Initialize DuckDB Connection & Schema ---
		if appConfig.DbPath != ":memory:" && appConfig.DbPath != "" {
			dbDir := filepath.Dir(appConfig.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
		rootLogger.Debug("Initializing DuckDB connection.", "path", appConfig.DbPath)
		dbConn, err = sql.Open("duckdb", appConfig.DbPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			dbConn = nil
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			dbConn = nil
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Debug("Database schema initialized.")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeResources()
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyseCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(failuresCmd)

	if err := rootCmd.Execute(); err != nil {
		// PersistentPostRunE is skipped when RunE fails.
		closeResources()
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./edgarsync.yaml if present)")

	d := config.Default()
	pf.String("inventory-dir", d.InventoryDir, "Directory of per-entity inventory CSV files")
	pf.StringP("output-dir", "o", d.OutputDir, "Root of the downloaded document tree")
	pf.String("cache-dir", d.CacheDir, "Directory for the completion cache, progress and failure files")
	pf.StringP("db-path", "d", d.DbPath, "Path to DuckDB event log (:memory: for in-memory)")
	pf.String("base-url", d.BaseURL, "Archive base URL")
	pf.String("user-agent", d.UserAgent, "User-Agent sent to the archive (name and contact email)")
	pf.Duration("request-timeout", d.RequestTimeout, "Timeout for a single request")
	pf.Duration("request-delay", d.RequestDelay, "Minimum interval between requests (0 disables pacing)")
	pf.Int("flush-interval", d.FlushInterval, "Completed items between completion cache saves in the main loop")
	pf.Int("gap-fill-flush-interval", d.GapFillFlushInterval, "Completed items between completion cache saves during gap-fill")
	pf.Int("progress-log-interval", d.ProgressLogInterval, "Items between progress log lines")
	pf.Bool("auto-confirm-gap-fill", d.AutoConfirmGapFill, "Backfill items missing from the cache before the main loop")
	pf.String("cursor-policy", d.CursorPolicy, "Cursor written on periodic saves: entity or item")
	pf.Bool("verify-on-disk", d.VerifyOnDisk, "Treat cached items whose document is missing on disk as missing")
	pf.String("document-ext", d.DocumentExt, "Extension of saved documents")

	pf.String("log-format", "text", "Log output format (text or json)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	pf.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		// Binding only fails for a nil flag.
		_ = v.BindPFlag(f.Name, f)
	})
	config.SetDefaults(v)
	v.SetEnvPrefix("EDGARSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.Version = "0.3.0"
}

func loadConfigFile() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}
	v.SetConfigName("edgarsync")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// newLogger builds the slog logger. The returned file is non-nil when logs go
// to a file and must be closed by the caller.
func newLogger(levelName, format, output string) (*slog.Logger, *os.File, error) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logWriter io.Writer = os.Stderr
	var f *os.File
	switch strings.ToLower(output) {
	case "", "stderr":
	case "stdout":
		logWriter = os.Stdout
	default:
		var err error
		f, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		logWriter = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(logWriter, opts)
	} else {
		handler = slog.NewTextHandler(logWriter, opts)
	}
	return slog.New(handler), f, nil
}

func closeResources() {
	if dbConn != nil {
		if err := dbConn.Close(); err != nil {
			getLogger().Error("Failed to close DuckDB connection cleanly.", "error", err)
		}
		dbConn = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}
