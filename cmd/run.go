package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/edgarsync/internal/app"
	"github.com/brensch/edgarsync/internal/config"
	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/downloader"
	"github.com/brensch/edgarsync/internal/orchestrator"
)

var (
	runTUI         bool
	runNoGapFill   bool
	runGapFillOnly bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Download every filing in the inventory, resuming previous progress",
	Long: `Performs the complete download workflow:
1. Loads the expected inventory from --inventory-dir.
2. Reconciles it against the completion cache and backfills missing filings
   (disable with --no-gap-fill).
3. Walks the entities in inventory order from the recorded resume point,
   downloading every filing not yet delivered.
Progress is saved periodically and on interrupt; run again to resume.
Use --tui for an interactive progress monitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		if runNoGapFill {
			cfg.AutoConfirmGapFill = false
		}
		if runGapFillOnly && !cfg.AutoConfirmGapFill {
			return fmt.Errorf("--gap-fill-only conflicts with gap-fill being disabled")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runTUI {
			return runWithTUI(ctx, cfg, logger)
		}

		o := newOrchestrator(cfg, logger, nil)
		if runGapFillOnly {
			gf, err := o.GapFill(ctx)
			logger.Info("Gap-fill finished.", slog.Int("missing", gf.Missing), slog.Int("successful", gf.Successful), slog.Int("failed", gf.Failed))
			if gf.FailureLogPath != "" {
				logger.Warn("Some filings failed, see the failure log.", slog.Int("failed", gf.Failed), slog.String("failure_log", gf.FailureLogPath))
			}
			return err
		}
		summary, err := o.Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted; progress saved. Run again to resume.", slog.Any("summary", summary))
			return nil
		}
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show an interactive progress monitor")
	runCmd.Flags().BoolVar(&runNoGapFill, "no-gap-fill", false, "Skip the reconciliation backfill before the main loop")
	runCmd.Flags().BoolVar(&runGapFillOnly, "gap-fill-only", false, "Run only the reconciliation backfill")
}

// newOrchestrator wires the fetcher, event log and observer.
func newOrchestrator(cfg config.Config, logger *slog.Logger, obs orchestrator.Observer) *orchestrator.Orchestrator {
	fetcher := downloader.NewFetcher(cfg, downloader.NewRateLimiter(cfg.RequestDelay), logger)
	opts := []orchestrator.Option{orchestrator.WithEventRecorder(db.NewEventLog(getDB(), logger))}
	if obs != nil {
		opts = append(opts, orchestrator.WithObserver(obs))
	}
	return orchestrator.New(cfg, fetcher, logger, opts...)
}

func runWithTUI(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Logging to the terminal would draw over the monitor.
	if out := strings.ToLower(v.GetString("log-output")); out == "" || out == "stderr" || out == "stdout" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache dir: %w", err)
		}
		path := filepath.Join(cfg.CacheDir, "edgarsync.log")
		l, f, err := newLogger(v.GetString("log-level"), v.GetString("log-format"), path)
		if err != nil {
			return err
		}
		defer f.Close()
		logger = l
		fmt.Fprintf(os.Stderr, "Logging to %s\n", path)
	}

	syncTask := func(ctx context.Context, obs orchestrator.Observer) (string, error) {
		s, err := newOrchestrator(cfg, logger, obs).Run(ctx)
		msg := fmt.Sprintf("Downloaded %d, failed %d, skipped %d, entities completed %d in %s.",
			s.Successful, s.Failed, s.Skipped, s.EntitiesCompleted, s.Duration.Round(time.Millisecond))
		if s.FailureLogPath != "" {
			msg += " Failures: " + s.FailureLogPath
		}
		return msg, err
	}
	gapTask := func(ctx context.Context, obs orchestrator.Observer) (string, error) {
		gf, err := newOrchestrator(cfg, logger, obs).GapFill(ctx)
		msg := fmt.Sprintf("Gap-fill: %d missing, %d downloaded, %d failed.", gf.Missing, gf.Successful, gf.Failed)
		if gf.FailureLogPath != "" {
			msg += " Failures: " + gf.FailureLogPath
		}
		return msg, err
	}

	items := []app.MenuItem{{Label: "Sync Filings", Run: syncTask}}
	if cfg.AutoConfirmGapFill {
		items = append(items, app.MenuItem{Label: "Gap Fill Only", Run: gapTask})
	}
	m := app.NewAppModel(ctx, logger, items...)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}
	if m.FatalErr != nil && !errors.Is(m.FatalErr, context.Canceled) {
		return m.FatalErr
	}
	return nil
}
