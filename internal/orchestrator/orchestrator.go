package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/edgarsync/internal/analyser"
	"github.com/brensch/edgarsync/internal/config"
	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/documents"
	"github.com/brensch/edgarsync/internal/inspector"
	"github.com/brensch/edgarsync/internal/inventory"
	"github.com/brensch/edgarsync/internal/state"
)

// Fetcher retrieves one document body. *downloader.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Orchestrator drives a resumable download run over the expected inventory.
// It is the only writer of the completion cache, progress tracker and
// failure log it owns.
type Orchestrator struct {
	cfg      config.Config
	logger   *slog.Logger
	fetcher  Fetcher
	store    *documents.Store
	cache    *state.CompletionCache
	progress *state.ProgressTracker
	failures *state.FailureLog
	events   EventRecorder
	observer Observer
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithEventRecorder persists item outcomes through r.
func WithEventRecorder(r EventRecorder) Option {
	return func(o *Orchestrator) { o.events = r }
}

// WithObserver sends run events to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New opens the state stores under cfg.CacheDir and returns an orchestrator
// fetching through f.
func New(cfg config.Config, f Fetcher, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg = cfg.WithDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		fetcher:  f,
		store:    documents.NewStore(cfg.OutputDir, cfg.DocumentExt),
		cache:    state.OpenCompletionCache(cfg.CacheDir, logger),
		progress: state.OpenProgressTracker(cfg.CacheDir, logger),
		failures: state.NewFailureLog(cfg.CacheDir, logger),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cache returns the completion cache.
func (o *Orchestrator) Cache() *state.CompletionCache { return o.cache }

// Progress returns the progress tracker.
func (o *Orchestrator) Progress() *state.ProgressTracker { return o.progress }

// Failures returns the failure log.
func (o *Orchestrator) Failures() *state.FailureLog { return o.failures }

// session is the mutable state of one run.
type session struct {
	summary    Summary
	pending    []string
	pendingSet map[string]struct{}
	gapFailed  map[string]ItemResult
	boundary   state.Cursor // last finished entity
	last       state.Cursor // last processed item
	touched    bool
	processed  int
}

func newSession(cursor state.Cursor) *session {
	return &session{
		pendingSet: make(map[string]struct{}),
		gapFailed:  make(map[string]ItemResult),
		boundary:   cursor,
		last:       cursor,
	}
}

func (s *session) addPending(key string) {
	if _, ok := s.pendingSet[key]; ok {
		return
	}
	s.pendingSet[key] = struct{}{}
	s.pending = append(s.pending, key)
}

func (s *session) isPending(key string) bool {
	_, ok := s.pendingSet[key]
	return ok
}

// Run loads the inventory, backfills gaps, then works through every entity
// that is not yet complete. Item and entity failures are recorded and never
// abort the run. The returned error is non-nil only when the inventory is
// missing, the output root cannot be created, or ctx is cancelled; in the
// last case state is flushed before returning.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	inv, err := o.prepare()
	if err != nil {
		return Summary{}, err
	}

	s := newSession(o.cache.Cursor())
	o.logProgressSummary("Progress at start.", inv)

	gf, err := o.gapFill(ctx, inv, s)
	s.summary.GapFill = gf
	s.summary.Attempted += gf.Attempted
	s.summary.Successful += gf.Successful
	s.summary.Failed += gf.Failed
	if err != nil {
		return o.finish(s, inv, start, err)
	}

	return o.finish(s, inv, start, o.mainLoop(ctx, inv, s))
}

// GapFill runs only the reconciliation pass and flushes any failures.
func (o *Orchestrator) GapFill(ctx context.Context) (GapFillSummary, error) {
	inv, err := o.prepare()
	if err != nil {
		return GapFillSummary{}, err
	}
	s := newSession(o.cache.Cursor())
	gf, err := o.gapFill(ctx, inv, s)
	if _, flushErr := o.failures.Flush(); flushErr != nil {
		o.logger.Error("Failed to save failure log.", "error", flushErr)
	} else if gf.Failed > 0 {
		gf.FailureLogPath = o.failures.Path()
	}
	return gf, err
}

func (o *Orchestrator) prepare() (inventory.Inventory, error) {
	inv, err := inventory.LoadDir(o.cfg.InventoryDir, o.logger)
	if err != nil {
		return inventory.Inventory{}, fmt.Errorf("load inventory: %w", err)
	}
	if err := o.store.EnsureRoot(); err != nil {
		return inventory.Inventory{}, err
	}
	o.logger.Info("Loaded inventory.", slog.Int("entities", len(inv.Entities)), slog.Int("items", inv.TotalItems()))
	return inv, nil
}

// deliveredKeys is the key set reconciliation compares against: the cache,
// optionally narrowed to documents that still exist on disk.
func (o *Orchestrator) deliveredKeys() analyser.KeySet {
	if !o.cfg.VerifyOnDisk {
		return o.cache
	}
	onDisk, err := inspector.DeliveredKeys(o.cfg.OutputDir, o.cfg.DocumentExt)
	if err != nil {
		o.logger.Error("Failed to scan document tree, reconciling against the cache only.", "error", err)
		return o.cache
	}
	return analyser.Intersect{o.cache, onDisk}
}

func (o *Orchestrator) gapFill(ctx context.Context, inv inventory.Inventory, s *session) (GapFillSummary, error) {
	var gf GapFillSummary
	keys := o.deliveredKeys()
	report := analyser.Analyze(inv, keys)
	sum := report.Summary()
	missing := report.MissingItems()
	gf.Missing = len(missing)
	o.logger.Info("Reconciliation complete.",
		slog.Int("complete", sum.Complete),
		slog.Int("partially_downloaded", sum.PartiallyDownloaded),
		slog.Int("not_downloaded", sum.NotDownloaded),
		slog.Int("missing_items", sum.MissingItems),
		slog.String("completion", fmt.Sprintf("%.1f%%", sum.CompletionPercentage)),
	)
	if len(missing) == 0 {
		return gf, nil
	}
	if !o.cfg.AutoConfirmGapFill {
		gf.Declined = true
		o.logger.Warn("Gap-fill disabled, leaving missing filings for the main pass.", slog.Int("missing_items", len(missing)))
		return gf, nil
	}

	missing = uniqueMissing(analyser.FilterMissing(missing, keys))
	total := len(missing)
	o.logger.Info("Starting gap-fill.", slog.Int("items", total))
	o.observe(Event{Type: EventPhaseStarted, Phase: PhaseGapFill, Total: total})

	var batch []string
	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		cursor := o.cache.Cursor()
		if err := o.cache.Merge(batch, cursor.Entity, cursor.Index); err != nil {
			o.logger.Error("Failed to save completion cache during gap-fill.", "error", err)
			return
		}
		batch = batch[:0]
	}
	defer flushBatch()

	for i, m := range missing {
		if err := ctx.Err(); err != nil {
			return gf, err
		}
		res := o.fetchItem(ctx, m.ExpectedItem, PhaseGapFill)
		switch res.Outcome {
		case OutcomeCancelled:
			return gf, res.Err
		case OutcomeSuccess:
			gf.Successful++
			batch = append(batch, m.Key)
		case OutcomeFailed:
			gf.Failed++
			s.gapFailed[m.Key] = res
			o.failures.Record(m.EntityID, m.Accession, m.FormType, res.Err)
		}
		gf.Attempted++
		if len(batch) >= o.cfg.GapFillFlushInterval {
			flushBatch()
		}
		if (i+1)%10 == 0 || i+1 == total {
			o.logger.Info("Gap-fill progress.", slog.Int("done", i+1), slog.Int("total", total), slog.Int("successful", gf.Successful), slog.Int("failed", gf.Failed))
		}
		o.observe(Event{Type: EventItemFinished, Phase: PhaseGapFill, EntityID: m.EntityID, Accession: m.Accession, Index: i + 1, Total: total, Result: res})
	}
	flushBatch()
	o.observe(Event{Type: EventPhaseFinished, Phase: PhaseGapFill, Total: total})
	return gf, nil
}

// uniqueMissing drops repeated keys so an inventory row listed twice is
// fetched once.
func uniqueMissing(items []analyser.MissingItem) []analyser.MissingItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.Key] {
			continue
		}
		seen[it.Key] = true
		out = append(out, it)
	}
	return out
}

func (o *Orchestrator) mainLoop(ctx context.Context, inv inventory.Inventory, s *session) error {
	resumeEntity, resumeIndex, ok := o.progress.ResumePoint(inv.EntityIDs())
	if !ok {
		o.logger.Info("All entities already complete.")
		return nil
	}
	current := o.progress.Current()
	o.logger.Info("Starting main pass.", slog.String("resume_entity", resumeEntity), slog.Int("resume_index", resumeIndex))
	o.observe(Event{Type: EventPhaseStarted, Phase: PhaseMain, Total: len(inv.Entities)})

	for _, e := range startingAt(inv.Entities, resumeEntity) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.progress.IsComplete(e.ID) {
			continue
		}
		startIdx, completed := 0, 0
		if e.ID == resumeEntity && current.EntityID == e.ID {
			if resumeIndex < len(e.Items) {
				startIdx, completed = resumeIndex, current.Completed
			} else if resumeIndex > 0 {
				// The last pass reached the end with failures. Cached items
				// are skipped, so only the failed ones are fetched again.
				o.logger.Info("Rescanning incomplete entity.", slog.String("entity_id", e.ID), slog.Int("completed", current.Completed), slog.Int("total", len(e.Items)))
			}
		}
		if err := o.processEntity(ctx, s, e, startIdx, completed); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("Entity processing failed, continuing with next entity.", slog.String("entity_id", e.ID), "error", err)
		}
	}
	o.observe(Event{Type: EventPhaseFinished, Phase: PhaseMain, Total: len(inv.Entities)})
	return nil
}

// startingAt rotates entities so that id comes first. Entities before it are
// still visited afterwards, since an earlier entity may have been left
// incomplete.
func startingAt(entities []inventory.Entity, id string) []inventory.Entity {
	for i, e := range entities {
		if e.ID == id {
			out := make([]inventory.Entity, 0, len(entities))
			out = append(out, entities[i:]...)
			return append(out, entities[:i]...)
		}
	}
	return entities
}

func (o *Orchestrator) processEntity(ctx context.Context, s *session, e inventory.Entity, startIdx, completed int) error {
	total := len(e.Items)
	l := o.logger.With(slog.String("entity_id", e.ID))
	started := time.Now()
	if startIdx > total {
		startIdx = total
	}
	if startIdx > 0 {
		l.Info("Resuming entity.", slog.Int("from_index", startIdx), slog.Int("completed", completed), slog.Int("total", total))
	}
	o.observe(Event{Type: EventEntityStarted, Phase: PhaseMain, EntityID: e.ID, Index: startIdx, Total: total})

	var successful, failed, skipped int
	for i := startIdx; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := e.Items[i]
		pos := i + 1
		key := item.ItemKey.String()

		var res ItemResult
		if prior, ok := s.gapFailed[key]; ok {
			// Already attempted and recorded by gap-fill this run.
			res = prior
			res.Replayed = true
			failed++
		} else if o.cache.Has(key) || s.isPending(key) {
			res = ItemResult{Outcome: OutcomeSkipped, Kind: KindNone}
			completed++
			skipped++
			s.summary.Skipped++
			o.record(ctx, db.Event{EntityID: item.EntityID, Accession: item.Accession, Event: db.EventSkipDownload, Phase: string(PhaseMain)})
		} else {
			res = o.fetchItem(ctx, item, PhaseMain)
			switch res.Outcome {
			case OutcomeCancelled:
				return res.Err
			case OutcomeSuccess:
				completed++
				successful++
				s.summary.Successful++
				s.addPending(key)
			case OutcomeFailed:
				failed++
				s.summary.Failed++
				o.failures.Record(item.EntityID, item.Accession, item.FormType, res.Err)
			}
			s.summary.Attempted++
		}

		s.last = state.Cursor{Entity: e.ID, Index: pos}
		s.touched = true
		if err := o.progress.MarkProgress(e.ID, completed, total, pos); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		if len(s.pending) >= o.cfg.FlushInterval {
			o.flush(s)
		}
		s.processed++
		if s.processed%o.cfg.ProgressLogInterval == 0 {
			o.logger.Info("Main pass progress.",
				slog.Int("processed", s.processed),
				slog.Int("successful", s.summary.Successful),
				slog.Int("failed", s.summary.Failed),
				slog.Int("skipped", s.summary.Skipped),
				slog.String("entity_id", e.ID))
		}
		o.observe(Event{Type: EventItemFinished, Phase: PhaseMain, EntityID: e.ID, Accession: item.Accession, Index: pos, Total: total, Result: res})
	}

	s.boundary = state.Cursor{Entity: e.ID, Index: total}
	done := completed >= total
	if !done && o.allDelivered(e, s) {
		l.Info("Every item of entity is delivered, marking complete.", slog.Int("completed", completed), slog.Int("total", total))
		done = true
	}
	attrs := []any{
		slog.Int("total", total),
		slog.Int("successful", successful),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(started).Round(time.Millisecond)),
	}
	if done {
		if err := o.progress.MarkComplete(e.ID, total); err != nil {
			return fmt.Errorf("mark complete: %w", err)
		}
		s.summary.EntitiesCompleted++
		l.Info("Entity complete.", attrs...)
	} else {
		l.Warn("Entity incomplete, failed items will be retried next run.", append(attrs, slog.Int("completed", completed))...)
	}
	o.observe(Event{Type: EventEntityFinished, Phase: PhaseMain, EntityID: e.ID, Index: total, Total: total, Completed: done})
	return nil
}

func (o *Orchestrator) allDelivered(e inventory.Entity, s *session) bool {
	for _, item := range e.Items {
		key := item.ItemKey.String()
		if !o.cache.Has(key) && !s.isPending(key) {
			return false
		}
	}
	return true
}

// flush merges pending keys into the cache. Under the entity policy the
// cursor names the last finished entity; under the item policy it names the
// last processed item. Keys stay pending if the write fails.
func (o *Orchestrator) flush(s *session) error {
	cursor := s.boundary
	if o.cfg.CursorPolicy == config.CursorItem {
		cursor = s.last
	}
	if err := o.cache.Merge(s.pending, cursor.Entity, cursor.Index); err != nil {
		o.logger.Error("Failed to save completion cache.", slog.Int("pending", len(s.pending)), "error", err)
		return err
	}
	s.pending = s.pending[:0]
	clear(s.pendingSet)
	return nil
}

func (o *Orchestrator) finish(s *session, inv inventory.Inventory, start time.Time, runErr error) (Summary, error) {
	var errs error
	if len(s.pending) > 0 || s.touched {
		if err := o.flush(s); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if _, err := o.failures.Flush(); err != nil {
		o.logger.Error("Failed to save failure log.", "error", err)
		errs = errors.Join(errs, err)
	}
	if s.summary.Failed > 0 {
		s.summary.FailureLogPath = o.failures.Path()
	}
	s.summary.Duration = time.Since(start)

	if runErr != nil {
		o.logger.Warn("Run stopped early.", "error", runErr)
	}
	if errs != nil {
		o.logger.Error("State was not fully saved.", "error", errs)
	}
	o.logger.Info("Run finished.", slog.Any("summary", s.summary))
	if s.summary.Failed > 0 {
		o.logger.Warn("Some filings failed, see the failure log.", slog.Int("failed", s.summary.Failed), slog.String("failure_log", s.summary.FailureLogPath))
	}
	o.logProgressSummary("Progress at end.", inv)

	summary := s.summary
	o.observe(Event{Type: EventRunFinished, Summary: &summary})
	return summary, runErr
}

func (o *Orchestrator) logProgressSummary(msg string, inv inventory.Inventory) {
	ps := o.progress.Summary(len(inv.Entities))
	o.logger.Info(msg,
		slog.Int("completed_entities", ps.CompletedEntities),
		slog.Int("total_entities", ps.TotalEntities),
		slog.String("completion_rate", fmt.Sprintf("%.1f%%", ps.CompletionRate)),
		slog.Int("delivered_items", o.cache.Len()),
		slog.String("current_entity", ps.Current.EntityID),
	)
}
