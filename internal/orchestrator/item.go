package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brensch/edgarsync/internal/db"
	"github.com/brensch/edgarsync/internal/documents"
	"github.com/brensch/edgarsync/internal/downloader"
	"github.com/brensch/edgarsync/internal/inventory"
)

// classify maps a fetch or save error onto an ErrorKind.
func classify(err error) ErrorKind {
	var statusErr *downloader.StatusError
	var writeErr *documents.WriteError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &statusErr):
		return KindRemoteStatus
	case errors.As(err, &writeErr):
		return KindIO
	default:
		return KindTransport
	}
}

// fetchItem runs the per-item pipeline: rate-limited fetch, sub-identifier
// extraction and atomic save. It never touches the state stores; the caller
// decides what to do with the result.
func (o *Orchestrator) fetchItem(ctx context.Context, item inventory.ExpectedItem, phase Phase) ItemResult {
	url := downloader.FilingURL(o.cfg.BaseURL, item.EntityID, item.Accession)
	l := o.logger.With(slog.String("entity_id", item.EntityID), slog.String("accession", item.Accession), slog.String("phase", string(phase)))
	start := time.Now()

	body, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return ItemResult{Outcome: OutcomeCancelled, Kind: KindNone, Err: ctx.Err()}
		}
		d := time.Since(start)
		kind := classify(err)
		l.Warn("Fetch failed.", slog.String("kind", string(kind)), "error", err)
		o.record(ctx, db.Event{EntityID: item.EntityID, Accession: item.Accession, Event: db.EventError, Phase: string(phase), URL: url, Message: err.Error(), Duration: &d})
		return ItemResult{Outcome: OutcomeFailed, Kind: kind, Err: err}
	}

	subID, _ := documents.SubIdentifier(item.FormType, body)
	path, err := o.store.Save(item.EntityID, item.Accession, body, subID)
	d := time.Since(start)
	if err != nil {
		l.Error("Failed saving document.", "error", err)
		o.record(ctx, db.Event{EntityID: item.EntityID, Accession: item.Accession, Event: db.EventError, Phase: string(phase), URL: url, Message: err.Error(), Duration: &d})
		return ItemResult{Outcome: OutcomeFailed, Kind: classify(err), Err: err}
	}

	l.Debug("Saved filing.", slog.String("path", path), slog.Int("bytes", len(body)), slog.Duration("duration", d.Round(time.Millisecond)))
	o.record(ctx, db.Event{EntityID: item.EntityID, Accession: item.Accession, Event: db.EventDownloadEnd, Phase: string(phase), URL: url, OutputPath: path, Duration: &d})
	return ItemResult{Outcome: OutcomeSuccess, Kind: KindNone, Path: path}
}

func (o *Orchestrator) record(ctx context.Context, ev db.Event) {
	if o.events != nil {
		o.events.Record(ctx, ev)
	}
}

func (o *Orchestrator) observe(ev Event) {
	if o.observer != nil {
		o.observer.Observe(ev)
	}
}
