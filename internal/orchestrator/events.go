package orchestrator

import (
	"context"
	"fmt"

	"github.com/brensch/edgarsync/internal/db"
)

// Outcome of one item.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeSkipped
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrorKind classifies a failed item.
type ErrorKind string

const (
	KindNone         ErrorKind = "none"
	KindTransport    ErrorKind = "transport"
	KindRemoteStatus ErrorKind = "remote_status"
	KindIO           ErrorKind = "io"
)

// ItemResult is what the per-item pipeline reports back to the run loop.
type ItemResult struct {
	Outcome Outcome
	Kind    ErrorKind
	Err     error
	Path    string // saved document, on success

	// Replayed marks a gap-fill result reported again by the main pass.
	// It was already counted when gap-fill finished the item.
	Replayed bool
}

// Phase names a stage of a run.
type Phase string

const (
	PhaseGapFill Phase = db.PhaseGapFill
	PhaseMain    Phase = db.PhaseMain
)

// EventType says what an Event describes.
type EventType int

const (
	EventPhaseStarted EventType = iota
	EventPhaseFinished
	EventEntityStarted
	EventEntityFinished
	EventItemFinished
	EventRunFinished
)

// Event is delivered to an Observer as the run progresses.
type Event struct {
	Type      EventType
	Phase     Phase
	EntityID  string
	Accession string
	Index     int // 1-based item position within the entity or the gap-fill list
	Total     int // items in the entity or the gap-fill list
	Result    ItemResult
	Completed bool // EventEntityFinished: entity was marked complete
	Summary   *Summary
}

// Observer receives run events. Observe is called synchronously from the run
// loop and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// EventRecorder persists per-item outcomes. *db.EventLog satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, ev db.Event)
}
