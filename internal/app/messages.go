package app

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/edgarsync/internal/orchestrator"
)

// ProgressMsg updates the overall progress bar.
type ProgressMsg struct {
	Tag      string // phase label, e.g. "Gap fill", "Sync"
	Current  int64
	Total    int64
	Activity string
}

// EntityProgressMsg updates the row of one entity.
type EntityProgressMsg struct {
	EntityID string
	Status   string // "Gap fill", "Downloading", "Complete", "Incomplete", "Error"
	Done     int64  // items processed so far
	Total    int64
	ErrMsg   string

	// Item is set when the message reports a finished item.
	Item    bool
	Outcome orchestrator.Outcome
}

// TaskFinishedMsg signals the completion of a major background task.
type TaskFinishedMsg struct {
	Tag       string
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Message   string
}

// GeneralErrorMsg signals an error that might not be tied to a specific task.
type GeneralErrorMsg struct {
	Err error
}

func NewProgress(tag string, current, total int64, activity string) ProgressMsg {
	return ProgressMsg{Tag: tag, Current: current, Total: total, Activity: activity}
}

func NewTaskFinished(tag string, start time.Time, err error, msg string) TaskFinishedMsg {
	return TaskFinishedMsg{
		Tag:       tag,
		StartTime: start,
		EndTime:   time.Now(),
		Err:       err,
		Message:   msg,
	}
}

func NewError(err error) GeneralErrorMsg {
	return GeneralErrorMsg{Err: err}
}

func (e GeneralErrorMsg) Error() string {
	return e.Err.Error()
}

func (t TaskFinishedMsg) Error() string {
	if t.Err != nil {
		return t.Err.Error()
	}
	return ""
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Tag, p.Current, p.Total)
}
func (ep EntityProgressMsg) String() string {
	return fmt.Sprintf("EntityProgress %s: %s %d/%d", ep.EntityID, ep.Status, ep.Done, ep.Total)
}
func (tf TaskFinishedMsg) String() string { return fmt.Sprintf("TaskFinished %s", tf.Tag) }
func (ge GeneralErrorMsg) String() string { return fmt.Sprintf("GeneralError: %s", ge.Err) }

// translator turns orchestrator events into UI messages. It is used from a
// single goroutine.
type translator struct {
	tag          string
	entityTotal  int
	entitiesDone int
}

func phaseTag(p orchestrator.Phase) string {
	if p == orchestrator.PhaseGapFill {
		return "Gap fill"
	}
	return "Sync"
}

func (t *translator) translate(ev orchestrator.Event) []tea.Msg {
	switch ev.Type {
	case orchestrator.EventPhaseStarted:
		t.tag = phaseTag(ev.Phase)
		if ev.Phase == orchestrator.PhaseMain {
			t.entityTotal = ev.Total
			t.entitiesDone = 0
		}
		return []tea.Msg{NewProgress(t.tag, 0, int64(ev.Total), "starting")}

	case orchestrator.EventEntityStarted:
		return []tea.Msg{EntityProgressMsg{
			EntityID: ev.EntityID,
			Status:   "Downloading",
			Done:     int64(ev.Index),
			Total:    int64(ev.Total),
		}}

	case orchestrator.EventItemFinished:
		row := EntityProgressMsg{
			EntityID: ev.EntityID,
			Status:   "Downloading",
			Item:     true,
			Outcome:  ev.Result.Outcome,
		}
		if ev.Result.Err != nil {
			row.ErrMsg = ev.Result.Err.Error()
		}
		if ev.Phase == orchestrator.PhaseGapFill {
			row.Status = "Gap fill"
			if ev.Result.Outcome == orchestrator.OutcomeFailed {
				row.Status = "Error"
			}
			return []tea.Msg{
				NewProgress(t.tag, int64(ev.Index), int64(ev.Total), ev.EntityID+" "+ev.Accession),
				row,
			}
		}
		row.Done = int64(ev.Index)
		row.Total = int64(ev.Total)
		if ev.Result.Replayed {
			// Counted when gap-fill reported it.
			row.Item = false
		}
		return []tea.Msg{row}

	case orchestrator.EventEntityFinished:
		t.entitiesDone++
		status := "Incomplete"
		if ev.Completed {
			status = "Complete"
		}
		return []tea.Msg{
			NewProgress(t.tag, int64(t.entitiesDone), int64(t.entityTotal), ev.EntityID),
			EntityProgressMsg{EntityID: ev.EntityID, Status: status, Done: int64(ev.Index), Total: int64(ev.Total)},
		}
	}
	return nil
}
