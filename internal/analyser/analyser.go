// Package analyser reconciles the expected inventory against the completion
// cache and reports which filings are still missing.
package analyser

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/brensch/edgarsync/internal/inventory"
)

// Entity classification.
const (
	StatusComplete            = "complete"
	StatusPartiallyDownloaded = "partially_downloaded"
	StatusNotDownloaded       = "not_downloaded"
)

// KeySet is anything that can answer whether a composite item key has been
// delivered. *state.CompletionCache satisfies it.
type KeySet interface {
	Has(key string) bool
}

// Set is an in-memory KeySet.
type Set map[string]struct{}

// NewSet builds a Set from keys.
func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has implements KeySet.
func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Intersect is a KeySet holding only keys present in every member.
type Intersect []KeySet

// Has implements KeySet.
func (in Intersect) Has(key string) bool {
	for _, s := range in {
		if !s.Has(key) {
			return false
		}
	}
	return true
}

// MissingItem is an expected item absent from the key set, tagged with its
// composite key.
type MissingItem struct {
	inventory.ExpectedItem
	Key string
}

// EntityStatus is the reconciliation result for one entity.
type EntityStatus struct {
	EntityID             string
	Total                int
	Downloaded           int
	Missing              int
	CompletionPercentage float64
	Status               string
	MissingItems         []MissingItem // in inventory order; empty when complete
}

// Report is the reconciliation of a whole inventory.
type Report struct {
	Entities []EntityStatus // inventory order
}

// Analyze classifies every entity of inv against keys.
func Analyze(inv inventory.Inventory, keys KeySet) Report {
	report := Report{Entities: make([]EntityStatus, 0, len(inv.Entities))}
	for _, e := range inv.Entities {
		st := EntityStatus{EntityID: e.ID, Total: len(e.Items)}
		for _, item := range e.Items {
			key := item.ItemKey.String()
			if keys.Has(key) {
				st.Downloaded++
				continue
			}
			st.MissingItems = append(st.MissingItems, MissingItem{ExpectedItem: item, Key: key})
		}
		st.Missing = len(st.MissingItems)
		if st.Total > 0 {
			st.CompletionPercentage = float64(st.Downloaded) / float64(st.Total) * 100
		}
		switch {
		case st.Downloaded == st.Total:
			st.Status = StatusComplete
		case st.Downloaded == 0:
			st.Status = StatusNotDownloaded
		default:
			st.Status = StatusPartiallyDownloaded
		}
		report.Entities = append(report.Entities, st)
	}
	return report
}

// Entity returns the status of entityID.
func (r Report) Entity(entityID string) (EntityStatus, bool) {
	for _, e := range r.Entities {
		if e.EntityID == entityID {
			return e, true
		}
	}
	return EntityStatus{}, false
}

// MissingItems flattens the missing items of every non-complete entity,
// entity order first, then item order.
func (r Report) MissingItems() []MissingItem {
	var out []MissingItem
	for _, e := range r.Entities {
		out = append(out, e.MissingItems...)
	}
	return out
}

// Summary aggregates a report.
type Summary struct {
	TotalEntities        int
	Complete             int
	PartiallyDownloaded  int
	NotDownloaded        int
	TotalItems           int
	DownloadedItems      int
	MissingItems         int
	CompletionPercentage float64
}

// Summary counts entities per class and items overall.
func (r Report) Summary() Summary {
	s := Summary{TotalEntities: len(r.Entities)}
	for _, e := range r.Entities {
		switch e.Status {
		case StatusComplete:
			s.Complete++
		case StatusPartiallyDownloaded:
			s.PartiallyDownloaded++
		case StatusNotDownloaded:
			s.NotDownloaded++
		}
		s.TotalItems += e.Total
		s.DownloadedItems += e.Downloaded
		s.MissingItems += e.Missing
	}
	if s.TotalItems > 0 {
		s.CompletionPercentage = float64(s.DownloadedItems) / float64(s.TotalItems) * 100
	}
	return s
}

// FilterMissing drops items whose key has appeared in keys since analysis.
func FilterMissing(items []MissingItem, keys KeySet) []MissingItem {
	out := make([]MissingItem, 0, len(items))
	for _, it := range items {
		if !keys.Has(it.Key) {
			out = append(out, it)
		}
	}
	return out
}

// Render writes a per-entity table of incomplete entities (all entities when
// all is true) followed by the summary. limit caps the number of rows; 0
// means no cap.
func Render(w io.Writer, r Report, all bool, limit int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Entity", "Status", "Total", "Downloaded", "Missing", "Complete %"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	rows := 0
	for _, e := range r.Entities {
		if !all && e.Status == StatusComplete {
			continue
		}
		if limit > 0 && rows >= limit {
			break
		}
		t.AppendRow(table.Row{e.EntityID, e.Status, e.Total, e.Downloaded, e.Missing, fmt.Sprintf("%.1f", e.CompletionPercentage)})
		rows++
	}
	s := r.Summary()
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d entities", s.TotalEntities),
		fmt.Sprintf("%d complete / %d partial / %d none", s.Complete, s.PartiallyDownloaded, s.NotDownloaded),
		s.TotalItems, s.DownloadedItems, s.MissingItems, fmt.Sprintf("%.1f", s.CompletionPercentage),
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}
