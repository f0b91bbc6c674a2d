package state

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
)

type currentProgress struct {
	CompletedAdshs     int `json:"completed_adshs"`
	TotalAdshs         int `json:"total_adshs"`
	LastProcessedIndex int `json:"last_processed_index"`
}

type progressFile struct {
	CikAdshCounts       map[string]int  `json:"cik_adsh_counts"`
	CurrentCIK          string          `json:"current_cik"`
	CurrentCIKProgress  currentProgress `json:"current_cik_progress"`
	TotalCompletedAdshs int             `json:"total_completed_adshs"`
}

// CurrentEntity is the entity being worked on. LastIndex is 1-based: items
// 1..LastIndex have been processed.
type CurrentEntity struct {
	EntityID  string
	Completed int
	Total     int
	LastIndex int
}

// ProgressSummary is a point-in-time view over the tracker.
type ProgressSummary struct {
	CompletedEntities   int
	TotalEntities       int
	CompletionRate      float64 // percent of TotalEntities
	TotalCompletedItems int
	Current             CurrentEntity
}

// ProgressTracker records which entities are done and where the current one
// stands. An entity is either in the completed map or is the current entity,
// never both.
type ProgressTracker struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	completed map[string]int
	current   CurrentEntity
}

// OpenProgressTracker loads the tracker stored in dir. A missing or corrupt
// file yields empty progress.
func OpenProgressTracker(dir string, logger *slog.Logger) *ProgressTracker {
	p := &ProgressTracker{
		path:      filepath.Join(dir, ProgressFile),
		logger:    logger.With(slog.String("store", "progress")),
		completed: make(map[string]int),
	}
	var f progressFile
	_, err := readJSON(p.path, &f)
	if err != nil {
		p.logger.Error("Failed to load progress, starting empty.", "error", err)
		if errors.Is(err, ErrCorruptState) {
			quarantine(p.path, p.logger)
		}
		return p
	}
	for id, n := range f.CikAdshCounts {
		p.completed[id] = n
	}
	if f.CurrentCIK != "" {
		p.current = CurrentEntity{
			EntityID:  f.CurrentCIK,
			Completed: f.CurrentCIKProgress.CompletedAdshs,
			Total:     f.CurrentCIKProgress.TotalAdshs,
			LastIndex: f.CurrentCIKProgress.LastProcessedIndex,
		}
		// A file written by an older run may list the current entity as done too.
		delete(p.completed, f.CurrentCIK)
	}
	return p
}

// Path returns the backing file.
func (p *ProgressTracker) Path() string { return p.path }

// MarkProgress makes entityID the current entity with the given counters.
func (p *ProgressTracker) MarkProgress(entityID string, completed, total, lastIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.completed, entityID)
	p.current = CurrentEntity{EntityID: entityID, Completed: completed, Total: total, LastIndex: lastIndex}
	return p.saveLocked()
}

// MarkComplete moves entityID into the completed map and clears the current
// entity.
func (p *ProgressTracker) MarkComplete(entityID string, total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[entityID] = total
	p.current = CurrentEntity{}
	return p.saveLocked()
}

// ResumePoint picks where a run should start. A current entity present in
// entityIDs resumes at its last processed position; otherwise the first
// entity not yet completed starts at 0. ok is false when every entity is done.
func (p *ProgressTracker) ResumePoint(entityIDs []string) (entityID string, index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.EntityID != "" {
		for _, id := range entityIDs {
			if id == p.current.EntityID {
				return id, p.current.LastIndex, true
			}
		}
		p.logger.Warn("Recorded current entity is not in the inventory, ignoring it.", slog.String("entity_id", p.current.EntityID))
	}
	for _, id := range entityIDs {
		if _, done := p.completed[id]; !done {
			return id, 0, true
		}
	}
	return "", 0, false
}

// IsComplete reports whether entityID is in the completed map.
func (p *ProgressTracker) IsComplete(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[entityID]
	return ok
}

// Current returns the current entity record, zero if none.
func (p *ProgressTracker) Current() CurrentEntity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Completed returns a copy of the completed map.
func (p *ProgressTracker) Completed() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.completed))
	for k, v := range p.completed {
		out[k] = v
	}
	return out
}

// CompletedIDs returns completed entity ids in sorted order.
func (p *ProgressTracker) CompletedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.completed))
	for id := range p.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary reports progress against totalEntities.
func (p *ProgressTracker) Summary(totalEntities int) ProgressSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := ProgressSummary{
		CompletedEntities:   len(p.completed),
		TotalEntities:       totalEntities,
		TotalCompletedItems: p.totalLocked(),
		Current:             p.current,
	}
	if totalEntities > 0 {
		s.CompletionRate = float64(s.CompletedEntities) / float64(totalEntities) * 100
	}
	return s
}

func (p *ProgressTracker) totalLocked() int {
	n := p.current.Completed
	for _, v := range p.completed {
		n += v
	}
	return n
}

func (p *ProgressTracker) saveLocked() error {
	counts := make(map[string]int, len(p.completed))
	for k, v := range p.completed {
		counts[k] = v
	}
	f := progressFile{
		CikAdshCounts: counts,
		CurrentCIK:    p.current.EntityID,
		CurrentCIKProgress: currentProgress{
			CompletedAdshs:     p.current.Completed,
			TotalAdshs:         p.current.Total,
			LastProcessedIndex: p.current.LastIndex,
		},
		TotalCompletedAdshs: p.totalLocked(),
	}
	if err := writeJSON(p.path, f); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
