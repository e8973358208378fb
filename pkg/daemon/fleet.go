package daemon

import (
	"slices"
	"sync"

	"github.com/drover-sh/drover/pkg/models"
)

// Fleet is the shared snapshot cache between the scan loop and everything
// that reads fleet state without doing I/O: the prompt assembler, the
// command router, the executor. It exists so those collaborators can be
// wired with snapshot funcs before the daemon that fills the cache does.
type Fleet struct {
	mu         sync.RWMutex
	projects   []models.ProjectRecord
	sessions   []models.SessionInfo
	priorities models.Priorities
}

// NewFleet returns an empty cache. Readers see empty slices until the
// first scan tick lands.
func NewFleet() *Fleet { return &Fleet{} }

// Projects returns the most recent project scan.
func (f *Fleet) Projects() []models.ProjectRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.projects)
}

// Sessions returns the most recent active-session listing.
func (f *Fleet) Sessions() []models.SessionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.sessions)
}

// Priorities returns the operator's standing guidance.
func (f *Fleet) Priorities() models.Priorities {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p := f.priorities
	p.Focus = slices.Clone(p.Focus)
	p.Block = slices.Clone(p.Block)
	p.Skip = slices.Clone(p.Skip)
	return p
}

// SetProjects replaces the project snapshot.
func (f *Fleet) SetProjects(projects []models.ProjectRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = slices.Clone(projects)
}

// SetSessions replaces the session snapshot.
func (f *Fleet) SetSessions(sessions []models.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = slices.Clone(sessions)
}

// ReplacePriorities swaps in a complete priorities record, notes included.
func (f *Fleet) ReplacePriorities(p models.Priorities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priorities = models.Priorities{
		Focus: slices.Clone(p.Focus),
		Block: slices.Clone(p.Block),
		Skip:  slices.Clone(p.Skip),
		Notes: p.Notes,
	}
}

// SetPriorityLists refreshes the focus/block/skip lists while keeping the
// notes. The lists come from the priorities file; the notes belong to the
// operator's last 'priority ...' message and must survive a file reload.
func (f *Fleet) SetPriorityLists(focus, block, skip []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priorities.Focus = slices.Clone(focus)
	f.priorities.Block = slices.Clone(block)
	f.priorities.Skip = slices.Clone(skip)
}

// SetPriorityNotes replaces the free-form notes.
func (f *Fleet) SetPriorityNotes(notes string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priorities.Notes = notes
}
