package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drover-sh/drover/pkg/models"
)

func TestFleetStartsEmpty(t *testing.T) {
	f := NewFleet()

	assert.Empty(t, f.Projects())
	assert.Empty(t, f.Sessions())
	assert.Equal(t, models.Priorities{}, f.Priorities())
}

func TestFleetProjectsCloneIsolation(t *testing.T) {
	f := NewFleet()
	in := []models.ProjectRecord{{Name: "web-app"}, {Name: "billing"}}
	f.SetProjects(in)

	in[0].Name = "mangled"
	out := f.Projects()
	assert.Equal(t, "web-app", out[0].Name, "writer's slice must not alias the cache")

	out[1].Name = "mangled"
	assert.Equal(t, "billing", f.Projects()[1].Name, "reader's slice must not alias the cache")
}

func TestFleetSessionsCloneIsolation(t *testing.T) {
	f := NewFleet()
	f.SetSessions([]models.SessionInfo{{SessionID: "s1", Project: "web-app"}})

	out := f.Sessions()
	out[0].Project = "mangled"

	assert.Equal(t, "web-app", f.Sessions()[0].Project)
}

func TestFleetReplacePrioritiesSwapsWholeRecord(t *testing.T) {
	f := NewFleet()
	f.ReplacePriorities(models.Priorities{
		Focus: []string{"billing"},
		Notes: "ship billing first",
	})

	f.ReplacePriorities(models.Priorities{Focus: []string{"web-app"}})

	got := f.Priorities()
	assert.Equal(t, []string{"web-app"}, got.Focus)
	assert.Empty(t, got.Notes, "a full replace drops the old notes")
}

func TestFleetSetPriorityListsKeepsNotes(t *testing.T) {
	f := NewFleet()
	f.ReplacePriorities(models.Priorities{
		Focus: []string{"billing"},
		Block: []string{"legacy"},
		Notes: "ship billing first",
	})

	f.SetPriorityLists([]string{"web-app"}, nil, []string{"sandbox"})

	got := f.Priorities()
	assert.Equal(t, []string{"web-app"}, got.Focus)
	assert.Empty(t, got.Block)
	assert.Equal(t, []string{"sandbox"}, got.Skip)
	assert.Equal(t, "ship billing first", got.Notes,
		"a file reload must not clobber notes set over SMS")
}

func TestFleetSetPriorityNotes(t *testing.T) {
	f := NewFleet()
	f.ReplacePriorities(models.Priorities{Focus: []string{"billing"}})

	f.SetPriorityNotes("pause everything but billing")

	got := f.Priorities()
	assert.Equal(t, "pause everything but billing", got.Notes)
	assert.Equal(t, []string{"billing"}, got.Focus, "notes update leaves the lists alone")
}

func TestFleetPrioritiesCloneIsolation(t *testing.T) {
	f := NewFleet()
	f.ReplacePriorities(models.Priorities{Focus: []string{"billing"}})

	out := f.Priorities()
	out.Focus[0] = "mangled"

	assert.Equal(t, []string{"billing"}, f.Priorities().Focus)
}
