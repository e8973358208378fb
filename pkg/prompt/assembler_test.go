package prompt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/models"
)

var testClock = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testSources() Sources {
	started := testClock.Add(-38 * time.Minute)
	return Sources{
		Projects: func() []models.ProjectRecord {
			return []models.ProjectRecord{
				{Name: "zeta-api", Phase: "Build", Progress: "7/12 tasks",
					NeedsAttention: true, AttentionReason: "tests failing on main",
					LastActivity: started},
				{Name: "alpha-site", Phase: "Polish",
					Blockers: []string{"waiting on DNS"}, Note: "ship this week"},
				{Name: "billing", Phase: "Idle"},
			}
		},
		Sessions: func() []models.SessionInfo {
			return []models.SessionInfo{
				{SessionID: "w1", Project: "billing", StartedAt: started},
			}
		},
		Resources: func() models.ResourceSnapshot {
			return models.ResourceSnapshot{FreeMemoryMB: 2048, TotalMemoryMB: 8192, LoadAvg1: 0.42}
		},
		Health: func() []models.HealthResult {
			return []models.HealthResult{
				{Name: "api-server", Status: models.HealthUp},
				{Name: "worker", Status: models.HealthDown},
			}
		},
		Autonomy: func() models.AutonomyLevel { return models.AutonomyCautious },
		Trust: func() (models.TrustRow, bool) {
			return models.TrustRow{
				Level:            models.AutonomyCautious,
				TotalSessions:    12,
				TotalEvaluations: 10,
				SumEvalScores:    41,
			}, true
		},
		Decisions: func(n int) []models.Decision {
			return []models.Decision{
				{
					Timestamp: started,
					Summary:   "started billing session",
					Recommendations: []models.Recommendation{
						{Project: "billing", Action: models.ActionStart, Reason: "queue empty"},
					},
				},
			}
		},
		Priorities: func() models.Priorities {
			return models.Priorities{
				Focus: []string{"billing"},
				Block: []string{"legacy-etl"},
				Notes: "revenue first",
			}
		},
		QuietNow: func(time.Time) bool { return false },
	}
}

func newTestAssembler(src Sources, maxLength int) *Assembler {
	a := NewAssembler(src, maxLength)
	a.now = func() time.Time { return testClock }
	return a
}

func TestAssemblerBuild_SectionOrder(t *testing.T) {
	out := newTestAssembler(testSources(), 0).Build()

	markers := []string{
		"You are the autonomous supervisor of 3 coding projects; 1 sessions are active.",
		"Current time:",
		"Operator priorities:",
		"Active sessions:",
		"## billing",
		"Recent decisions:",
		"Respond with a single JSON object",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(out, m)
		require.GreaterOrEqual(t, idx, 0, "missing section marker %q", m)
		assert.Greater(t, idx, last, "section %q out of order", m)
		last = idx
	}
	assert.Equal(t, 6, strings.Count(out, sectionSeparator))
}

func TestAssemblerBuild_PreambleVitals(t *testing.T) {
	out := newTestAssembler(testSources(), 0).Build()

	assert.Contains(t, out, "Autonomy level: cautious.")
	assert.Contains(t, out, "Free memory: 2048/8192 MB.")
	assert.Contains(t, out, "Load: 0.42.")
	assert.Contains(t, out, "Services DOWN: worker.")
	assert.Contains(t, out, "Track record at this level: 12 sessions, avg score 4.1.")
}

func TestAssemblerBuild_ProjectSorting(t *testing.T) {
	// billing is focused, zeta-api needs attention, alpha-site sorts by name.
	out := newTestAssembler(testSources(), 0).Build()

	iBilling := strings.Index(out, "## billing")
	iZeta := strings.Index(out, "## zeta-api")
	iAlpha := strings.Index(out, "## alpha-site")
	require.GreaterOrEqual(t, iBilling, 0)
	require.GreaterOrEqual(t, iZeta, 0)
	require.GreaterOrEqual(t, iAlpha, 0)
	assert.Less(t, iBilling, iZeta)
	assert.Less(t, iZeta, iAlpha)
}

func TestAssemblerBuild_SessionFlagAndBlocks(t *testing.T) {
	out := newTestAssembler(testSources(), 0).Build()

	assert.Contains(t, out, "## billing [SESSION ACTIVE]")
	assert.Contains(t, out, "Status: Build (7/12 tasks)")
	assert.Contains(t, out, "ATTENTION: tests failing on main")
	assert.Contains(t, out, "Blockers: waiting on DNS")
	assert.Contains(t, out, "Note: ship this week")
	assert.Contains(t, out, "- billing (running 38m)")
	assert.Contains(t, out, "Do not touch: legacy-etl")
}

func TestAssemblerBuild_Truncation(t *testing.T) {
	src := testSources()
	src.Priorities = func() models.Priorities {
		return models.Priorities{Notes: strings.Repeat("revenue first. ", 400)}
	}
	out := newTestAssembler(src, 600).Build()

	assert.Len(t, out, 600)
	assert.True(t, strings.HasSuffix(out, "[Context truncated]"))
}

func TestAssemblerBuild_EmptySources(t *testing.T) {
	out := newTestAssembler(Sources{}, 0).Build()

	assert.Contains(t, out, "0 coding projects")
	assert.Contains(t, out, "Operator priorities: none set.")
	assert.Contains(t, out, "Active sessions: none.")
	assert.Contains(t, out, "No projects discovered.")
	assert.Contains(t, out, "Recent decisions: none yet.")
	assert.Contains(t, out, "Respond with a single JSON object")
}

func TestAssemblerBuild_QuietHours(t *testing.T) {
	src := testSources()
	src.QuietNow = func(time.Time) bool { return true }
	out := newTestAssembler(src, 0).Build()

	assert.Contains(t, out, "Quiet hours: active.")
}

func TestAssemblerBuildDigest(t *testing.T) {
	out := newTestAssembler(testSources(), 0).BuildDigest("overnight")

	assert.Contains(t, out, "Write the overnight digest")
	assert.Contains(t, out, "## billing")
	assert.NotContains(t, out, "Respond with a single JSON object")
	assert.NotContains(t, out, "Operator priorities:")
}

func TestSchemas_AreValidJSON(t *testing.T) {
	for name, schema := range map[string]string{"think": ThinkSchema, "evaluation": EvaluationSchema} {
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(schema), &doc), name)
		assert.Equal(t, "object", doc["type"], name)
		assert.Contains(t, doc, "required", name)
	}

	var think map[string]any
	require.NoError(t, json.Unmarshal([]byte(ThinkSchema), &think))
	props, ok := think["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "recommendations")
	assert.Contains(t, props, "summary")
	assert.Contains(t, props, "nextThinkIn")
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	s := strings.Repeat("é", 300)
	out := truncate(s, 101)

	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), 101)
	assert.True(t, strings.HasSuffix(out, "[Context truncated]"))
}
