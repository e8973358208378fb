package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drover-sh/drover/pkg/models"
)

func TestFormatProjectBlock_AllFields(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p := models.ProjectRecord{
		Name:            "zeta-api",
		Phase:           "Build",
		Progress:        "7/12 tasks",
		NeedsAttention:  true,
		AttentionReason: "tests failing",
		Blockers:        []string{"flaky CI", "missing creds"},
		Note:            "ship this week",
		Revenue:         "$120 MRR",
		LastActivity:    now.Add(-2 * time.Hour),
	}

	out := formatProjectBlock(p, true, now)
	assert.True(t, strings.HasPrefix(out, "## zeta-api [SESSION ACTIVE]"))
	assert.Contains(t, out, "Status: Build (7/12 tasks)")
	assert.Contains(t, out, "ATTENTION: tests failing")
	assert.Contains(t, out, "Blockers: flaky CI; missing creds")
	assert.Contains(t, out, "Note: ship this week")
	assert.Contains(t, out, "Revenue: $120 MRR")
	assert.Contains(t, out, "Last activity: 2h ago")
}

func TestFormatProjectBlock_Minimal(t *testing.T) {
	now := time.Now()
	out := formatProjectBlock(models.ProjectRecord{Name: "bare"}, false, now)

	assert.Equal(t, "## bare", out)
}

func TestFormatProjectBlock_AttentionWithoutReason(t *testing.T) {
	out := formatProjectBlock(models.ProjectRecord{Name: "p", NeedsAttention: true}, false, time.Now())

	assert.Contains(t, out, "ATTENTION: flagged")
}

func TestFormatPriorities_Partial(t *testing.T) {
	out := formatPriorities(models.Priorities{Skip: []string{"sandbox"}})

	assert.Contains(t, out, "Skip this pass: sandbox")
	assert.NotContains(t, out, "Focus:")
	assert.NotContains(t, out, "none set")
}

func TestFormatRecentDecisions_ErrorAnnotated(t *testing.T) {
	out := formatRecentDecisions([]models.Decision{
		{Timestamp: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC), Error: "parse_error"},
	})

	assert.Contains(t, out, "05-04 09:30: (no summary)")
	assert.Contains(t, out, "[error: parse_error]")
}

func TestDownServices(t *testing.T) {
	down := downServices([]models.HealthResult{
		{Name: "a", Status: models.HealthUp},
		{Name: "b", Status: models.HealthDown},
		{Name: "c", Status: models.HealthDown},
	})

	assert.Equal(t, []string{"b", "c"}, down)
}

func TestShortDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-5 * time.Second, "0s"},
		{45 * time.Second, "45s"},
		{38 * time.Minute, "38m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 10*time.Minute, "2h10m"},
		{26 * time.Hour, "1d"},
		{73 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shortDuration(tt.d), tt.d.String())
	}
}
