// Package prompt assembles the think-cycle context prompt and holds the
// JSON schemas used for constrained decoding.
package prompt

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// Sources are the snapshot getters the assembler reads. All are served
// from in-memory caches; none may block. Nil funcs read as empty.
type Sources struct {
	Projects   func() []models.ProjectRecord
	Sessions   func() []models.SessionInfo
	Resources  func() models.ResourceSnapshot
	Health     func() []models.HealthResult
	Autonomy   func() models.AutonomyLevel
	Trust      func() (models.TrustRow, bool)
	Decisions  func(n int) []models.Decision
	Priorities func() models.Priorities
	QuietNow   func(time.Time) bool
}

func (s Sources) projects() []models.ProjectRecord {
	if s.Projects == nil {
		return nil
	}
	return s.Projects()
}

func (s Sources) sessions() []models.SessionInfo {
	if s.Sessions == nil {
		return nil
	}
	return s.Sessions()
}

func (s Sources) resources() models.ResourceSnapshot {
	if s.Resources == nil {
		return models.ResourceSnapshot{}
	}
	return s.Resources()
}

func (s Sources) health() []models.HealthResult {
	if s.Health == nil {
		return nil
	}
	return s.Health()
}

func (s Sources) autonomy() models.AutonomyLevel {
	if s.Autonomy == nil {
		return ""
	}
	return s.Autonomy()
}

func (s Sources) trust() (models.TrustRow, bool) {
	if s.Trust == nil {
		return models.TrustRow{}, false
	}
	return s.Trust()
}

func (s Sources) decisions(n int) []models.Decision {
	if s.Decisions == nil {
		return nil
	}
	return s.Decisions(n)
}

func (s Sources) priorities() models.Priorities {
	if s.Priorities == nil {
		return models.Priorities{}
	}
	return s.Priorities()
}

func (s Sources) quietNow(t time.Time) bool {
	return s.QuietNow != nil && s.QuietNow(t)
}

// Assembler builds the single context prompt handed to the think cycle.
// Stateless apart from its sources; safe for concurrent use.
type Assembler struct {
	sources   Sources
	maxLength int
	now       func() time.Time
}

// NewAssembler creates an assembler capped at maxLength characters.
func NewAssembler(sources Sources, maxLength int) *Assembler {
	if maxLength <= 0 {
		maxLength = config.DefaultMaxPromptLength
	}
	return &Assembler{sources: sources, maxLength: maxLength, now: time.Now}
}

// Build emits the full prompt: preamble, time and quiet state, priorities,
// active sessions, per-project blocks, recent decisions, and the output
// contract, separated by horizontal rules and capped at maxLength.
func (a *Assembler) Build() string {
	now := a.now()
	projects := a.sources.projects()
	sessions := a.sources.sessions()

	sections := []string{
		a.preamble(projects, sessions),
		a.timeSection(now),
		formatPriorities(a.sources.priorities()),
		formatSessions(sessions, now),
		a.projectBlocks(projects, sessions, now),
		formatRecentDecisions(a.sources.decisions(recentDecisionCount)),
		outputContract,
	}
	return truncate(strings.Join(sections, sectionSeparator), a.maxLength)
}

// BuildDigest emits the prompt for a plain-text operator digest. Same
// context as Build minus the JSON contract; flavor names the digest kind
// ("overnight", "evening", "weekly revenue").
func (a *Assembler) BuildDigest(flavor string) string {
	now := a.now()
	projects := a.sources.projects()
	sessions := a.sources.sessions()

	sections := []string{
		a.preamble(projects, sessions),
		a.timeSection(now),
		a.projectBlocks(projects, sessions, now),
		formatRecentDecisions(a.sources.decisions(recentDecisionCount)),
		fmt.Sprintf(digestInstructions, flavor),
	}
	return truncate(strings.Join(sections, sectionSeparator), a.maxLength)
}

// preamble states the counts plus host and fleet vitals in one paragraph.
func (a *Assembler) preamble(projects []models.ProjectRecord, sessions []models.SessionInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the autonomous supervisor of %d coding projects; %d sessions are active.",
		len(projects), len(sessions))

	if level := a.sources.autonomy(); level != "" {
		fmt.Fprintf(&sb, " Autonomy level: %s.", level)
	}
	res := a.sources.resources()
	if res.TotalMemoryMB > 0 {
		fmt.Fprintf(&sb, " Free memory: %d/%d MB.", res.FreeMemoryMB, res.TotalMemoryMB)
	}
	if res.LoadAvg1 > 0 {
		fmt.Fprintf(&sb, " Load: %.2f.", res.LoadAvg1)
	}
	health := a.sources.health()
	if down := downServices(health); len(down) > 0 {
		fmt.Fprintf(&sb, " Services DOWN: %s.", strings.Join(down, ", "))
	} else if len(health) > 0 {
		fmt.Fprintf(&sb, " All %d monitored services up.", len(health))
	}
	if row, ok := a.sources.trust(); ok && row.TotalSessions > 0 {
		fmt.Fprintf(&sb, " Track record at this level: %d sessions, avg score %.1f.",
			row.TotalSessions, row.AvgScore())
	}
	return sb.String()
}

func (a *Assembler) timeSection(now time.Time) string {
	quiet := "inactive"
	if a.sources.quietNow(now) {
		quiet = "active"
	}
	return fmt.Sprintf("Current time: %s. Quiet hours: %s.",
		now.Format("Mon 2006-01-02 15:04 MST"), quiet)
}

// projectBlocks renders every project, sorted focus first, then projects
// needing attention, then by name.
func (a *Assembler) projectBlocks(projects []models.ProjectRecord, sessions []models.SessionInfo, now time.Time) string {
	if len(projects) == 0 {
		return "No projects discovered."
	}

	prio := a.sources.priorities()
	focus := make(map[string]bool, len(prio.Focus))
	for _, name := range prio.Focus {
		focus[name] = true
	}
	active := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		active[s.Project] = true
	}

	sorted := slices.Clone(projects)
	slices.SortStableFunc(sorted, func(x, y models.ProjectRecord) int {
		if focus[x.Name] != focus[y.Name] {
			if focus[x.Name] {
				return -1
			}
			return 1
		}
		if x.NeedsAttention != y.NeedsAttention {
			if x.NeedsAttention {
				return -1
			}
			return 1
		}
		return strings.Compare(x.Name, y.Name)
	})

	blocks := make([]string, 0, len(sorted))
	for _, p := range sorted {
		blocks = append(blocks, formatProjectBlock(p, active[p.Name], now))
	}
	return strings.Join(blocks, "\n\n")
}

// truncate caps s at max characters, replacing the tail with the truncation
// marker. The cut never splits a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	keep := max - len(contextTruncatedMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + contextTruncatedMarker
}
