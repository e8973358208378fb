package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/models"
)

// formatPriorities renders the operator's standing guidance.
func formatPriorities(p models.Priorities) string {
	var sb strings.Builder
	sb.WriteString("Operator priorities:")
	empty := true
	if len(p.Focus) > 0 {
		fmt.Fprintf(&sb, "\nFocus: %s", strings.Join(p.Focus, ", "))
		empty = false
	}
	if len(p.Block) > 0 {
		fmt.Fprintf(&sb, "\nDo not touch: %s", strings.Join(p.Block, ", "))
		empty = false
	}
	if len(p.Skip) > 0 {
		fmt.Fprintf(&sb, "\nSkip this pass: %s", strings.Join(p.Skip, ", "))
		empty = false
	}
	if p.Notes != "" {
		fmt.Fprintf(&sb, "\nNotes: %s", p.Notes)
		empty = false
	}
	if empty {
		sb.WriteString(" none set.")
	}
	return sb.String()
}

// formatSessions renders the active-session list.
func formatSessions(sessions []models.SessionInfo, now time.Time) string {
	if len(sessions) == 0 {
		return "Active sessions: none."
	}
	var sb strings.Builder
	sb.WriteString("Active sessions:")
	for _, s := range sessions {
		fmt.Fprintf(&sb, "\n- %s (running %s)", s.Project, shortDuration(now.Sub(s.StartedAt)))
	}
	return sb.String()
}

// formatProjectBlock renders one compact project block: name with a
// SESSION ACTIVE flag, status, attention, blockers, note, last activity.
func formatProjectBlock(p models.ProjectRecord, sessionActive bool, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("## ")
	sb.WriteString(p.Name)
	if sessionActive {
		sb.WriteString(" [SESSION ACTIVE]")
	}

	switch {
	case p.Phase != "" && p.Progress != "":
		fmt.Fprintf(&sb, "\nStatus: %s (%s)", p.Phase, p.Progress)
	case p.Phase != "":
		fmt.Fprintf(&sb, "\nStatus: %s", p.Phase)
	case p.Progress != "":
		fmt.Fprintf(&sb, "\nStatus: %s", p.Progress)
	}

	if p.NeedsAttention {
		reason := p.AttentionReason
		if reason == "" {
			reason = "flagged"
		}
		fmt.Fprintf(&sb, "\nATTENTION: %s", reason)
	}
	if len(p.Blockers) > 0 {
		fmt.Fprintf(&sb, "\nBlockers: %s", strings.Join(p.Blockers, "; "))
	}
	if p.Note != "" {
		fmt.Fprintf(&sb, "\nNote: %s", p.Note)
	}
	if p.Revenue != "" {
		fmt.Fprintf(&sb, "\nRevenue: %s", p.Revenue)
	}
	if !p.LastActivity.IsZero() {
		fmt.Fprintf(&sb, "\nLast activity: %s ago", shortDuration(now.Sub(p.LastActivity)))
	}
	return sb.String()
}

// formatRecentDecisions renders past think outcomes, oldest first.
func formatRecentDecisions(decisions []models.Decision) string {
	if len(decisions) == 0 {
		return "Recent decisions: none yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent decisions:")
	for _, d := range decisions {
		summary := d.Summary
		if summary == "" {
			summary = "(no summary)"
		}
		fmt.Fprintf(&sb, "\n- %s: %s", d.Timestamp.Format("01-02 15:04"), summary)
		if n := len(d.Recommendations); n > 0 {
			fmt.Fprintf(&sb, " [%d recs]", n)
		}
		if d.Error != "" {
			fmt.Fprintf(&sb, " [error: %s]", d.Error)
		}
	}
	return sb.String()
}

func downServices(health []models.HealthResult) []string {
	var down []string
	for _, h := range health {
		if h.Status == models.HealthDown {
			down = append(down, h.Name)
		}
	}
	return down
}

// shortDuration renders a duration the way a human reads it in an SMS:
// 45s, 38m, 2h10m, 3d.
func shortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
