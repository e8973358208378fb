package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drover-sh/drover/pkg/llm"
	"github.com/drover-sh/drover/pkg/models"
)

// Limits on the natural-language path.
const (
	nlTimeout      = 120 * time.Second
	nlMaxTurns     = 8
	nlContextChars = 2000
	nlHistoryMsgs  = 6
	nlSnippetChars = 200
)

// readOnlyTools is the capability grant for conversational calls: enough
// to answer questions about the projects, nothing that mutates them.
var readOnlyTools = []string{"Read", "Glob", "Grep", "git-log", "git-show", "git-diff", "ls", "tail"}

// reminderSentinel marks a deferred-reminder request at the tail of an
// assistant reply.
const reminderSentinel = "REMINDER_JSON:"

// Gateway is the LLM surface for the natural-language path.
type Gateway interface {
	CallGated(ctx context.Context, prompt string, opts llm.CallOptions) (string, error)
}

type reminderRequest struct {
	Text   string `json:"text"`
	FireAt string `json:"fireAt"`
}

const nlPreamble = `You are drover, a terse SMS assistant supervising autonomous coding sessions. Answer the operator's message using the context below. Plain text only, under 1200 characters.`

const nlInstructions = `Reply with plain text for SMS: no markdown, no headers, no code fences. If the operator asked to be reminded of something, end your reply with a single line:
REMINDER_JSON:{"text":"<reminder text>","fireAt":"<RFC3339 timestamp>"}`

func (r *Router) handleNaturalLanguage(ctx context.Context, msg string) string {
	if reply, handled := r.reminderIntent(ctx, msg); handled {
		return reply
	}
	if r.deps.LLM == nil {
		return "AI is not available right now. Reply 'help' for commands."
	}
	r.pushConversation(ctx, models.RoleUser, msg)

	reply, err := r.deps.LLM.CallGated(ctx, r.nlPrompt(ctx, msg), llm.CallOptions{
		MaxTurns:     nlMaxTurns,
		OutputFormat: llm.OutputText,
		Timeout:      nlTimeout,
		AllowedTools: readOnlyTools,
	})
	if err != nil {
		slog.Warn("Natural-language call failed", "error", err)
		return "Couldn't reach the AI just now. Deterministic commands still work - reply 'help'."
	}

	reply = stripMarkdown(reply)
	reply = r.extractReminder(ctx, msg, reply)
	reply = clip(reply, r.smsLimit)
	if reply == "" {
		reply = "(no reply)"
	}
	r.pushConversation(ctx, models.RoleAssistant, reply)
	return reply
}

// nlPrompt builds the context-rich conversational prompt: autonomy level,
// active sessions, the last decision, a clipped slice of the think
// context, and recent conversation history.
func (r *Router) nlPrompt(ctx context.Context, msg string) string {
	var b strings.Builder
	b.WriteString(nlPreamble)

	fmt.Fprintf(&b, "\n\nAutonomy level: %s", r.level())
	sessions := r.sessions()
	if len(sessions) == 0 {
		b.WriteString("\nActive sessions: none")
	} else {
		parts := make([]string, 0, len(sessions))
		for _, s := range sessions {
			parts = append(parts, fmt.Sprintf("%s (%s)", s.Project, fmtDuration(r.now().Sub(s.StartedAt))))
		}
		b.WriteString("\nActive sessions: " + strings.Join(parts, ", "))
	}
	if d, ok := r.lastDecision(); ok && d.Summary != "" {
		b.WriteString("\nLast decision: " + d.Summary)
	}

	if r.deps.AssembleContext != nil {
		if snapshot := clip(r.deps.AssembleContext(), nlContextChars); snapshot != "" {
			b.WriteString("\n\n--- Current context ---\n")
			b.WriteString(snapshot)
		}
	}

	if r.deps.Convo != nil {
		if recent, err := r.deps.Convo.Recent(ctx, nlHistoryMsgs); err == nil && len(recent) > 0 {
			b.WriteString("\n\n--- Recent conversation ---")
			for _, entry := range recent {
				fmt.Fprintf(&b, "\n%s: %s", entry.Role, clip(entry.Text, nlSnippetChars))
			}
		}
	}

	fmt.Fprintf(&b, "\n\nOperator: %s\n\n%s", msg, nlInstructions)
	return b.String()
}

// reminderIntent answers "list/cancel reminders" phrasing deterministically
// so the LLM never owns reminder state.
func (r *Router) reminderIntent(ctx context.Context, msg string) (string, bool) {
	if r.deps.Reminders == nil {
		return "", false
	}
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "reminder") {
		return "", false
	}
	switch {
	case containsAny(lower, "list", "show", "what", "pending"):
		pending, err := r.deps.Reminders.ListPending(ctx)
		if err != nil {
			return fmt.Sprintf("Failed to read reminders: %v", err), true
		}
		if len(pending) == 0 {
			return "No pending reminders.", true
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d pending:", len(pending))
		for _, rem := range pending {
			fmt.Fprintf(&b, "\n- %s at %s", rem.Text, rem.FireAt.Format("Jan 2 15:04"))
		}
		return b.String(), true
	case containsAny(lower, "cancel", "delete", "remove", "clear"):
		cancelled, err := r.deps.Reminders.CancelByText(ctx, reminderQuery(lower))
		if err != nil {
			return fmt.Sprintf("Failed to cancel reminders: %v", err), true
		}
		if len(cancelled) == 0 {
			return "No matching pending reminders.", true
		}
		return fmt.Sprintf("Cancelled %d reminder(s).", len(cancelled)), true
	}
	return "", false
}

// reminderQuery strips the intent words so only the operator's subject is
// left for the fuzzy cancel match. An empty query matches everything.
func reminderQuery(lower string) string {
	stop := map[string]bool{
		"cancel": true, "delete": true, "remove": true, "clear": true,
		"the": true, "my": true, "a": true, "all": true, "please": true,
		"reminder": true, "reminders": true, "about": true, "for": true, "to": true,
	}
	var kept []string
	for _, w := range strings.Fields(lower) {
		if !stop[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// extractReminder pulls a trailing REMINDER_JSON sentinel out of reply,
// stores the reminder, and swaps the sentinel for a confirmation line. A
// malformed sentinel is stripped and logged, never echoed.
func (r *Router) extractReminder(ctx context.Context, source, reply string) string {
	idx := strings.LastIndex(reply, reminderSentinel)
	if idx < 0 {
		return reply
	}
	payload := strings.TrimSpace(reply[idx+len(reminderSentinel):])
	reply = strings.TrimSpace(reply[:idx])

	var req reminderRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil || req.Text == "" {
		slog.Warn("Discarding malformed reminder sentinel", "error", err)
		return reply
	}
	fireAt, err := time.Parse(time.RFC3339, req.FireAt)
	if err != nil {
		slog.Warn("Discarding reminder with unparseable fireAt", "fireAt", req.FireAt, "error", err)
		return reply
	}
	if r.deps.Reminders == nil {
		return reply
	}
	if _, err := r.deps.Reminders.Set(ctx, req.Text, fireAt, source); err != nil {
		slog.Error("Failed to store reminder", "error", err)
		return reply + "\n(couldn't save the reminder)"
	}

	confirm := "Reminder set for " + fireAt.Format("Jan 2 15:04") + "."
	if reply == "" {
		return confirm
	}
	return reply + "\n" + confirm
}

func (r *Router) pushConversation(ctx context.Context, role models.Role, text string) {
	if r.deps.Convo == nil {
		return
	}
	if err := r.deps.Convo.Push(ctx, role, text); err != nil {
		slog.Warn("Failed to store conversation entry", "error", err)
	}
}

var (
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdBold    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdBullet  = regexp.MustCompile(`(?m)^\s*[-*]\s+`)
	mdCode    = regexp.MustCompile("`([^`]*)`")
	mdItalic  = regexp.MustCompile(`\*([^*\n]+)\*`)
)

// stripMarkdown flattens common markdown to SMS-safe plain text. Bullets
// are normalized before the italic pass so list asterisks survive as
// dashes instead of pairing up.
func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "```", "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdBullet.ReplaceAllString(s, "- ")
	s = mdCode.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// clip cuts s to max bytes on a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
