// Package command routes operator SMS messages: a deterministic command
// table handled synchronously, the AI sub-command surface, and a
// natural-language fallback through the LLM gateway.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// contextTTL bounds how long the conversation slot stays actionable.
const contextTTL = 30 * time.Minute

// slotCommand marks slot entries set by operator commands, as opposed to
// the signal kinds (needs-input, completed, error) set by session events.
const slotCommand = "command"

// operatorStartPrompt seeds sessions launched by hand. AI-initiated starts
// carry their own prompt from the recommendation instead.
const operatorStartPrompt = "Continue working on this project. Read STATUS.md for the current state and pick up the highest-priority task."

const helpText = `Commands:
start/stop/restart <project>
sessions - active sessions
list - all projects
status [project]
startall / stopall
priority [notes] - guidance for the AI
pause / unpause - autonomous actions
shh / wake - notifications (also: quiet on/off)
reply <project>: <message>
go / continue / yes / ok - answer the latest session
autonomy [observe|cautious|moderate|full]
ai on|off|status|think|explain|level
Anything else is answered by the AI.`

const aiHelpText = "AI commands: ai on, ai off, ai status, ai think, ai explain, ai level [observe|cautious|moderate|full]."

const (
	quietOnReply  = "Going quiet - urgent alerts only. Reply 'wake' to resume."
	quietOffReply = "Notifications resumed."
)

// Switches are the operator-togglable run flags. The router flips them;
// the daemon loops read them before every autonomous pass.
type Switches struct {
	ai     atomic.Bool
	paused atomic.Bool
}

// NewSwitches seeds the AI flag from config; paused starts false.
func NewSwitches(aiEnabled bool) *Switches {
	s := &Switches{}
	s.ai.Store(aiEnabled)
	return s
}

// AIEnabled reports whether the think loop and NL path may run.
func (s *Switches) AIEnabled() bool { return s.ai.Load() }

// Paused reports whether autonomous actions are held.
func (s *Switches) Paused() bool { return s.paused.Load() }

// SessionDriver is the slice of the mux driver the router drives directly.
// Operator commands bypass the autonomy matrix: a human gave the order.
type SessionDriver interface {
	Start(ctx context.Context, project, prompt string) error
	Stop(ctx context.Context, project string) error
	Restart(ctx context.Context, project, prompt string) error
	SendInput(ctx context.Context, project, text string) error
}

// Conversations is the subset of the conversation store the router uses.
type Conversations interface {
	Push(ctx context.Context, role models.Role, text string) error
	Recent(ctx context.Context, n int) ([]models.ConversationEntry, error)
}

// Reminders is the subset of the reminder store the router uses.
type Reminders interface {
	Set(ctx context.Context, text string, fireAt time.Time, sourceMessage string) (string, error)
	ListPending(ctx context.Context) ([]models.Reminder, error)
	CancelByText(ctx context.Context, query string) ([]models.Reminder, error)
}

// Deps are the capabilities the router reads and drives. Snapshot funcs
// may be nil; they read as empty.
type Deps struct {
	Mux       SessionDriver
	LLM       Gateway
	Convo     Conversations
	Reminders Reminders

	Sessions         func() []models.SessionInfo
	Projects         func() []models.ProjectRecord
	Level            func() models.AutonomyLevel
	SetLevel         func(ctx context.Context, level models.AutonomyLevel) error
	LastDecision     func() (models.Decision, bool)
	RequestThink     func()
	AssembleContext  func() string
	PrepareSignals   func(project string) (string, error)
	SetQuiet         func(on bool)
	QuietNow         func() bool
	GatewayLoad      func() (active, pending int64)
	BudgetUsed       func() (sent, budget int)
	Priorities       func() models.Priorities
	SetPriorityNotes func(notes string)
}

// slot is the single conversation-context record: the project most
// recently talked about, why, and when.
type slot struct {
	Project   string
	Type      string
	Timestamp time.Time
}

// Router parses operator messages and dispatches them. Safe for concurrent
// use; the context slot is mutex-guarded.
type Router struct {
	deps     Deps
	switches *Switches

	maxConcurrent int
	smsLimit      int

	mu   sync.Mutex
	slot slot

	now func() time.Time
}

// NewRouter builds a router from the resolved config.
func NewRouter(cfg *config.Config, switches *Switches, deps Deps) *Router {
	return &Router{
		deps:          deps,
		switches:      switches,
		maxConcurrent: cfg.MaxConcurrentSessions,
		smsLimit:      config.DefaultSMSLimit,
		now:           time.Now,
	}
}

// NoteEvent records a notified session event in the context slot so bare
// follow-ups (go/yes/stop) land on the right project.
func (r *Router) NoteEvent(project string, kind models.SignalKind) {
	r.setSlot(project, string(kind))
}

// Handle routes one operator message and returns the SMS reply. An empty
// reply means nothing should be sent.
func (r *Router) Handle(ctx context.Context, raw string) string {
	msg := strings.TrimSpace(raw)
	if msg == "" {
		return ""
	}
	lower := strings.ToLower(msg)
	fields := strings.Fields(lower)

	// Kill switch first: honored no matter what state the AI is in.
	if len(fields) == 2 && fields[0] == "ai" {
		switch fields[1] {
		case "on":
			r.switches.ai.Store(true)
			return "AI enabled."
		case "off":
			r.switches.ai.Store(false)
			return "AI disabled. Deterministic commands still work; reply 'ai on' to re-enable."
		}
	}

	if fields[0] == "ai" {
		return r.handleAI(ctx, fields[1:])
	}

	if reply, handled := r.handleDeterministic(ctx, msg, lower, fields); handled {
		return reply
	}

	if r.switches.AIEnabled() {
		return r.handleNaturalLanguage(ctx, msg)
	}
	return "AI is off - deterministic commands only. Reply 'ai on' to enable, or 'help' for the list."
}

func (r *Router) handleDeterministic(ctx context.Context, msg, lower string, fields []string) (string, bool) {
	arg := strings.TrimSpace(strings.TrimPrefix(lower, fields[0]))

	// Bare-word commands only fire alone; "list my reminders" is a
	// sentence for the AI, not a 'list'.
	switch fields[0] {
	case "help", "?", "sessions", "list", "startall", "stopall",
		"pause", "unpause", "shh", "wake":
		if len(fields) > 1 {
			return "", false
		}
	}

	switch fields[0] {
	case "help", "?":
		return helpText, true
	case "sessions":
		return r.sessionList(), true
	case "list":
		return r.projectList(), true
	case "start":
		if arg == "" {
			return "Usage: start <project>", true
		}
		return r.startProject(ctx, arg), true
	case "stop":
		if arg == "" {
			return r.stopFromSlot(ctx), true
		}
		return r.stopProject(ctx, arg), true
	case "restart":
		if arg == "" {
			return "Usage: restart <project>", true
		}
		return r.restartProject(ctx, arg), true
	case "startall":
		return r.startAll(ctx), true
	case "stopall":
		return r.stopAll(ctx), true
	case "status":
		if arg == "" {
			return r.statusOverview(), true
		}
		return r.projectStatus(arg), true
	case "priority":
		if arg == "" {
			return r.showPriorities(), true
		}
		r.setPriorityNotes(strings.TrimSpace(msg[len("priority"):]))
		return "Priorities updated.", true
	case "pause":
		r.switches.paused.Store(true)
		return "Paused - no autonomous actions until 'unpause'. Alerts still fire.", true
	case "unpause":
		r.switches.paused.Store(false)
		return "Resumed autonomous operation.", true
	case "shh":
		r.setQuiet(true)
		return quietOnReply, true
	case "wake":
		r.setQuiet(false)
		return quietOffReply, true
	case "quiet":
		if arg == "off" {
			r.setQuiet(false)
			return quietOffReply, true
		}
		r.setQuiet(true)
		return quietOnReply, true
	case "go", "continue", "yes", "ok":
		if len(fields) == 1 {
			return r.forwardToSlot(ctx, fields[0]), true
		}
		return "", false // "go fix the tests" reads as natural language
	case "reply":
		return r.replyTo(ctx, msg), true
	case "autonomy":
		return r.autonomyCmd(ctx, fields[1:]), true
	}
	return "", false
}

func (r *Router) handleAI(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return aiHelpText
	}
	switch args[0] {
	case "status":
		return r.aiStatus()
	case "think":
		if !r.switches.AIEnabled() {
			return "AI is off - reply 'ai on' first."
		}
		if r.deps.RequestThink != nil {
			r.deps.RequestThink()
		}
		return "Thinking now - results will follow."
	case "explain":
		return r.aiExplain()
	case "level":
		return r.autonomyCmd(ctx, args[1:])
	case "help":
		return aiHelpText
	default:
		return "Unknown AI command. " + aiHelpText
	}
}

func (r *Router) startProject(ctx context.Context, name string) string {
	project, ok := r.matchProject(name)
	if !ok {
		return fmt.Sprintf("No project matching %q. Reply 'list' to see projects.", name)
	}
	if r.running(project) {
		return project + " is already running."
	}
	if r.maxConcurrent > 0 && len(r.sessions()) >= r.maxConcurrent {
		return fmt.Sprintf("Session limit reached (%d). Stop one first.", r.maxConcurrent)
	}
	prompt, err := r.sessionPrompt(project)
	if err != nil {
		return fmt.Sprintf("Failed to start %s: %v", project, err)
	}
	if err := r.deps.Mux.Start(ctx, project, prompt); err != nil {
		return fmt.Sprintf("Failed to start %s: %v", project, err)
	}
	r.setSlot(project, slotCommand)
	return "Started " + project + "."
}

func (r *Router) stopProject(ctx context.Context, name string) string {
	project, ok := r.matchProject(name)
	if !ok {
		return fmt.Sprintf("No project matching %q. Reply 'list' to see projects.", name)
	}
	if !r.running(project) {
		return "No session running for " + project + "."
	}
	if err := r.deps.Mux.Stop(ctx, project); err != nil {
		return fmt.Sprintf("Failed to stop %s: %v", project, err)
	}
	r.setSlot(project, slotCommand)
	return "Stopped " + project + "."
}

func (r *Router) stopFromSlot(ctx context.Context) string {
	s, ok := r.currentSlot()
	if !ok {
		return "Usage: stop <project> (no recent session context)"
	}
	return r.stopProject(ctx, s.Project)
}

func (r *Router) restartProject(ctx context.Context, name string) string {
	project, ok := r.matchProject(name)
	if !ok {
		return fmt.Sprintf("No project matching %q. Reply 'list' to see projects.", name)
	}
	if !r.running(project) {
		return fmt.Sprintf("No session running for %s - reply 'start %s' instead.", project, project)
	}
	prompt, err := r.sessionPrompt(project)
	if err != nil {
		return fmt.Sprintf("Failed to restart %s: %v", project, err)
	}
	if err := r.deps.Mux.Restart(ctx, project, prompt); err != nil {
		return fmt.Sprintf("Failed to restart %s: %v", project, err)
	}
	r.setSlot(project, slotCommand)
	return "Restarted " + project + "."
}

func (r *Router) startAll(ctx context.Context) string {
	projects := r.projects()
	if len(projects) == 0 {
		return "No projects registered."
	}
	running := make(map[string]bool)
	for _, s := range r.sessions() {
		running[s.Project] = true
	}
	free := r.maxConcurrent - len(running)

	var started, skipped []string
	for _, p := range projects {
		if running[p.Name] {
			continue
		}
		if r.maxConcurrent > 0 && free <= 0 {
			skipped = append(skipped, p.Name)
			continue
		}
		prompt, err := r.sessionPrompt(p.Name)
		if err == nil {
			err = r.deps.Mux.Start(ctx, p.Name, prompt)
		}
		if err != nil {
			slog.Warn("startall failed for project", "project", p.Name, "error", err)
			skipped = append(skipped, p.Name)
			continue
		}
		started = append(started, p.Name)
		free--
	}

	if len(started) == 0 {
		return "Nothing started - all sessions running or at the limit."
	}
	reply := fmt.Sprintf("Started %d: %s.", len(started), strings.Join(started, ", "))
	if len(skipped) > 0 {
		reply += fmt.Sprintf(" Skipped %d: %s.", len(skipped), strings.Join(skipped, ", "))
	}
	return reply
}

func (r *Router) stopAll(ctx context.Context) string {
	sessions := r.sessions()
	if len(sessions) == 0 {
		return "No active sessions."
	}
	stopped := 0
	var failed []string
	for _, s := range sessions {
		if err := r.deps.Mux.Stop(ctx, s.Project); err != nil {
			slog.Warn("stopall failed for project", "project", s.Project, "error", err)
			failed = append(failed, s.Project)
			continue
		}
		stopped++
	}
	reply := fmt.Sprintf("Stopped %d session(s).", stopped)
	if len(failed) > 0 {
		reply += " Failed: " + strings.Join(failed, ", ") + "."
	}
	return reply
}

func (r *Router) sessionList() string {
	sessions := r.sessions()
	if len(sessions) == 0 {
		return "No active sessions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active:", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n%s (%s)", s.Project, fmtDuration(r.now().Sub(s.StartedAt)))
	}
	return b.String()
}

func (r *Router) projectList() string {
	projects := r.projects()
	if len(projects) == 0 {
		return "No projects registered."
	}
	running := make(map[string]bool)
	for _, s := range r.sessions() {
		running[s.Project] = true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d projects:", len(projects))
	for _, p := range projects {
		b.WriteString("\n" + p.Name)
		if p.Phase != "" {
			b.WriteString(" - " + p.Phase)
		}
		if running[p.Name] {
			b.WriteString(" [running]")
		}
		if p.NeedsAttention {
			b.WriteString(" [attention]")
		}
	}
	return b.String()
}

func (r *Router) statusOverview() string {
	var b strings.Builder
	state := "on"
	if !r.switches.AIEnabled() {
		state = "off"
	}
	fmt.Fprintf(&b, "AI %s, autonomy %s", state, r.level())
	if r.switches.Paused() {
		b.WriteString(", paused")
	}
	fmt.Fprintf(&b, "\nSessions: %d active, %d projects", len(r.sessions()), len(r.projects()))
	if r.deps.BudgetUsed != nil {
		sent, budget := r.deps.BudgetUsed()
		fmt.Fprintf(&b, "\nSMS today: %d/%d", sent, budget)
	}
	if r.deps.QuietNow != nil && r.deps.QuietNow() {
		b.WriteString("\nQuiet hours active")
	}
	return b.String()
}

func (r *Router) projectStatus(name string) string {
	project, ok := r.matchProject(name)
	if !ok {
		return fmt.Sprintf("No project matching %q. Reply 'list' to see projects.", name)
	}
	var rec models.ProjectRecord
	for _, p := range r.projects() {
		if p.Name == project {
			rec = p
			break
		}
	}

	var b strings.Builder
	b.WriteString(project)
	if rec.Phase != "" {
		b.WriteString("\nPhase: " + rec.Phase)
	}
	if rec.Progress != "" {
		b.WriteString("\nProgress: " + rec.Progress)
	}
	if rec.NeedsAttention {
		b.WriteString("\nAttention: " + rec.AttentionReason)
	}
	if len(rec.Blockers) > 0 {
		b.WriteString("\nBlockers: " + strings.Join(rec.Blockers, "; "))
	}
	active := false
	for _, s := range r.sessions() {
		if s.Project == project {
			fmt.Fprintf(&b, "\nSession running (%s)", fmtDuration(r.now().Sub(s.StartedAt)))
			active = true
			break
		}
	}
	if !active {
		b.WriteString("\nNo active session")
	}
	r.setSlot(project, slotCommand)
	return b.String()
}

func (r *Router) showPriorities() string {
	if r.deps.Priorities == nil {
		return "No priorities set. Reply 'priority <notes>' to guide the AI."
	}
	p := r.deps.Priorities()
	var lines []string
	if len(p.Focus) > 0 {
		lines = append(lines, "Focus: "+strings.Join(p.Focus, ", "))
	}
	if len(p.Block) > 0 {
		lines = append(lines, "Hands off: "+strings.Join(p.Block, ", "))
	}
	if len(p.Skip) > 0 {
		lines = append(lines, "Skip: "+strings.Join(p.Skip, ", "))
	}
	if p.Notes != "" {
		lines = append(lines, "Notes: "+p.Notes)
	}
	if len(lines) == 0 {
		return "No priorities set. Reply 'priority <notes>' to guide the AI."
	}
	return strings.Join(lines, "\n")
}

func (r *Router) forwardToSlot(ctx context.Context, word string) string {
	s, ok := r.currentSlot()
	if !ok {
		return "Nothing in context. Name the project, e.g. 'reply web-app: go'."
	}
	if !r.running(s.Project) {
		return fmt.Sprintf("No session running for %s. Reply 'start %s' to launch one.", s.Project, s.Project)
	}
	if err := r.deps.Mux.SendInput(ctx, s.Project, word); err != nil {
		return fmt.Sprintf("Failed to send to %s: %v", s.Project, err)
	}
	r.setSlot(s.Project, slotCommand)
	return "Sent to " + s.Project + "."
}

func (r *Router) replyTo(ctx context.Context, msg string) string {
	rest := strings.TrimSpace(msg[len("reply"):])
	name, payload, ok := strings.Cut(rest, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	payload = strings.TrimSpace(payload)
	if !ok || name == "" || payload == "" {
		return "Usage: reply <project>: <message>"
	}
	project, found := r.matchProject(name)
	if !found {
		return fmt.Sprintf("No project matching %q. Reply 'list' to see projects.", name)
	}
	if !r.running(project) {
		return "No session running for " + project + "."
	}
	if err := r.deps.Mux.SendInput(ctx, project, payload); err != nil {
		return fmt.Sprintf("Failed to send to %s: %v", project, err)
	}
	r.setSlot(project, slotCommand)
	return "Sent to " + project + "."
}

func (r *Router) autonomyCmd(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Autonomy level: " + string(r.level())
	}
	level := models.AutonomyLevel(args[0])
	if !level.IsValid() {
		return fmt.Sprintf("Unknown level %q. Levels: observe, cautious, moderate, full.", args[0])
	}
	if r.deps.SetLevel == nil {
		return "Autonomy control is not available."
	}
	if err := r.deps.SetLevel(ctx, level); err != nil {
		return fmt.Sprintf("Failed to set level: %v", err)
	}
	return "Autonomy level set to " + string(level) + "."
}

func (r *Router) aiStatus() string {
	var b strings.Builder
	state := "enabled"
	if !r.switches.AIEnabled() {
		state = "disabled"
	}
	fmt.Fprintf(&b, "AI %s, level %s", state, r.level())
	if d, ok := r.lastDecision(); ok {
		fmt.Fprintf(&b, "\nLast think %s ago: %s", fmtDuration(r.now().Sub(d.Timestamp)), d.Summary)
	} else {
		b.WriteString("\nNo thinks yet")
	}
	if r.deps.GatewayLoad != nil {
		active, pending := r.deps.GatewayLoad()
		fmt.Fprintf(&b, "\nGateway: %d active, %d queued", active, pending)
	}
	return b.String()
}

func (r *Router) aiExplain() string {
	d, ok := r.lastDecision()
	if !ok {
		return "No decisions yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Think at %s (%.1fs)", d.Timestamp.Format("15:04"), float64(d.DurationMs)/1000)
	if d.Error != "" {
		b.WriteString("\nError: " + d.Error)
	}
	if d.Summary != "" {
		b.WriteString("\n" + d.Summary)
	}
	for _, ev := range d.Evaluated {
		fmt.Fprintf(&b, "\n- %s %s: %s [%s]", ev.Action, ev.Project, ev.Reason, evalOutcome(ev))
	}
	return b.String()
}

func evalOutcome(ev models.EvaluatedRecommendation) string {
	switch {
	case ev.Rejected != "":
		return "rejected: " + ev.Rejected
	case ev.ObserveOnly:
		return "observed"
	default:
		return "allowed"
	}
}

// sessionPrompt composes the operator start prompt plus the signal-protocol
// suffix; preparing signals also clears stale marker files.
func (r *Router) sessionPrompt(project string) (string, error) {
	prompt := operatorStartPrompt
	if r.deps.PrepareSignals != nil {
		suffix, err := r.deps.PrepareSignals(project)
		if err != nil {
			return "", fmt.Errorf("failed to prepare signal markers: %w", err)
		}
		if suffix != "" {
			prompt += "\n\n" + suffix
		}
	}
	return prompt, nil
}

func (r *Router) setSlot(project, typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot = slot{Project: project, Type: typ, Timestamp: r.now()}
}

func (r *Router) currentSlot() (slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot.Project == "" || r.now().Sub(r.slot.Timestamp) > contextTTL {
		return slot{}, false
	}
	return r.slot, true
}

func (r *Router) matchProject(input string) (string, bool) {
	projects := r.projects()
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	return MatchProject(input, names)
}

func (r *Router) running(project string) bool {
	for _, s := range r.sessions() {
		if s.Project == project {
			return true
		}
	}
	return false
}

func (r *Router) sessions() []models.SessionInfo {
	if r.deps.Sessions == nil {
		return nil
	}
	return r.deps.Sessions()
}

func (r *Router) projects() []models.ProjectRecord {
	if r.deps.Projects == nil {
		return nil
	}
	return r.deps.Projects()
}

func (r *Router) level() models.AutonomyLevel {
	if r.deps.Level == nil {
		return models.AutonomyObserve
	}
	return r.deps.Level()
}

func (r *Router) lastDecision() (models.Decision, bool) {
	if r.deps.LastDecision == nil {
		return models.Decision{}, false
	}
	return r.deps.LastDecision()
}

func (r *Router) setQuiet(on bool) {
	if r.deps.SetQuiet != nil {
		r.deps.SetQuiet(on)
	}
}

func (r *Router) setPriorityNotes(notes string) {
	if r.deps.SetPriorityNotes != nil {
		r.deps.SetPriorityNotes(notes)
	}
}

// fmtDuration renders a duration the way an operator reads it: 45m, 2h15m,
// 3d2h.
func fmtDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%02dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}
