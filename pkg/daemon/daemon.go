// Package daemon drives the supervisor's clocks. It owns the scan tick
// (health, fleet refresh, SMS, reminders, signals, trust), the think
// scheduler with its one-shot delay override, the digest crons, and the
// fsnotify fast path, plus the phased shutdown that unwinds them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/drover-sh/drover/pkg/brain"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/scan"
	"github.com/drover-sh/drover/pkg/sms"
	"github.com/drover-sh/drover/pkg/state"
)

const (
	defaultScanInterval  = 60 * time.Second
	defaultThinkInterval = 5 * time.Minute
	defaultAlertTTL      = time.Hour

	// drainGrace bounds how long Stop waits for in-flight work (a think
	// cycle, an SMS reply, a session evaluation) before cancelling it.
	drainGrace = 10 * time.Second

	// Fired reminders stay around for a month as conversation evidence,
	// then a lazy hourly sweep removes them.
	reminderRetention = 30 * 24 * time.Hour
	pruneInterval     = time.Hour

	prioritiesFile = "priorities.yaml"
)

// SessionLister is the slice of the mux driver the daemon polls.
type SessionLister interface {
	ListActive(ctx context.Context) ([]models.SessionInfo, error)
}

// ProjectSource discovers projects and their signal files.
type ProjectSource interface {
	Projects() ([]models.ProjectRecord, error)
	SweepSignals() ([]models.Signal, error)
}

// HealthStepper runs one health-probe pass.
type HealthStepper interface {
	ScanStep(ctx context.Context)
}

// Handler routes one operator message and tracks conversation context.
type Handler interface {
	Handle(ctx context.Context, msg string) string
	NoteEvent(project string, kind models.SignalKind)
}

// Notifier is the outbound side of the notification pipeline.
type Notifier interface {
	Notify(tier models.Tier, message string)
	Reply(message string)
}

// Thinker is the slice of the brain the scheduler drives.
type Thinker interface {
	Think(ctx context.Context) (models.Decision, error)
	GenerateDigest(ctx context.Context, flavor string) (string, error)
	TakeNextThinkIn() (time.Duration, bool)
}

// Evaluator judges a finished session.
type Evaluator interface {
	Evaluate(ctx context.Context, session models.SessionInfo) (models.Evaluation, error)
}

// Reminders is the slice of the reminder store the scan tick drives.
type Reminders interface {
	CheckAndFire(ctx context.Context, now time.Time) ([]models.Reminder, error)
	PruneFired(ctx context.Context, olderThan time.Duration) (int, error)
}

// Trust accumulates per-level counters from the history rings.
type Trust interface {
	Prime(execs []models.ExecutionRecord, evals []models.Evaluation)
	Tick(ctx context.Context, execs []models.ExecutionRecord, evals []models.Evaluation) error
}

// Promotions is the slice of the autonomy manager the daemon consults.
type Promotions interface {
	EnsureEntered(ctx context.Context)
	CheckPromotion(ctx context.Context) (string, error)
}

// Pauser reports whether the operator has held autonomous actions.
type Pauser interface {
	Paused() bool
}

// Deps are the components the daemon drives. Optional ones (Health,
// Watcher, Evaluator, ...) may be nil; the corresponding step is skipped.
type Deps struct {
	Mux       SessionLister
	Scanner   ProjectSource
	Watcher   *scan.Watcher
	Health    HealthStepper
	Transport sms.Transport
	Router    Handler
	Notifier  Notifier
	Brain     Thinker
	Evaluator Evaluator
	Reminders Reminders
	Trust     Trust
	Autonomy  Promotions
	State     *state.Store
	Switches  Pauser
	Fleet     *Fleet

	// PrioritiesPath points at the operator-editable priorities file,
	// usually <dataDir>/priorities.yaml. Empty disables the reload.
	PrioritiesPath string
}

// Daemon runs the supervisor loops until Stop.
type Daemon struct {
	cfg  *config.Config
	deps Deps

	scanEvery  time.Duration
	thinkEvery time.Duration
	alertTTL   time.Duration
	drain      time.Duration

	cron     *cron.Cron
	watcher  *scan.Watcher
	thinkReq chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	known   map[string]models.SessionInfo // last tick's sessions, for end detection

	lastPrune time.Time // only the scan goroutine touches this

	now func() time.Time
}

// New builds a daemon from the resolved config. Intervals fall back to
// their defaults when unset.
func New(cfg *config.Config, deps Deps) *Daemon {
	scanEvery := defaultScanInterval
	if cfg.ScanIntervalMs > 0 {
		scanEvery = time.Duration(cfg.ScanIntervalMs) * time.Millisecond
	}
	thinkEvery := defaultThinkInterval
	alertTTL := defaultAlertTTL
	if cfg.AI != nil {
		if cfg.AI.ThinkIntervalMs > 0 {
			thinkEvery = time.Duration(cfg.AI.ThinkIntervalMs) * time.Millisecond
		}
		if cfg.AI.DedupTtlMs > 0 {
			alertTTL = time.Duration(cfg.AI.DedupTtlMs) * time.Millisecond
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Daemon{
		cfg:        cfg,
		deps:       deps,
		scanEvery:  scanEvery,
		thinkEvery: thinkEvery,
		alertTTL:   alertTTL,
		drain:      drainGrace,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		thinkReq: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		known:    make(map[string]models.SessionInfo),
		now:      time.Now,
	}
}

// Start spawns the scan, think and signal loops and starts the crons.
// It is safe to call multiple times; subsequent calls are no-ops.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		slog.Warn("Daemon already started, ignoring duplicate Start call")
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.runCtx, d.cancel = context.WithCancel(ctx)

	if d.deps.Autonomy != nil {
		d.deps.Autonomy.EnsureEntered(d.runCtx)
	}
	if d.deps.Trust != nil && d.deps.State != nil {
		snap := d.deps.State.Snapshot()
		d.deps.Trust.Prime(snap.ExecutionHistory, snap.EvaluationHistory)
	}
	d.loadPriorities(true)

	if d.deps.Watcher != nil {
		if err := d.deps.Watcher.Start(); err != nil {
			slog.Warn("Signal watcher unavailable, relying on the periodic sweep", "error", err)
		} else {
			d.watcher = d.deps.Watcher
			d.wg.Add(1)
			go d.signalLoop()
		}
	}

	d.registerCrons()
	d.cron.Start()

	d.wg.Add(2)
	go d.scanLoop()
	go d.thinkLoop()

	slog.Info("Daemon started",
		"scan_interval", d.scanEvery,
		"think_interval", d.thinkEvery)
	return nil
}

// Stop unwinds in phases: stop the timers, give in-flight work a bounded
// drain, then cancel whatever is left. Safe to call multiple times.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("Stopping daemon")
		close(d.stopCh)
		cronCtx := d.cron.Stop()
		if d.watcher != nil {
			d.watcher.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			<-cronCtx.Done()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Daemon stopped gracefully")
		case <-time.After(d.drain):
			slog.Warn("Shutdown drain timeout exceeded, cancelling in-flight work",
				"timeout", d.drain)
		}
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// RequestThink schedules an immediate think tick. Non-blocking; a request
// while one is already queued is dropped.
func (d *Daemon) RequestThink() {
	select {
	case d.thinkReq <- struct{}{}:
	default:
	}
}

// scanLoop runs one tick immediately, then every scanEvery.
func (d *Daemon) scanLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.scanEvery)
	defer ticker.Stop()

	d.scanTick(d.runCtx)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.scanTick(d.runCtx)
		}
	}
}

// scanTick is one pass of the 60 s loop. Every step logs and continues on
// failure; a bad tick never takes the loop down.
func (d *Daemon) scanTick(ctx context.Context) {
	if d.deps.Health != nil {
		d.deps.Health.ScanStep(ctx)
	}
	d.refreshProjects()
	d.refreshSessions(ctx)
	d.pollSMS(ctx)
	d.fireReminders(ctx)
	d.sweepSignals()
	d.trustTick(ctx)
	d.checkPromotion(ctx)
	d.stampScan()
}

func (d *Daemon) refreshProjects() {
	if d.deps.Scanner != nil {
		projects, err := d.deps.Scanner.Projects()
		if err != nil {
			slog.Warn("Project scan failed", "error", err)
		} else if d.deps.Fleet != nil {
			d.deps.Fleet.SetProjects(projects)
		}
	}
	if d.watcher != nil {
		d.watcher.Refresh()
	}
	d.loadPriorities(false)
}

// refreshSessions snapshots the active windows and evaluates any session
// that disappeared since the previous tick.
func (d *Daemon) refreshSessions(ctx context.Context) {
	if d.deps.Mux == nil {
		return
	}
	active, err := d.deps.Mux.ListActive(ctx)
	if err != nil {
		// Keep the previous snapshot: diffing against a failed listing
		// would read every session as ended.
		slog.Warn("Failed to list active sessions", "error", err)
		return
	}
	if d.deps.Fleet != nil {
		d.deps.Fleet.SetSessions(active)
	}

	current := make(map[string]models.SessionInfo, len(active))
	for _, s := range active {
		current[s.Project] = s
	}

	d.mu.Lock()
	var ended []models.SessionInfo
	for name, info := range d.known {
		if _, ok := current[name]; !ok {
			ended = append(ended, info)
		}
	}
	d.known = current
	d.mu.Unlock()

	for _, info := range ended {
		d.evaluateEnded(ctx, info)
	}
}

func (d *Daemon) evaluateEnded(ctx context.Context, info models.SessionInfo) {
	slog.Info("Session ended", "project", info.Project, "session_id", info.SessionID)
	if d.deps.Evaluator == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ev, err := d.deps.Evaluator.Evaluate(ctx, info)
		if err != nil {
			slog.Error("Session evaluation failed", "project", info.Project, "error", err)
			return
		}
		slog.Info("Session evaluated",
			"project", info.Project,
			"score", ev.Score,
			"recommendation", ev.Recommendation)
	}()
}

// pollSMS claims new inbound messages (cursor first, so a crash never
// re-runs a command) and handles them off the tick goroutine: the NL path
// can hold an LLM slot for up to two minutes.
func (d *Daemon) pollSMS(ctx context.Context) {
	if d.deps.Transport == nil || d.deps.Router == nil || d.deps.State == nil {
		return
	}
	cursor := d.deps.State.Snapshot().LastRowID
	msgs, err := d.deps.Transport.Poll(ctx, cursor)
	if err != nil {
		slog.Warn("SMS poll failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1].ID
	if err := d.deps.State.Update(func(doc *state.Document) {
		if last > doc.LastRowID {
			doc.LastRowID = last
		}
	}); err != nil {
		slog.Error("Failed to advance SMS cursor, dropping batch", "error", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, m := range msgs {
			slog.Info("Operator message received", "id", m.ID)
			if reply := d.deps.Router.Handle(ctx, m.Text); reply != "" && d.deps.Notifier != nil {
				d.deps.Notifier.Reply(reply)
			}
		}
	}()
}

func (d *Daemon) fireReminders(ctx context.Context) {
	if d.deps.Reminders == nil {
		return
	}
	fired, err := d.deps.Reminders.CheckAndFire(ctx, d.now())
	for _, r := range fired {
		slog.Info("Reminder fired", "id", r.ID)
		if d.deps.Notifier != nil {
			d.deps.Notifier.Notify(models.TierUrgent, "Reminder: "+r.Text)
		}
	}
	if err != nil {
		slog.Warn("Reminder check failed", "error", err)
	}

	if now := d.now(); now.Sub(d.lastPrune) >= pruneInterval {
		d.lastPrune = now
		if n, err := d.deps.Reminders.PruneFired(ctx, reminderRetention); err != nil {
			slog.Warn("Reminder prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("Pruned old fired reminders", "count", n)
		}
	}
}

func (d *Daemon) sweepSignals() {
	if d.deps.Scanner == nil {
		return
	}
	signals, err := d.deps.Scanner.SweepSignals()
	if err != nil {
		slog.Warn("Signal sweep failed", "error", err)
	}
	for _, sig := range signals {
		d.handleSignal(sig)
	}
}

// handleSignal is shared by the sweep and the watcher fast path. Claim-by-
// rename in the scanner guarantees each signal arrives here exactly once.
func (d *Daemon) handleSignal(sig models.Signal) {
	slog.Info("Session signal", "project", sig.Project, "kind", sig.Kind)
	if d.deps.Router != nil {
		d.deps.Router.NoteEvent(sig.Project, sig.Kind)
	}
	if d.recordSignal(sig) && d.deps.Notifier != nil {
		tier, text := formatSignal(sig)
		d.deps.Notifier.Notify(tier, text)
	}
}

// recordSignal folds the signal into the state document: error signals
// bump the project's retry count, completions clear it, and the alert
// history decides whether this signal is news or a repeat page.
func (d *Daemon) recordSignal(sig models.Signal) bool {
	if d.deps.State == nil {
		return true
	}
	reason := signalReason(sig)
	now := d.now()
	alert := true
	err := d.deps.State.Update(func(doc *state.Document) {
		switch sig.Kind {
		case models.SignalError:
			if doc.ErrorRetryCounts == nil {
				doc.ErrorRetryCounts = make(map[string]int)
			}
			doc.ErrorRetryCounts[sig.Project]++
		case models.SignalCompleted:
			delete(doc.ErrorRetryCounts, sig.Project)
		}

		prev, seen := doc.AlertHistory[sig.Project]
		if seen && prev.Reason == reason && now.Sub(prev.Timestamp) < d.alertTTL {
			alert = false
			return
		}
		if doc.AlertHistory == nil {
			doc.AlertHistory = make(map[string]state.AlertRecord)
		}
		doc.AlertHistory[sig.Project] = state.AlertRecord{Reason: reason, Timestamp: now}
	})
	if err != nil {
		slog.Warn("Failed to record signal in state document",
			"project", sig.Project, "error", err)
	}
	return alert
}

func (d *Daemon) trustTick(ctx context.Context) {
	if d.deps.Trust == nil || d.deps.State == nil {
		return
	}
	snap := d.deps.State.Snapshot()
	if err := d.deps.Trust.Tick(ctx, snap.ExecutionHistory, snap.EvaluationHistory); err != nil {
		slog.Warn("Trust tick failed", "error", err)
	}
}

func (d *Daemon) checkPromotion(ctx context.Context) {
	if d.deps.Autonomy == nil {
		return
	}
	msg, err := d.deps.Autonomy.CheckPromotion(ctx)
	if err != nil {
		slog.Warn("Promotion check failed", "error", err)
		return
	}
	if msg != "" && d.deps.Notifier != nil {
		d.deps.Notifier.Notify(models.TierAction, msg)
	}
}

func (d *Daemon) stampScan() {
	if d.deps.State == nil {
		return
	}
	if err := d.deps.State.Update(func(doc *state.Document) {
		doc.LastScanISO = d.now().UTC().Format(time.RFC3339)
	}); err != nil {
		slog.Warn("Failed to stamp scan time", "error", err)
	}
}

// signalLoop drains the fsnotify fast path.
func (d *Daemon) signalLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case sig := <-d.watcher.Signals():
			d.handleSignal(sig)
		}
	}
}

// thinkLoop waits thinkEvery between cycles, honoring the brain's one-shot
// nextThinkIn override and immediate operator requests.
func (d *Daemon) thinkLoop() {
	defer d.wg.Done()

	delay := d.thinkEvery
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.thinkReq:
		case <-time.After(delay):
		}
		delay = d.thinkEvery
		d.runThink()
		if d.deps.Brain != nil {
			if override, ok := d.deps.Brain.TakeNextThinkIn(); ok {
				slog.Info("Next think rescheduled", "delay", override)
				delay = override
			}
		}
	}
}

func (d *Daemon) runThink() {
	if d.deps.Brain == nil {
		return
	}
	if d.deps.Switches != nil && d.deps.Switches.Paused() {
		slog.Debug("Think tick skipped, daemon paused")
		return
	}
	decision, err := d.deps.Brain.Think(d.runCtx)
	switch {
	case errors.Is(err, brain.ErrThinkInFlight):
		slog.Debug("Think tick skipped, cycle already in flight")
	case errors.Is(err, brain.ErrDisabled):
		slog.Debug("Think tick skipped, AI disabled")
	case err != nil:
		slog.Info("Think tick refused", "error", err)
	default:
		slog.Info("Think cycle finished",
			"recommendations", len(decision.Recommendations),
			"duration_ms", decision.DurationMs,
			"error", decision.Error)
	}
}

// loadPriorities reads the operator-editable priorities file. At startup
// (seed) the whole record lands in the fleet; on scan ticks only the lists
// refresh, so a reload can't clobber notes set over SMS since.
func (d *Daemon) loadPriorities(seed bool) {
	if d.deps.PrioritiesPath == "" || d.deps.Fleet == nil {
		return
	}
	raw, err := os.ReadFile(d.deps.PrioritiesPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("Failed to read priorities file", "path", d.deps.PrioritiesPath, "error", err)
		return
	}
	var p models.Priorities
	if err := yaml.Unmarshal(raw, &p); err != nil {
		slog.Warn("Ignoring malformed priorities file", "path", d.deps.PrioritiesPath, "error", err)
		return
	}
	if seed {
		d.deps.Fleet.ReplacePriorities(p)
	} else {
		d.deps.Fleet.SetPriorityLists(p.Focus, p.Block, p.Skip)
	}
}

func formatSignal(sig models.Signal) (models.Tier, string) {
	tier := models.TierUrgent
	var verb string
	switch sig.Kind {
	case models.SignalNeedsInput:
		verb = "needs input"
	case models.SignalError:
		verb = "hit an error"
	case models.SignalCompleted:
		tier = models.TierAction
		verb = "completed"
	default:
		verb = "sent " + string(sig.Kind)
	}
	text := sig.Project + " " + verb
	if sig.Message != "" {
		text = fmt.Sprintf("%s: %s", text, sig.Message)
	}
	return tier, text
}

// signalReason is the dedup key stored in the alert history. Clipped so a
// chatty session can't bloat the state document.
func signalReason(sig models.Signal) string {
	reason := string(sig.Kind)
	if sig.Message != "" {
		reason += ": " + sig.Message
	}
	runes := []rune(reason)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return reason
}
