// Package executor gates and applies AI recommendations: allowlist and
// protected-project checks, cooldowns, content dedup, autonomy gating,
// just-in-time preconditions, dispatch, and post-action records.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// SessionDriver is the slice of the mux driver the executor dispatches to.
type SessionDriver interface {
	Start(ctx context.Context, project, prompt string) error
	Stop(ctx context.Context, project string) error
	Restart(ctx context.Context, project, prompt string) error
}

// Notifier delivers operator messages through the notification pipeline.
type Notifier interface {
	Notify(tier models.Tier, message string)
}

// Deps are the capabilities the executor reads and drives. Funcs are
// snapshot getters; nil funcs read as empty.
type Deps struct {
	Level          func() models.AutonomyLevel
	Sessions       func() []models.SessionInfo
	FreeMemoryMB   func() int
	ErrorRetries   func(project string) int
	PrepareSignals func(project string) (string, error)
	RecordExec     func(models.ExecutionRecord)
	Mux            SessionDriver
	Notifier       Notifier
}

// Result is the outcome of one Execute call. Precondition refusals are
// never retried internally; they surface here for logging.
type Result struct {
	Executed bool
	Rejected string
	Detail   string
}

// Executor applies the decision pipeline. Safe for concurrent use; the
// cooldown and dedup maps are mutex-guarded.
type Executor struct {
	deps Deps

	protected       map[string]bool
	cooldowns       *config.CooldownConfig
	maxConcurrent   int
	minFreeMemoryMB int
	maxErrorRetries int
	smsLimit        int

	mu          sync.Mutex
	lastAction  map[string]time.Time // "project:action" -> last executed
	lastProject map[string]time.Time // project -> last executed
	dedup       *dedupCache

	now func() time.Time
}

// NewExecutor builds an executor from the resolved config.
func NewExecutor(cfg *config.Config, deps Deps) *Executor {
	protected := make(map[string]bool, len(cfg.AI.ProtectedProjects))
	for _, name := range cfg.AI.ProtectedProjects {
		protected[name] = true
	}
	minFree := 0
	if cfg.AI.ResourceLimits != nil {
		minFree = cfg.AI.ResourceLimits.MinFreeMemoryMB
	}
	return &Executor{
		deps:            deps,
		protected:       protected,
		cooldowns:       cfg.AI.Cooldowns,
		maxConcurrent:   cfg.MaxConcurrentSessions,
		minFreeMemoryMB: minFree,
		maxErrorRetries: cfg.AI.MaxErrorRetries,
		smsLimit:        config.DefaultSMSLimit,
		lastAction:      make(map[string]time.Time),
		lastProject:     make(map[string]time.Time),
		dedup:           newDedupCache(time.Duration(cfg.AI.DedupTtlMs) * time.Millisecond),
		now:             time.Now,
	}
}

// Evaluate applies the ordered validation checks to each recommendation:
// unknown action, protected project, then cooldowns. It never performs
// I/O beyond reading the current autonomy level.
func (e *Executor) Evaluate(recs []models.Recommendation) []models.EvaluatedRecommendation {
	level := e.level()
	now := e.now()

	out := make([]models.EvaluatedRecommendation, 0, len(recs))
	for _, rec := range recs {
		ev := models.EvaluatedRecommendation{Recommendation: rec, AutonomyLevel: level}
		switch {
		case !rec.Action.IsValid():
			ev.Rejected = models.RejectedUnknownAction
		case e.protected[rec.Project]:
			ev.Rejected = models.RejectedProtectedProject
		default:
			if remaining := e.cooldownRemaining(rec.Project, rec.Action, now); remaining > 0 {
				ev.Rejected = models.RejectedCooldownActive
				ev.CooldownRemainingMs = remaining.Milliseconds()
			}
		}
		if ev.Rejected == "" {
			ev.Validated = true
			ev.ObserveOnly = level == models.AutonomyObserve
		}
		out = append(out, ev)
	}
	return out
}

// Execute applies one validated recommendation: matrix re-check, JIT
// preconditions, dispatch, cooldown stamp, execution record, and the
// tier-2 success notification for mutating actions.
func (e *Executor) Execute(ctx context.Context, ev models.EvaluatedRecommendation) Result {
	if !ev.Validated {
		return Result{Rejected: ev.Rejected}
	}

	level := e.level()
	if !models.ActionAllowed(level, ev.Action) {
		e.notify(models.TierSummary, fmt.Sprintf("AI would %s %s: %s", ev.Action, ev.Project, ev.Reason))
		return Result{Rejected: models.RejectedAutonomyLevel}
	}

	if refusal := e.checkPreconditions(ev); refusal != "" {
		slog.Info("Precondition refused action",
			"project", ev.Project, "action", ev.Action, "refusal", refusal)
		return Result{Rejected: models.RejectedPrecondition, Detail: refusal}
	}

	res := e.dispatch(ctx, ev)
	if res.OK {
		e.stampCooldown(ev.Project, ev.Action)
	}
	e.record(ev, level, res)

	if res.OK && ev.Action.Mutating() {
		e.notify(models.TierAction, fmt.Sprintf("AI %s %s: %s", pastTense(ev.Action), ev.Project, ev.Reason))
	}
	if !res.OK {
		return Result{Detail: res.Msg}
	}
	return Result{Executed: true, Detail: res.Msg}
}

func (e *Executor) checkPreconditions(ev models.EvaluatedRecommendation) string {
	sessions := e.sessions()
	running := false
	for _, s := range sessions {
		if s.Project == ev.Project {
			running = true
			break
		}
	}

	switch ev.Action {
	case models.ActionStart:
		if running {
			return "session already running"
		}
		if len(sessions) >= e.maxConcurrent {
			return fmt.Sprintf("session limit reached (%d)", e.maxConcurrent)
		}
		// Negative means the host's memory is unreadable; skip the floor.
		if free := e.freeMemoryMB(); free >= 0 && free < e.minFreeMemoryMB {
			return fmt.Sprintf("low memory: %d MB free, need %d", free, e.minFreeMemoryMB)
		}
		if retries := e.errorRetries(ev.Project); retries >= e.maxErrorRetries {
			return fmt.Sprintf("error retry limit reached (%d)", retries)
		}
	case models.ActionStop, models.ActionRestart:
		if !running {
			return "no session running"
		}
	}
	return ""
}

func (e *Executor) dispatch(ctx context.Context, ev models.EvaluatedRecommendation) models.CommandResult {
	switch ev.Action {
	case models.ActionStart:
		prompt, err := e.prepareSignals(ev.Project, ev.Prompt)
		if err != nil {
			return models.CommandResult{Msg: fmt.Sprintf("failed to prepare signal markers: %v", err)}
		}
		if err := e.deps.Mux.Start(ctx, ev.Project, prompt); err != nil {
			return models.CommandResult{Msg: err.Error()}
		}
		return models.CommandResult{OK: true, Msg: "session started"}

	case models.ActionStop:
		if err := e.deps.Mux.Stop(ctx, ev.Project); err != nil {
			return models.CommandResult{Msg: err.Error()}
		}
		return models.CommandResult{OK: true, Msg: "session stopped"}

	case models.ActionRestart:
		prompt, err := e.prepareSignals(ev.Project, ev.Prompt)
		if err != nil {
			return models.CommandResult{Msg: fmt.Sprintf("failed to prepare signal markers: %v", err)}
		}
		if err := e.deps.Mux.Restart(ctx, ev.Project, prompt); err != nil {
			return models.CommandResult{Msg: err.Error()}
		}
		return models.CommandResult{OK: true, Msg: "session restarted"}

	case models.ActionNotify:
		msg := ev.Message
		if msg == "" {
			msg = ev.Reason
		}
		tier := models.Tier(ev.NotificationTier)
		if !tier.IsValid() {
			tier = models.TierAction
		}
		e.notify(tier, msg)
		return models.CommandResult{OK: true, Msg: "notified"}

	default: // skip
		return models.CommandResult{OK: true, Msg: "skipped"}
	}
}

// cooldownRemaining checks the same-action window first, then the
// same-project window, matching the rejection order operators see.
func (e *Executor) cooldownRemaining(project string, action models.Action, now time.Time) time.Duration {
	if e.cooldowns == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastAction[cooldownKey(project, action)]; ok {
		if rem := e.cooldowns.SameAction() - now.Sub(last); rem > 0 {
			return rem
		}
	}
	if last, ok := e.lastProject[project]; ok {
		if rem := e.cooldowns.SameProject() - now.Sub(last); rem > 0 {
			return rem
		}
	}
	return 0
}

// stampCooldown records a successful dispatch. Failed dispatches are not
// stamped so a transient mux error does not freeze the project.
func (e *Executor) stampCooldown(project string, action models.Action) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAction[cooldownKey(project, action)] = now
	e.lastProject[project] = now
}

func (e *Executor) record(ev models.EvaluatedRecommendation, level models.AutonomyLevel, res models.CommandResult) {
	if e.deps.RecordExec == nil {
		return
	}
	e.deps.RecordExec(models.ExecutionRecord{
		Timestamp:     e.now(),
		Action:        ev.Action,
		Project:       ev.Project,
		Result:        res,
		AutonomyLevel: level,
	})
}

func cooldownKey(project string, action models.Action) string {
	return project + ":" + string(action)
}

func pastTense(action models.Action) string {
	switch action {
	case models.ActionStart:
		return "started"
	case models.ActionStop:
		return "stopped"
	case models.ActionRestart:
		return "restarted"
	default:
		return string(action) + "ed"
	}
}

func (e *Executor) level() models.AutonomyLevel {
	if e.deps.Level == nil {
		return models.AutonomyObserve
	}
	return e.deps.Level()
}

func (e *Executor) sessions() []models.SessionInfo {
	if e.deps.Sessions == nil {
		return nil
	}
	return e.deps.Sessions()
}

func (e *Executor) freeMemoryMB() int {
	if e.deps.FreeMemoryMB == nil {
		return -1
	}
	return e.deps.FreeMemoryMB()
}

func (e *Executor) errorRetries(project string) int {
	if e.deps.ErrorRetries == nil {
		return 0
	}
	return e.deps.ErrorRetries(project)
}

// prepareSignals clears stale signal files and folds the protocol
// instructions into the session prompt.
func (e *Executor) prepareSignals(project, prompt string) (string, error) {
	if e.deps.PrepareSignals == nil {
		return prompt, nil
	}
	suffix, err := e.deps.PrepareSignals(project)
	if err != nil {
		return "", err
	}
	switch {
	case suffix == "":
		return prompt, nil
	case prompt == "":
		return suffix, nil
	default:
		return prompt + "\n\n" + suffix, nil
	}
}

func (e *Executor) notify(tier models.Tier, message string) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Notify(tier, message)
}
