// Package autonomy owns the privilege ladder: the persisted runtime level
// override, per-level trust counters, and the advisory promotion check.
// Levels only ever change through operator commands.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/services"
	"github.com/drover-sh/drover/pkg/state"
)

// Manager resolves the effective autonomy level and applies operator
// level changes. The runtime level on the state document overrides the
// config default once set.
type Manager struct {
	state *state.Store
	trust *services.TrustStore
	def   models.AutonomyLevel
	gates *config.TrustThresholds

	now func() time.Time
}

// NewManager creates a Manager. An invalid config default degrades to
// observe rather than failing startup.
func NewManager(cfg *config.Config, st *state.Store, trust *services.TrustStore) *Manager {
	def := cfg.AI.AutonomyLevel
	if !def.IsValid() {
		def = models.AutonomyObserve
	}
	var gates *config.TrustThresholds
	if cfg.Trust != nil {
		gates = cfg.Trust.Thresholds
	}
	return &Manager{state: st, trust: trust, def: def, gates: gates, now: time.Now}
}

// Level returns the runtime override when one is persisted, else the
// config default.
func (m *Manager) Level() models.AutonomyLevel {
	if l := m.state.Snapshot().RuntimeAutonomyLevel; l.IsValid() {
		return l
	}
	return m.def
}

// SetLevel validates and persists a new runtime level. Unknown levels are
// rejected without mutating anything. An actual change restamps the trust
// rows: residence days fold into the departed level, the entered level
// gets fresh timestamps, and both promotion latches re-arm.
func (m *Manager) SetLevel(ctx context.Context, level models.AutonomyLevel) error {
	if !level.IsValid() {
		return fmt.Errorf("unknown autonomy level %q", level)
	}

	prev := m.Level()
	if err := m.state.Update(func(doc *state.Document) {
		doc.RuntimeAutonomyLevel = level
	}); err != nil {
		return fmt.Errorf("failed to persist autonomy level: %w", err)
	}
	if level == prev {
		return nil
	}

	slog.Info("Autonomy level changed", "from", prev, "to", level)
	now := m.now()
	m.foldResidence(ctx, prev, now)
	m.stampEntry(ctx, level, now)
	return nil
}

// EnsureEntered opens a residence window for the current level when none
// exists, so day counting starts at first boot instead of at the first
// level change. A window left open by a previous run is kept, preserving
// residence continuity across restarts.
func (m *Manager) EnsureEntered(ctx context.Context) {
	level := m.Level()
	row, err := m.trust.Get(ctx, level)
	if errors.Is(err, services.ErrNotFound) {
		row = models.TrustRow{Level: level}
	} else if err != nil {
		slog.Warn("Trust row read failed", "level", level, "error", err)
		return
	}
	if !row.LastEnteredAt.IsZero() {
		return
	}

	now := m.now()
	if row.FirstEnteredAt.IsZero() {
		row.FirstEnteredAt = now
	}
	row.LastEnteredAt = now
	if err := m.trust.Upsert(ctx, row); err != nil {
		slog.Warn("Trust row write failed", "level", level, "error", err)
	}
}

// CheckPromotion reports whether the current level has earned its gate.
// Advisory only: it never changes the level. The latch makes the
// recommendation one-shot per residence; it re-arms when the operator
// actually moves the level.
func (m *Manager) CheckPromotion(ctx context.Context) (string, error) {
	level := m.Level()

	var (
		gate *config.TrustThreshold
		next models.AutonomyLevel
	)
	switch level {
	case models.AutonomyCautious:
		if m.gates != nil {
			gate, next = m.gates.CautiousToModerate, models.AutonomyModerate
		}
	case models.AutonomyModerate:
		if m.gates != nil {
			gate, next = m.gates.ModerateToFull, models.AutonomyFull
		}
	default:
		// observe stays a human decision; full has nowhere to go.
		return "", nil
	}
	if gate == nil {
		return "", nil
	}

	row, err := m.trust.Get(ctx, level)
	if errors.Is(err, services.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read trust row: %w", err)
	}
	if row.PromotionSent {
		return "", nil
	}

	days := row.DaysAtLevel(m.now())
	if row.TotalSessions < gate.MinSessions || row.AvgScore() < gate.MinAvgScore || days < gate.MinDaysAtLevel {
		return "", nil
	}

	row.PromotionSent = true
	if err := m.trust.Upsert(ctx, row); err != nil {
		slog.Warn("Promotion latch write failed", "level", level, "error", err)
	}
	return fmt.Sprintf("AI trust: %d sessions at %s, avg score %.1f over %.1f days. Reply 'autonomy %s' to promote.",
		row.TotalSessions, level, row.AvgScore(), days, next), nil
}

// foldResidence closes the residence window on a departed level and
// re-arms its promotion latch. Failures are logged, not fatal: the trust
// rows are advisory.
func (m *Manager) foldResidence(ctx context.Context, level models.AutonomyLevel, now time.Time) {
	row, err := m.trust.Get(ctx, level)
	if errors.Is(err, services.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("Trust row read failed during level change", "level", level, "error", err)
		return
	}

	if !row.LastEnteredAt.IsZero() {
		row.TotalDays += now.Sub(row.LastEnteredAt).Hours() / 24
		row.LastEnteredAt = time.Time{}
	}
	row.PromotionSent = false
	if err := m.trust.Upsert(ctx, row); err != nil {
		slog.Warn("Trust row write failed during level change", "level", level, "error", err)
	}
}

// stampEntry opens a residence window on an entered level.
func (m *Manager) stampEntry(ctx context.Context, level models.AutonomyLevel, now time.Time) {
	row, err := m.trust.Get(ctx, level)
	if errors.Is(err, services.ErrNotFound) {
		row = models.TrustRow{Level: level}
	} else if err != nil {
		slog.Warn("Trust row read failed during level change", "level", level, "error", err)
		return
	}

	if row.FirstEnteredAt.IsZero() {
		row.FirstEnteredAt = now
	}
	row.LastEnteredAt = now
	row.PromotionSent = false
	if err := m.trust.Upsert(ctx, row); err != nil {
		slog.Warn("Trust row write failed during level change", "level", level, "error", err)
	}
}
