package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/services"
)

// TrustTracker folds new history entries into the per-level trust rows.
// It only ever reads the rings and writes counters; level changes stay
// with the Manager and the operator.
type TrustTracker struct {
	trust *services.TrustStore
	level func() models.AutonomyLevel

	mu       sync.Mutex
	execMark time.Time
	evalMark time.Time
}

// NewTrustTracker creates a tracker. level supplies the current autonomy
// level for attributing evaluation scores.
func NewTrustTracker(trust *services.TrustStore, level func() models.AutonomyLevel) *TrustTracker {
	return &TrustTracker{trust: trust, level: level}
}

// Prime advances the watermarks past history already present, so entries
// absorbed into the trust rows before the last shutdown are not counted
// twice. Call once at startup with the loaded state document's rings.
func (t *TrustTracker) Prime(execs []models.ExecutionRecord, evals []models.Evaluation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range execs {
		if rec.Timestamp.After(t.execMark) {
			t.execMark = rec.Timestamp
		}
	}
	for _, ev := range evals {
		if ev.EvaluatedAt.After(t.evalMark) {
			t.evalMark = ev.EvaluatedAt
		}
	}
}

// Tick diffs the history rings against the watermarks and adds the new
// successful starts and evaluation scores to their trust rows. Starts
// credit the level that executed them; evaluation scores credit the
// current level. Row write failures are logged and the delta dropped;
// counters under-count rather than double-count.
func (t *TrustTracker) Tick(ctx context.Context, execs []models.ExecutionRecord, evals []models.Evaluation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	type delta struct {
		sessions int
		evals    int
		scores   float64
	}
	current := t.level()
	deltas := make(map[models.AutonomyLevel]*delta)
	bump := func(level models.AutonomyLevel) *delta {
		if !level.IsValid() {
			level = current
		}
		d := deltas[level]
		if d == nil {
			d = &delta{}
			deltas[level] = d
		}
		return d
	}

	for _, rec := range execs {
		if !rec.Timestamp.After(t.execMark) {
			continue
		}
		if rec.Action == models.ActionStart && rec.Result.OK {
			bump(rec.AutonomyLevel).sessions++
		}
	}
	for _, ev := range evals {
		if !ev.EvaluatedAt.After(t.evalMark) {
			continue
		}
		d := bump(current)
		d.evals++
		d.scores += float64(ev.Score)
	}
	t.advanceMarks(execs, evals)

	var firstErr error
	for level, d := range deltas {
		row, err := t.trust.Get(ctx, level)
		if errors.Is(err, services.ErrNotFound) {
			row = models.TrustRow{Level: level}
		} else if err != nil {
			slog.Warn("Trust counter read failed", "level", level, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		row.TotalSessions += d.sessions
		row.TotalEvaluations += d.evals
		row.SumEvalScores += d.scores
		if err := t.trust.Upsert(ctx, row); err != nil {
			slog.Warn("Trust counter write failed", "level", level, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("failed to update trust counters: %w", firstErr)
	}
	return nil
}

func (t *TrustTracker) advanceMarks(execs []models.ExecutionRecord, evals []models.Evaluation) {
	for _, rec := range execs {
		if rec.Timestamp.After(t.execMark) {
			t.execMark = rec.Timestamp
		}
	}
	for _, ev := range evals {
		if ev.EvaluatedAt.After(t.evalMark) {
			t.evalMark = ev.EvaluatedAt
		}
	}
}
