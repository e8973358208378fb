package models

import "time"

// AutonomyLevel is the privilege tier granted to the AI brain. Levels only
// ever change through operator commands; promotion checks are advisory.
type AutonomyLevel string

const (
	// AutonomyObserve permits recommendations only, no side effects
	AutonomyObserve AutonomyLevel = "observe"
	// AutonomyCautious permits starting sessions and notifying
	AutonomyCautious AutonomyLevel = "cautious"
	// AutonomyModerate permits the full start/stop/restart set
	AutonomyModerate AutonomyLevel = "moderate"
	// AutonomyFull permits everything moderate does plus health auto-restarts
	AutonomyFull AutonomyLevel = "full"
)

// IsValid checks if the autonomy level is one of the four tiers
func (l AutonomyLevel) IsValid() bool {
	switch l {
	case AutonomyObserve, AutonomyCautious, AutonomyModerate, AutonomyFull:
		return true
	default:
		return false
	}
}

// AutonomyLevels lists the tiers in ascending privilege order.
var AutonomyLevels = []AutonomyLevel{AutonomyObserve, AutonomyCautious, AutonomyModerate, AutonomyFull}

// actionMatrix encodes which actions each autonomy level may execute.
var actionMatrix = map[AutonomyLevel]map[Action]bool{
	AutonomyObserve: {
		ActionSkip: true,
	},
	AutonomyCautious: {
		ActionStart:  true,
		ActionNotify: true,
		ActionSkip:   true,
	},
	AutonomyModerate: {
		ActionStart:   true,
		ActionStop:    true,
		ActionRestart: true,
		ActionNotify:  true,
		ActionSkip:    true,
	},
	AutonomyFull: {
		ActionStart:   true,
		ActionStop:    true,
		ActionRestart: true,
		ActionNotify:  true,
		ActionSkip:    true,
	},
}

// ActionAllowed reports whether the given autonomy level may execute the
// action. Unknown levels and unknown actions are never allowed.
func ActionAllowed(level AutonomyLevel, action Action) bool {
	return actionMatrix[level][action]
}

// TrustRow accumulates per-level performance counters used by the
// promotion check. Stored one row per autonomy level.
type TrustRow struct {
	Level            AutonomyLevel `json:"level"`
	TotalSessions    int           `json:"totalSessions"`
	TotalEvaluations int           `json:"totalEvaluations"`
	SumEvalScores    float64       `json:"sumEvalScores"`
	FirstEnteredAt   time.Time     `json:"firstEnteredAt"`
	LastEnteredAt    time.Time     `json:"lastEnteredAt"`
	TotalDays        float64       `json:"totalDays"`
	PromotionSent    bool          `json:"promotionSent"`
}

// AvgScore returns the mean evaluation score for the level, or 0 when no
// evaluations have been recorded.
func (r TrustRow) AvgScore() float64 {
	if r.TotalEvaluations == 0 {
		return 0
	}
	return r.SumEvalScores / float64(r.TotalEvaluations)
}

// DaysAtLevel returns accumulated days at this level including the current
// residence (now − lastEnteredAt) on top of TotalDays from prior visits.
func (r TrustRow) DaysAtLevel(now time.Time) float64 {
	if r.LastEnteredAt.IsZero() {
		return r.TotalDays
	}
	return r.TotalDays + now.Sub(r.LastEnteredAt).Hours()/24
}
