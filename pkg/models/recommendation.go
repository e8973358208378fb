package models

// Action is an operation the AI brain may recommend against a project.
type Action string

const (
	// ActionStart launches a new coding session for the project
	ActionStart Action = "start"
	// ActionStop terminates the project's running session
	ActionStop Action = "stop"
	// ActionRestart stops and relaunches the project's session
	ActionRestart Action = "restart"
	// ActionNotify sends a message to the operator without touching sessions
	ActionNotify Action = "notify"
	// ActionSkip records that no action is needed
	ActionSkip Action = "skip"
)

// IsValid checks if the action is one of the allowed operations
func (a Action) IsValid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionNotify, ActionSkip:
		return true
	default:
		return false
	}
}

// Mutating reports whether the action changes session state.
func (a Action) Mutating() bool {
	return a == ActionStart || a == ActionStop || a == ActionRestart
}

// Rejection causes attached to recommendations that fail evaluation or
// execution gating. These exact phrases surface in operator SMS replies.
const (
	RejectedUnknownAction    = "unknown action"
	RejectedProtectedProject = "protected project"
	RejectedCooldownActive   = "cooldown active"
	RejectedAutonomyLevel    = "autonomy_level"
	RejectedPrecondition     = "precondition_failed"
)

// Recommendation is a single proposed action produced by the AI brain.
// Project, Action and Reason are always present; the remaining fields
// depend on the action (notify carries Message, start/restart may carry
// Prompt).
type Recommendation struct {
	Project          string  `json:"project"`
	Action           Action  `json:"action"`
	Reason           string  `json:"reason"`
	Priority         int     `json:"priority,omitempty"`
	Message          string  `json:"message,omitempty"`
	Prompt           string  `json:"prompt,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	NotificationTier int     `json:"notificationTier,omitempty"`
}

// EvaluatedRecommendation is a Recommendation after validation and gating.
// Once logged inside a Decision it is never mutated.
type EvaluatedRecommendation struct {
	Recommendation

	Validated           bool          `json:"validated"`
	Rejected            string        `json:"rejected,omitempty"`
	ObserveOnly         bool          `json:"observeOnly"`
	AutonomyLevel       AutonomyLevel `json:"autonomyLevel,omitempty"`
	CooldownRemainingMs int64         `json:"cooldownRemainingMs,omitempty"`
}
