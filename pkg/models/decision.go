package models

import "time"

// CommandResult is the outcome of a dispatched side effect (mux command,
// notification send, signal write).
type CommandResult struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
}

// Decision captures one complete think cycle. Decisions are append-only;
// the state store retains the most recent DecisionHistoryLimit of them.
type Decision struct {
	Timestamp         time.Time                 `json:"timestamp"`
	PromptLength      int                       `json:"promptLength"`
	ResponseRawPrefix string                    `json:"responseRawPrefix,omitempty"`
	Recommendations   []Recommendation          `json:"recommendations"`
	Summary           string                    `json:"summary"`
	DurationMs        int64                     `json:"durationMs"`
	Error             string                    `json:"error,omitempty"`
	Evaluated         []EvaluatedRecommendation `json:"evaluated,omitempty"`
}

// ExecutionRecord captures one applied (or gated) action.
type ExecutionRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	Action        Action        `json:"action"`
	Project       string        `json:"project"`
	Result        CommandResult `json:"result"`
	AutonomyLevel AutonomyLevel `json:"autonomyLevel"`
	StateVersion  int           `json:"stateVersion"`
}

// History ring capacities. The state document trims each ring on append.
const (
	DecisionHistoryLimit   = 50
	ExecutionHistoryLimit  = 100
	EvaluationHistoryLimit = 100
)
