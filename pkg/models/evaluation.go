package models

import "time"

// GitProgress summarizes repository activity during a session.
type GitProgress struct {
	CommitCount       int    `json:"commitCount"`
	Insertions        int    `json:"insertions"`
	Deletions         int    `json:"deletions"`
	FilesChanged      int    `json:"filesChanged"`
	LastCommitMessage string `json:"lastCommitMessage,omitempty"`
	NoGit             bool   `json:"noGit,omitempty"`
}

// EvalRecommendation is the judge's verdict on what to do with the project
// after a session ends.
type EvalRecommendation string

const (
	EvalContinue EvalRecommendation = "continue"
	EvalRetry    EvalRecommendation = "retry"
	EvalEscalate EvalRecommendation = "escalate"
	EvalComplete EvalRecommendation = "complete"
)

// IsValid checks if the verdict is one of the recognized outcomes
func (r EvalRecommendation) IsValid() bool {
	switch r {
	case EvalContinue, EvalRetry, EvalEscalate, EvalComplete:
		return true
	default:
		return false
	}
}

// Evaluation is an LLM-as-judge scoring of a finished session. Score is
// 1..5; when the judge call fails the score is derived from git activity
// instead.
type Evaluation struct {
	SessionID       string             `json:"sessionId"`
	ProjectName     string             `json:"projectName"`
	StartedAt       time.Time          `json:"startedAt"`
	StoppedAt       time.Time          `json:"stoppedAt"`
	DurationMinutes int                `json:"durationMinutes"`
	GitProgress     GitProgress        `json:"gitProgress"`
	Score           int                `json:"score"`
	Recommendation  EvalRecommendation `json:"recommendation"`
	Accomplishments []string           `json:"accomplishments,omitempty"`
	Failures        []string           `json:"failures,omitempty"`
	Reasoning       string             `json:"reasoning"`
	EvaluatedAt     time.Time          `json:"evaluatedAt"`
}
