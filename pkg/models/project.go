package models

import "time"

// ProjectRecord is the scanner's structured view of one managed project,
// parsed from its status markdown plus signal-file state.
type ProjectRecord struct {
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	Phase           string    `json:"phase,omitempty"`
	Progress        string    `json:"progress,omitempty"`
	NeedsAttention  bool      `json:"needsAttention,omitempty"`
	AttentionReason string    `json:"attentionReason,omitempty"`
	Blockers        []string  `json:"blockers,omitempty"`
	Note            string    `json:"note,omitempty"`
	Revenue         string    `json:"revenue,omitempty"`
	LastActivity    time.Time `json:"lastActivity,omitempty"`
}

// SessionInfo describes an active mux session.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Project   string    `json:"project"`
	StartedAt time.Time `json:"startedAt"`
	Prompt    string    `json:"prompt,omitempty"`
}

// Priorities is the operator's standing guidance, folded into every think
// prompt: which projects to focus on, which to leave alone entirely, which
// to skip this pass, plus free-form notes.
type Priorities struct {
	Focus []string `json:"focus,omitempty" yaml:"focus,omitempty"`
	Block []string `json:"block,omitempty" yaml:"block,omitempty"`
	Skip  []string `json:"skip,omitempty" yaml:"skip,omitempty"`
	Notes string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ResourceSnapshot is a point-in-time view of host resources used for
// think preconditions and context assembly.
type ResourceSnapshot struct {
	FreeMemoryMB  int     `json:"freeMemoryMB"`
	TotalMemoryMB int     `json:"totalMemoryMB"`
	LoadAvg1      float64 `json:"loadAvg1,omitempty"`
}
