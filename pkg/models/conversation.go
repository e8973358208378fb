package models

import "time"

// Role distinguishes who authored a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationEntry is one redacted message in the operator conversation
// log. Text is stored post-redaction; raw credentials never persist.
type ConversationEntry struct {
	ID        int64     `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// Reminder is a one-shot deferred notification requested by the operator.
// Fired flips exactly once; a fired reminder never fires again.
type Reminder struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	FireAt        time.Time `json:"fireAtISO"`
	CreatedAt     time.Time `json:"createdAtISO"`
	Fired         bool      `json:"fired"`
	SourceMessage string    `json:"sourceMessage,omitempty"`
}

// SignalKind identifies which signal file a managed session wrote.
type SignalKind string

const (
	SignalNeedsInput SignalKind = "needs-input"
	SignalCompleted  SignalKind = "completed"
	SignalError      SignalKind = "error"
)

// Signal is a parsed signal-protocol file from a project's session.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	Project   string     `json:"project"`
	Message   string     `json:"message,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
}
