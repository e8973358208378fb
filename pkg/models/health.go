package models

import "time"

// ProbeType selects how a service is health-checked.
type ProbeType string

const (
	// ProbeHTTP fires an HTTP request; any response counts as up
	ProbeHTTP ProbeType = "http"
	// ProbeTCP opens a socket; a successful dial counts as up
	ProbeTCP ProbeType = "tcp"
	// ProbeProcess looks the service up in the platform process manager
	ProbeProcess ProbeType = "process"
	// ProbeContainer checks the container runtime for running containers
	ProbeContainer ProbeType = "container"
)

// IsValid checks if the probe type is supported
func (t ProbeType) IsValid() bool {
	switch t {
	case ProbeHTTP, ProbeTCP, ProbeProcess, ProbeContainer:
		return true
	default:
		return false
	}
}

// HealthStatus is a binary up/down verdict.
type HealthStatus string

const (
	HealthUp   HealthStatus = "up"
	HealthDown HealthStatus = "down"
)

// HealthResult is the in-memory probe state for one service.
// ConsecutiveFails increments on each down poll and resets to zero on up.
type HealthResult struct {
	Name             string       `json:"name"`
	Type             ProbeType    `json:"type"`
	Status           HealthStatus `json:"status"`
	LatencyMs        int64        `json:"latencyMs"`
	Error            string       `json:"error,omitempty"`
	ConsecutiveFails int          `json:"consecutiveFails"`
	LastChecked      time.Time    `json:"lastChecked"`
	Details          string       `json:"details,omitempty"`
}
