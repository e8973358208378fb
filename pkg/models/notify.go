package models

// Tier classifies outbound notifications by urgency. Lower is more urgent.
type Tier int

const (
	// TierUrgent sends immediately, bypasses quiet hours, exempt from budget
	TierUrgent Tier = 1
	// TierAction sends now during active hours, batches during quiet hours
	TierAction Tier = 2
	// TierSummary always batches
	TierSummary Tier = 3
	// TierDebug is log-only, never sent
	TierDebug Tier = 4
)

// IsValid checks if the tier is within the 1..4 range
func (t Tier) IsValid() bool {
	return t >= TierUrgent && t <= TierDebug
}

// Names for log output.
func (t Tier) String() string {
	switch t {
	case TierUrgent:
		return "urgent"
	case TierAction:
		return "action"
	case TierSummary:
		return "summary"
	case TierDebug:
		return "debug"
	default:
		return "unknown"
	}
}
