package config

import (
	"time"

	"github.com/drover-sh/drover/pkg/models"
)

// Config is the fully resolved daemon configuration. Produced by
// Initialize; all pointer sections are non-nil after resolution.
type Config struct {
	configDir string

	AI                    *AIConfig         `yaml:"ai"`
	MaxConcurrentSessions int               `yaml:"maxConcurrentSessions" validate:"min=1"`
	ProjectsRoot          string            `yaml:"projectsRoot" validate:"required"`
	SkipProjects          []string          `yaml:"skipProjects"`
	ScanIntervalMs        int64             `yaml:"scanIntervalMs" validate:"min=1000"`
	QuietHours            *QuietHoursConfig `yaml:"quietHours"`
	MorningDigest         *CronJobConfig    `yaml:"morningDigest"`
	EveningDigest         *CronJobConfig    `yaml:"eveningDigest"`
	WeeklyRevenue         *CronJobConfig    `yaml:"weeklyRevenue"`
	Health                *HealthConfig     `yaml:"health"`
	Trust                 *TrustConfig      `yaml:"trust"`
	SMS                   *SMSConfig        `yaml:"sms"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// AIConfig governs the think/execute brain.
type AIConfig struct {
	Enabled           bool                 `yaml:"enabled"`
	Model             string               `yaml:"model"`
	AutonomyLevel     models.AutonomyLevel `yaml:"autonomyLevel"`
	ProtectedProjects []string             `yaml:"protectedProjects"`
	Cooldowns         *CooldownConfig      `yaml:"cooldowns"`
	DedupTtlMs        int64                `yaml:"dedupTtlMs" validate:"min=0"`
	ResourceLimits    *ResourceLimits      `yaml:"resourceLimits"`
	MaxErrorRetries   int                  `yaml:"maxErrorRetries" validate:"min=0"`
	MaxPromptLength   int                  `yaml:"maxPromptLength" validate:"min=500"`
	ThinkIntervalMs   int64                `yaml:"thinkIntervalMs" validate:"min=10000"`
	Gateway           *GatewayConfig       `yaml:"gateway"`
	Notifications     *NotificationConfig  `yaml:"notifications"`
}

// CooldownConfig holds the two cooldown windows applied by the decision
// executor: repeat of the same (project, action) pair, and any action on
// the same project.
type CooldownConfig struct {
	SameActionMs  int64 `yaml:"sameActionMs" validate:"min=0"`
	SameProjectMs int64 `yaml:"sameProjectMs" validate:"min=0"`
}

// SameAction returns the same-action window as a duration.
func (c *CooldownConfig) SameAction() time.Duration {
	return time.Duration(c.SameActionMs) * time.Millisecond
}

// SameProject returns the same-project window as a duration.
func (c *CooldownConfig) SameProject() time.Duration {
	return time.Duration(c.SameProjectMs) * time.Millisecond
}

// ResourceLimits are the floors checked before resource-consuming actions.
type ResourceLimits struct {
	MinFreeMemoryMB int `yaml:"minFreeMemoryMB" validate:"min=0"`
}

// GatewayConfig bounds the LLM subprocess gateway.
type GatewayConfig struct {
	MaxConcurrent int64 `yaml:"maxConcurrent" validate:"min=1"`
	TimeoutMs     int64 `yaml:"timeoutMs" validate:"min=1000"`
}

// Timeout returns the default per-call timeout.
func (g *GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// NotificationConfig governs the outbound SMS pipeline.
type NotificationConfig struct {
	DailyBudget       int   `yaml:"dailyBudget" validate:"min=1"`
	BatchIntervalMs   int64 `yaml:"batchIntervalMs" validate:"min=60000"`
	UrgentBypassQuiet *bool `yaml:"urgentBypassQuiet,omitempty"`
}

// BatchInterval returns the flush cadence as a duration.
func (n *NotificationConfig) BatchInterval() time.Duration {
	return time.Duration(n.BatchIntervalMs) * time.Millisecond
}

// BypassQuiet reports whether urgent sends skip quiet hours (default true).
func (n *NotificationConfig) BypassQuiet() bool {
	return n.UrgentBypassQuiet == nil || *n.UrgentBypassQuiet
}

// QuietHoursConfig defines the do-not-disturb window in the operator's
// local time. Overnight windows (start > end) wrap across midnight.
type QuietHoursConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`    // "HH:MM"
	End      string `yaml:"end"`      // "HH:MM"
	Timezone string `yaml:"timezone"` // IANA name
}

// Active reports whether t falls inside the quiet window. Start is
// inclusive, end exclusive. Malformed fields fail closed (never quiet);
// validation rejects them at load time.
func (q *QuietHoursConfig) Active(t time.Time) bool {
	if q == nil || !q.Enabled {
		return false
	}
	loc := time.Local
	if q.Timezone != "" && q.Timezone != "Local" {
		l, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return false
		}
		loc = l
	}
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil {
		return false
	}

	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	switch {
	case s == e:
		return false
	case s < e:
		return now >= s && now < e
	default: // wraps midnight
		return now >= s || now < e
	}
}

// CronJobConfig schedules one recurring digest job.
type CronJobConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// HealthConfig governs the auto-remediation controller.
type HealthConfig struct {
	Enabled                     bool                 `yaml:"enabled"`
	ConsecutiveFailsBeforeAlert int                  `yaml:"consecutiveFailsBeforeAlert" validate:"min=1"`
	CorrelatedFailureThreshold  int                  `yaml:"correlatedFailureThreshold" validate:"min=2"`
	RestartBudget               *RestartBudgetConfig `yaml:"restartBudget"`
	Services                    []ServiceConfig      `yaml:"services" validate:"dive"`
}

// RestartBudgetConfig caps auto-restarts in a sliding one-hour window.
type RestartBudgetConfig struct {
	MaxPerHour int `yaml:"maxPerHour" validate:"min=0"`
}

// ServiceConfig describes one monitored service. Which fields apply
// depends on Type: http needs URL, tcp needs Host+Port, process needs
// Label, container needs Containers. Restart may override how a down
// http/tcp service gets remediated.
type ServiceConfig struct {
	Name       string           `yaml:"name" validate:"required"`
	Type       models.ProbeType `yaml:"type" validate:"required"`
	URL        string           `yaml:"url,omitempty"`
	Host       string           `yaml:"host,omitempty"`
	Port       int              `yaml:"port,omitempty"`
	Label      string           `yaml:"label,omitempty"`
	Containers []string         `yaml:"containers,omitempty"`
	IntervalMs int64            `yaml:"intervalMs,omitempty"`
	TimeoutMs  int64            `yaml:"timeoutMs,omitempty"`
	Restart    *RestartConfig   `yaml:"restart,omitempty"`
}

// Interval returns the per-service probe cadence.
func (s *ServiceConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Timeout returns the per-probe timeout.
func (s *ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// RestartConfig tells the controller how to bounce a service when the
// probe type alone doesn't imply a method.
type RestartConfig struct {
	Type       models.ProbeType `yaml:"type"` // process or container
	Label      string           `yaml:"label,omitempty"`
	Containers []string         `yaml:"containers,omitempty"`
}

// TrustConfig holds the advisory promotion thresholds.
type TrustConfig struct {
	Thresholds *TrustThresholds `yaml:"thresholds"`
}

// TrustThresholds keys promotion gates by transition.
type TrustThresholds struct {
	CautiousToModerate *TrustThreshold `yaml:"cautious_to_moderate"`
	ModerateToFull     *TrustThreshold `yaml:"moderate_to_full"`
}

// TrustThreshold is one promotion gate. All three conditions must hold.
type TrustThreshold struct {
	MinSessions    int     `yaml:"minSessions" validate:"min=1"`
	MinAvgScore    float64 `yaml:"minAvgScore" validate:"min=1,max=5"`
	MinDaysAtLevel float64 `yaml:"minDaysAtLevel" validate:"min=0"`
}

// SMSConfig selects and configures the operator transport.
type SMSConfig struct {
	Provider  string              `yaml:"provider" validate:"oneof=websocket slack file"`
	Websocket *WebsocketSMSConfig `yaml:"websocket,omitempty"`
	Slack     *SlackSMSConfig     `yaml:"slack,omitempty"`
	File      *FileSMSConfig      `yaml:"file,omitempty"`
}

// WebsocketSMSConfig points at an SMS gateway bridge.
type WebsocketSMSConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// SlackSMSConfig uses a Slack channel as the operator line.
type SlackSMSConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// FileSMSConfig exchanges messages through jsonl files, for development.
type FileSMSConfig struct {
	Dir string `yaml:"dir,omitempty"`
}
