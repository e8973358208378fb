package config

import "github.com/drover-sh/drover/pkg/models"

// Default values applied by the resolve step for anything the YAML leaves
// unset. Durations are milliseconds to match the wire shape of the file.
const (
	DefaultModel           = "sonnet"
	DefaultSameActionMs    = 300_000
	DefaultSameProjectMs   = 600_000
	DefaultDedupTtlMs      = 3_600_000
	DefaultMinFreeMemoryMB = 512
	DefaultMaxErrorRetries = 3
	DefaultMaxPromptLength = 8000
	DefaultThinkIntervalMs = 300_000
	DefaultScanIntervalMs  = 60_000

	DefaultGatewayMaxConcurrent = 2
	DefaultGatewayTimeoutMs     = 30_000

	DefaultDailyBudget     = 20
	DefaultBatchIntervalMs = 14_400_000
	DefaultSMSLimit        = 1500

	DefaultMaxConcurrentSessions = 3

	DefaultConsecutiveFailsBeforeAlert = 3
	DefaultCorrelatedFailureThreshold  = 3
	DefaultRestartMaxPerHour           = 2
	DefaultProbeIntervalMs             = 60_000
	DefaultProbeTimeoutMs              = 5_000
)

// resolveAI fills in AI defaults. A nil section yields a disabled brain
// with defaults populated so downstream reads never nil-check.
func resolveAI(ai *AIConfig) *AIConfig {
	if ai == nil {
		ai = &AIConfig{}
	}
	if ai.Model == "" {
		ai.Model = DefaultModel
	}
	if ai.AutonomyLevel == "" {
		ai.AutonomyLevel = models.AutonomyObserve
	}
	if ai.Cooldowns == nil {
		ai.Cooldowns = &CooldownConfig{}
	}
	if ai.Cooldowns.SameActionMs == 0 {
		ai.Cooldowns.SameActionMs = DefaultSameActionMs
	}
	if ai.Cooldowns.SameProjectMs == 0 {
		ai.Cooldowns.SameProjectMs = DefaultSameProjectMs
	}
	if ai.DedupTtlMs == 0 {
		ai.DedupTtlMs = DefaultDedupTtlMs
	}
	if ai.ResourceLimits == nil {
		ai.ResourceLimits = &ResourceLimits{}
	}
	if ai.ResourceLimits.MinFreeMemoryMB == 0 {
		ai.ResourceLimits.MinFreeMemoryMB = DefaultMinFreeMemoryMB
	}
	if ai.MaxErrorRetries == 0 {
		ai.MaxErrorRetries = DefaultMaxErrorRetries
	}
	if ai.MaxPromptLength == 0 {
		ai.MaxPromptLength = DefaultMaxPromptLength
	}
	if ai.ThinkIntervalMs == 0 {
		ai.ThinkIntervalMs = DefaultThinkIntervalMs
	}
	if ai.Gateway == nil {
		ai.Gateway = &GatewayConfig{}
	}
	if ai.Gateway.MaxConcurrent == 0 {
		ai.Gateway.MaxConcurrent = DefaultGatewayMaxConcurrent
	}
	if ai.Gateway.TimeoutMs == 0 {
		ai.Gateway.TimeoutMs = DefaultGatewayTimeoutMs
	}
	if ai.Notifications == nil {
		ai.Notifications = &NotificationConfig{}
	}
	if ai.Notifications.DailyBudget == 0 {
		ai.Notifications.DailyBudget = DefaultDailyBudget
	}
	if ai.Notifications.BatchIntervalMs == 0 {
		ai.Notifications.BatchIntervalMs = DefaultBatchIntervalMs
	}
	return ai
}

// resolveHealth fills in health defaults, including per-service probe
// cadence and timeout.
func resolveHealth(h *HealthConfig) *HealthConfig {
	if h == nil {
		h = &HealthConfig{}
	}
	if h.ConsecutiveFailsBeforeAlert == 0 {
		h.ConsecutiveFailsBeforeAlert = DefaultConsecutiveFailsBeforeAlert
	}
	if h.CorrelatedFailureThreshold == 0 {
		h.CorrelatedFailureThreshold = DefaultCorrelatedFailureThreshold
	}
	if h.RestartBudget == nil {
		h.RestartBudget = &RestartBudgetConfig{MaxPerHour: DefaultRestartMaxPerHour}
	}
	for i := range h.Services {
		if h.Services[i].IntervalMs == 0 {
			h.Services[i].IntervalMs = DefaultProbeIntervalMs
		}
		if h.Services[i].TimeoutMs == 0 {
			h.Services[i].TimeoutMs = DefaultProbeTimeoutMs
		}
	}
	return h
}

// resolveQuietHours defaults to disabled with the host's zone.
func resolveQuietHours(q *QuietHoursConfig) *QuietHoursConfig {
	if q == nil {
		q = &QuietHoursConfig{}
	}
	if q.Start == "" {
		q.Start = "22:00"
	}
	if q.End == "" {
		q.End = "07:00"
	}
	if q.Timezone == "" {
		q.Timezone = "Local"
	}
	return q
}

// resolveCronJob normalizes a digest job section.
func resolveCronJob(j *CronJobConfig, defaultCron string) *CronJobConfig {
	if j == nil {
		j = &CronJobConfig{}
	}
	if j.Cron == "" {
		j.Cron = defaultCron
	}
	if j.Timezone == "" {
		j.Timezone = "Local"
	}
	return j
}

// resolveTrust fills in the promotion gates.
func resolveTrust(t *TrustConfig) *TrustConfig {
	if t == nil {
		t = &TrustConfig{}
	}
	if t.Thresholds == nil {
		t.Thresholds = &TrustThresholds{}
	}
	if t.Thresholds.CautiousToModerate == nil {
		t.Thresholds.CautiousToModerate = &TrustThreshold{MinSessions: 10, MinAvgScore: 3.5, MinDaysAtLevel: 3}
	}
	if t.Thresholds.ModerateToFull == nil {
		t.Thresholds.ModerateToFull = &TrustThreshold{MinSessions: 25, MinAvgScore: 4.0, MinDaysAtLevel: 7}
	}
	return t
}

// resolveSMS defaults to the file transport so a fresh checkout runs
// without external credentials.
func resolveSMS(s *SMSConfig) *SMSConfig {
	if s == nil {
		s = &SMSConfig{}
	}
	if s.Provider == "" {
		s.Provider = "file"
	}
	if s.Websocket == nil {
		s.Websocket = &WebsocketSMSConfig{}
	}
	if s.Slack == nil {
		s.Slack = &SlackSMSConfig{}
	}
	if s.File == nil {
		s.File = &FileSMSConfig{}
	}
	return s
}
