package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/drover-sh/drover/pkg/models"
)

// validate runs struct-tag validation followed by the semantic checks the
// tags can't express (per-type probe fields, time formats, zone names).
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if !cfg.AI.AutonomyLevel.IsValid() {
		return &ValidationError{Section: "ai", Field: "autonomyLevel",
			Err: fmt.Errorf("unknown level %q", cfg.AI.AutonomyLevel)}
	}

	if err := validateQuietHours(cfg.QuietHours); err != nil {
		return err
	}

	for _, job := range []struct {
		name string
		cfg  *CronJobConfig
	}{
		{"morningDigest", cfg.MorningDigest},
		{"eveningDigest", cfg.EveningDigest},
		{"weeklyRevenue", cfg.WeeklyRevenue},
	} {
		if job.cfg.Enabled && job.cfg.Cron == "" {
			return &ValidationError{Section: job.name, Field: "cron", Err: errors.New("required when enabled")}
		}
		if err := validateTimezone(job.name, job.cfg.Timezone); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Health.Services))
	for i := range cfg.Health.Services {
		if err := validateService(&cfg.Health.Services[i]); err != nil {
			return err
		}
		if seen[cfg.Health.Services[i].Name] {
			return &ValidationError{Section: "health", Field: "services",
				Err: fmt.Errorf("duplicate service name %q", cfg.Health.Services[i].Name)}
		}
		seen[cfg.Health.Services[i].Name] = true
	}

	return validateSMS(cfg.SMS)
}

func validateQuietHours(q *QuietHoursConfig) error {
	for field, value := range map[string]string{"start": q.Start, "end": q.End} {
		if _, err := time.Parse("15:04", value); err != nil {
			return &ValidationError{Section: "quietHours", Field: field,
				Err: fmt.Errorf("want HH:MM, got %q", value)}
		}
	}
	return validateTimezone("quietHours", q.Timezone)
}

func validateTimezone(section, name string) error {
	if name == "" || name == "Local" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return &ValidationError{Section: section, Field: "timezone", Err: err}
	}
	return nil
}

func validateService(s *ServiceConfig) error {
	if !s.Type.IsValid() {
		return &ValidationError{Section: "health", Field: s.Name,
			Err: fmt.Errorf("unknown probe type %q", s.Type)}
	}
	switch s.Type {
	case models.ProbeHTTP:
		if s.URL == "" {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("http probe requires url")}
		}
	case models.ProbeTCP:
		if s.Host == "" || s.Port == 0 {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("tcp probe requires host and port")}
		}
	case models.ProbeProcess:
		if s.Label == "" {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("process probe requires label")}
		}
	case models.ProbeContainer:
		if len(s.Containers) == 0 {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("container probe requires containers")}
		}
	}
	if r := s.Restart; r != nil {
		if r.Type != models.ProbeProcess && r.Type != models.ProbeContainer {
			return &ValidationError{Section: "health", Field: s.Name,
				Err: fmt.Errorf("restart type must be process or container, got %q", r.Type)}
		}
		if r.Type == models.ProbeProcess && r.Label == "" {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("process restart requires label")}
		}
		if r.Type == models.ProbeContainer && len(r.Containers) == 0 {
			return &ValidationError{Section: "health", Field: s.Name, Err: errors.New("container restart requires containers")}
		}
	}
	return nil
}

func validateSMS(s *SMSConfig) error {
	switch s.Provider {
	case "websocket":
		if s.Websocket.URL == "" {
			return &ValidationError{Section: "sms", Field: "websocket.url", Err: errors.New("required for websocket provider")}
		}
	case "slack":
		if s.Slack.Token == "" || s.Slack.Channel == "" {
			return &ValidationError{Section: "sms", Field: "slack", Err: errors.New("token and channel required for slack provider")}
		}
	case "file":
		// dir defaults to the data directory at wiring time
	}
	return nil
}
