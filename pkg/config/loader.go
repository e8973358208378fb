package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the primary configuration file inside the config dir.
const ConfigFileName = "drover.yaml"

// LocalOverrideFileName is an optional overlay merged on top of the
// primary file. Useful for per-host tweaks kept out of version control.
const LocalOverrideFileName = "drover.local.yaml"

// Initialize loads, resolves, and validates the daemon configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read drover.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML
//  4. Merge the optional drover.local.yaml overlay
//  5. Apply defaults for unset values
//  6. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"ai_enabled", cfg.AI.Enabled,
		"autonomy_level", cfg.AI.AutonomyLevel,
		"projects_root", cfg.ProjectsRoot,
		"health_services", len(cfg.Health.Services),
		"sms_provider", cfg.SMS.Provider)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var cfg Config
	primaryPath := filepath.Join(configDir, ConfigFileName)
	if err := loadYAML(primaryPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: %s", ErrConfigNotFound, primaryPath)
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	// Optional per-host overlay: non-zero overlay values win.
	var overlay Config
	overlayPath := filepath.Join(configDir, LocalOverrideFileName)
	if err := loadYAML(overlayPath, &overlay); err == nil {
		if err := mergo.Merge(&cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", LocalOverrideFileName, err)
		}
		slog.Debug("Merged local override", "file", overlayPath)
	} else if !os.IsNotExist(err) {
		return nil, NewLoadError(LocalOverrideFileName, err)
	}

	cfg.configDir = configDir
	resolve(&cfg)
	return &cfg, nil
}

// resolve applies defaults so every section is non-nil and populated.
func resolve(cfg *Config) {
	cfg.AI = resolveAI(cfg.AI)
	cfg.Health = resolveHealth(cfg.Health)
	cfg.QuietHours = resolveQuietHours(cfg.QuietHours)
	cfg.MorningDigest = resolveCronJob(cfg.MorningDigest, "0 8 * * *")
	cfg.EveningDigest = resolveCronJob(cfg.EveningDigest, "0 21 * * *")
	cfg.WeeklyRevenue = resolveCronJob(cfg.WeeklyRevenue, "0 9 * * 1")
	cfg.Trust = resolveTrust(cfg.Trust)
	cfg.SMS = resolveSMS(cfg.SMS)
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.ScanIntervalMs == 0 {
		cfg.ScanIntervalMs = DefaultScanIntervalMs
	}
	if cfg.ProjectsRoot != "" {
		cfg.ProjectsRoot = expandHome(cfg.ProjectsRoot)
	}
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// expandHome resolves a leading ~/ against the current user's home dir.
func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
