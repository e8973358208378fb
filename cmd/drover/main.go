// Drover supervisor daemon — scans the project fleet, drives AI coding
// sessions in tmux, and converses with the operator over SMS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"github.com/drover-sh/drover/pkg/autonomy"
	"github.com/drover-sh/drover/pkg/brain"
	"github.com/drover-sh/drover/pkg/command"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/daemon"
	"github.com/drover-sh/drover/pkg/database"
	"github.com/drover-sh/drover/pkg/evaluate"
	"github.com/drover-sh/drover/pkg/executor"
	"github.com/drover-sh/drover/pkg/gitstat"
	"github.com/drover-sh/drover/pkg/health"
	"github.com/drover-sh/drover/pkg/llm"
	"github.com/drover-sh/drover/pkg/masking"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/mux"
	"github.com/drover-sh/drover/pkg/notify"
	"github.com/drover-sh/drover/pkg/prompt"
	"github.com/drover-sh/drover/pkg/resources"
	"github.com/drover-sh/drover/pkg/scan"
	"github.com/drover-sh/drover/pkg/services"
	"github.com/drover-sh/drover/pkg/sms"
	"github.com/drover-sh/drover/pkg/state"
	"github.com/drover-sh/drover/pkg/version"
)

const (
	lockFileName       = "drover.lock"
	prioritiesFileName = "priorities.yaml"
	shutdownTimeout    = 30 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config",
		getEnv("DROVER_CONFIG", "./config"),
		"Path to the configuration directory")
	dataDir := flag.String("data",
		getEnv("DROVER_DATA", "./data"),
		"Path to the data directory (state, database, lock)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Load .env from the config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting drover",
		"version", version.GitCommit,
		"config_dir", *configDir,
		"data_dir", *dataDir)

	ctx := context.Background()

	// 1. Single-instance lock on the data directory
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", *dataDir, "error", err)
		os.Exit(1)
	}
	lock := flock.New(filepath.Join(*dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		slog.Error("Failed to acquire instance lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		slog.Error("Another drover instance already owns this data directory",
			"lock", lock.Path())
		os.Exit(1)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Error("Error releasing instance lock", "error", err)
		}
	}()

	// 2. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 3. Open the state document and the database
	st, err := state.Open(*dataDir)
	if err != nil {
		slog.Error("Failed to open state document", "error", err)
		os.Exit(1)
	}

	dbConfig := database.DefaultConfig(*dataDir)
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	if dbHealth, err := database.Health(ctx, dbClient.DB()); err != nil {
		slog.Warn("Database health check failed", "error", err)
	} else {
		slog.Info("Database ready", "path", dbConfig.Path, "ping_ms", dbHealth.ResponseTime)
	}

	// 4. Domain services
	redactor := masking.NewRedactor()
	convoStore := services.NewConversationStore(dbClient, redactor)
	reminderStore := services.NewReminderStore(dbClient)
	trustStore := services.NewTrustStore(dbClient)
	manager := autonomy.NewManager(cfg, st, trustStore)
	tracker := autonomy.NewTrustTracker(trustStore, manager.Level)
	slog.Info("Services initialized", "autonomy_level", manager.Level())

	// 5. Fleet cache, project scanner, session driver
	fleet := daemon.NewFleet()
	scanner := scan.NewScanner(cfg.ProjectsRoot, cfg.SkipProjects)
	driver := mux.NewDriver(scanner.Dir, mux.Options{})

	// 6. SMS transport and notification pipeline
	transport, stopTransport, err := newTransport(cfg.SMS, *dataDir)
	if err != nil {
		slog.Error("Failed to initialize SMS transport", "provider", cfg.SMS.Provider, "error", err)
		os.Exit(1)
	}
	slog.Info("SMS transport ready", "provider", cfg.SMS.Provider)

	pipeline := notify.New(cfg, transport)
	pipeline.Start()

	// 7. LLM gateway, context assembler, decision executor, brain
	gateway := llm.NewGateway(cfg.AI)

	var healthCtl *health.Controller
	if cfg.Health.Enabled {
		healthCtl = health.NewController(cfg, pipeline, manager.Level)
		slog.Info("Health controller enabled", "services", len(cfg.Health.Services))
	}

	assembler := prompt.NewAssembler(prompt.Sources{
		Projects:  fleet.Projects,
		Sessions:  fleet.Sessions,
		Resources: resources.Snapshot,
		Health: func() []models.HealthResult {
			if healthCtl == nil {
				return nil
			}
			return healthCtl.Results()
		},
		Autonomy: manager.Level,
		Trust: func() (models.TrustRow, bool) {
			row, err := trustStore.Get(ctx, manager.Level())
			if err != nil {
				return models.TrustRow{}, false
			}
			return row, true
		},
		Decisions: func(n int) []models.Decision {
			ring := st.Snapshot().AIDecisionHistory
			if len(ring) > n {
				ring = ring[len(ring)-n:]
			}
			return ring
		},
		Priorities: fleet.Priorities,
		QuietNow:   cfg.QuietHours.Active,
	}, cfg.AI.MaxPromptLength)

	exec := executor.NewExecutor(cfg, executor.Deps{
		Level:        manager.Level,
		Sessions:     fleet.Sessions,
		FreeMemoryMB: resources.FreeMemoryMB,
		ErrorRetries: func(project string) int {
			return st.Snapshot().ErrorRetryCounts[project]
		},
		PrepareSignals: scanner.PrepareSignals,
		RecordExec: func(rec models.ExecutionRecord) {
			if err := st.AppendExecution(rec); err != nil {
				slog.Error("Failed to record execution", "error", err)
			}
		},
		Mux:      driver,
		Notifier: pipeline,
	})

	switches := command.NewSwitches(cfg.AI.Enabled)
	engine := brain.NewEngine(cfg, brain.Deps{
		Gateway:      gateway,
		Assembler:    assembler,
		Decider:      exec,
		Notifier:     pipeline,
		History:      st,
		Enabled:      switches.AIEnabled,
		FreeMemoryMB: resources.FreeMemoryMB,
	})

	evaluator := evaluate.NewEvaluator(gateway, driver, gitstat.NewReader(), st, scanner.Dir, redactor)

	// 8. Operator command router. RequestThink is late-bound: the daemon
	// needs the router and the router needs the daemon's think trigger.
	var dmn *daemon.Daemon
	router := command.NewRouter(cfg, switches, command.Deps{
		Mux:       driver,
		LLM:       gateway,
		Convo:     convoStore,
		Reminders: reminderStore,

		Sessions: fleet.Sessions,
		Projects: fleet.Projects,
		Level:    manager.Level,
		SetLevel: manager.SetLevel,
		LastDecision: func() (models.Decision, bool) {
			ring := st.Snapshot().AIDecisionHistory
			if len(ring) == 0 {
				return models.Decision{}, false
			}
			return ring[len(ring)-1], true
		},
		RequestThink: func() {
			if dmn != nil {
				dmn.RequestThink()
			}
		},
		AssembleContext:  assembler.Build,
		PrepareSignals:   scanner.PrepareSignals,
		SetQuiet:         pipeline.SetQuiet,
		QuietNow:         pipeline.QuietNow,
		GatewayLoad:      func() (int64, int64) { return gateway.Active(), gateway.Pending() },
		BudgetUsed:       pipeline.BudgetUsed,
		Priorities:       fleet.Priorities,
		SetPriorityNotes: fleet.SetPriorityNotes,
	})

	// 9. Signal watcher and daemon
	watcher, err := scan.NewWatcher(scanner)
	if err != nil {
		slog.Warn("Signal watcher unavailable, relying on the periodic sweep", "error", err)
		watcher = nil
	}

	deps := daemon.Deps{
		Mux:            driver,
		Scanner:        scanner,
		Watcher:        watcher,
		Transport:      transport,
		Router:         router,
		Notifier:       pipeline,
		Brain:          engine,
		Evaluator:      evaluator,
		Reminders:      reminderStore,
		Trust:          tracker,
		Autonomy:       manager,
		State:          st,
		Switches:       switches,
		Fleet:          fleet,
		PrioritiesPath: filepath.Join(*dataDir, prioritiesFileName),
	}
	if healthCtl != nil {
		deps.Health = healthCtl
	}
	dmn = daemon.New(cfg, deps)

	// 10. Start the daemon loops
	if err := dmn.Start(ctx); err != nil {
		slog.Error("Failed to start daemon", "error", err)
		os.Exit(1)
	}
	slog.Info("Drover started",
		"projects_root", cfg.ProjectsRoot,
		"ai_enabled", cfg.AI.Enabled,
		"autonomy_level", manager.Level())

	// 11. Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 12. Phased shutdown: stop the clocks and drain in-flight work,
	// silence the outbound paths, close storage, then bring the tmux
	// windows down last so sessions get their interrupt-then-kill grace.
	dmn.Stop()
	if healthCtl != nil {
		healthCtl.Stop()
	}
	pipeline.Stop()
	stopTransport()

	if err := dbClient.Close(); err != nil {
		slog.Error("Error closing database", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if active, err := driver.ListActive(stopCtx); err != nil {
		slog.Warn("Could not list sessions for shutdown", "error", err)
	} else {
		for _, s := range active {
			if err := driver.Stop(stopCtx, s.Project); err != nil {
				slog.Warn("Failed to stop session", "project", s.Project, "error", err)
			}
		}
		slog.Info("Sessions stopped", "count", len(active))
	}

	slog.Info("Shutdown complete")
}

// newTransport builds the configured operator transport. The returned
// stop func is a no-op for transports without a connection to unwind.
func newTransport(cfg *config.SMSConfig, dataDir string) (sms.Transport, func(), error) {
	switch cfg.Provider {
	case "websocket":
		tr := sms.NewWebsocketTransport(cfg.Websocket.URL, cfg.Websocket.Token)
		tr.Start()
		return tr, tr.Stop, nil
	case "slack":
		return sms.NewSlackTransport(cfg.Slack.Token, cfg.Slack.Channel), func() {}, nil
	case "file":
		dir := cfg.File.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "sms")
		}
		tr, err := sms.NewFileTransport(dir)
		if err != nil {
			return nil, nil, err
		}
		return tr, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sms provider %q", cfg.Provider)
	}
}
