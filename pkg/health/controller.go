// Package health polls configured services and remediates failures within
// an autonomy- and budget-gated envelope. Correlated failures park all
// restarts; successful restarts verify themselves shortly after.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// Notifier delivers operator messages through the notification pipeline.
type Notifier interface {
	Notify(tier models.Tier, message string)
}

const (
	defaultVerifyDelay = 30 * time.Second
	restartWindow      = time.Hour
	commandTimeout     = 30 * time.Second
)

// Controller owns the probe state machine: per-service consecutive-fail
// counters, the correlated-failure guard, the sliding restart budget, and
// pending verification timers.
type Controller struct {
	cfg      *config.HealthConfig
	notifier Notifier
	level    func() models.AutonomyLevel
	runner   CommandRunner
	httpc    *http.Client

	mu             sync.Mutex
	results        map[string]*models.HealthResult
	downContainers map[string][]string
	pending        []config.ServiceConfig // services that crossed the alert threshold this tick
	restarts       []time.Time
	infraLatch     bool
	timers         map[*time.Timer]struct{}
	stopped        bool

	now         func() time.Time
	verifyDelay time.Duration
}

// NewController creates a controller from the resolved config. level
// supplies the current autonomy level at decision time.
func NewController(cfg *config.Config, notifier Notifier, level func() models.AutonomyLevel) *Controller {
	return &Controller{
		cfg:            cfg.Health,
		notifier:       notifier,
		level:          level,
		runner:         runCommand,
		httpc:          &http.Client{},
		results:        make(map[string]*models.HealthResult),
		downContainers: make(map[string][]string),
		timers:         make(map[*time.Timer]struct{}),
		now:            time.Now,
		verifyDelay:    defaultVerifyDelay,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// ScanStep probes every service whose last check is older than its
// interval, then applies the remediation rules to the updated results.
func (c *Controller) ScanStep(ctx context.Context) {
	if c.cfg == nil || !c.cfg.Enabled || len(c.cfg.Services) == 0 {
		return
	}
	now := c.now()

	var fast, slow []config.ServiceConfig
	c.mu.Lock()
	for _, svc := range c.cfg.Services {
		if r := c.results[svc.Name]; r != nil && now.Sub(r.LastChecked) < svc.Interval() {
			continue
		}
		switch svc.Type {
		case models.ProbeHTTP, models.ProbeTCP:
			fast = append(fast, svc)
		default:
			slow = append(slow, svc)
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range fast {
		g.Go(func() error {
			c.apply(svc, c.probe(gctx, svc), now)
			return nil
		})
	}
	_ = g.Wait()

	// launchctl and docker don't tolerate fanout; one at a time.
	for _, svc := range slow {
		c.apply(svc, c.probe(ctx, svc), now)
	}

	c.processResults(ctx)
}

// Results returns a name-sorted snapshot of the probe state.
func (c *Controller) Results() []models.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HealthResult, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b models.HealthResult) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Stop cancels pending verification timers. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for timer := range c.timers {
		timer.Stop()
	}
	clear(c.timers)
}

// apply folds one probe outcome into the result map. A down result that
// lands exactly on the alert threshold is queued for handling; later down
// ticks do not re-arm it.
func (c *Controller) apply(svc config.ServiceConfig, o outcome, checkedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.results[svc.Name]
	if r == nil {
		r = &models.HealthResult{Name: svc.Name, Type: svc.Type}
		c.results[svc.Name] = r
	}
	r.LatencyMs = o.latencyMs
	r.Error = o.errMsg
	r.Details = o.details
	r.LastChecked = checkedAt

	if o.up {
		r.Status = models.HealthUp
		r.ConsecutiveFails = 0
		delete(c.downContainers, svc.Name)
		return
	}

	r.Status = models.HealthDown
	r.ConsecutiveFails++
	if len(o.downContainers) > 0 {
		c.downContainers[svc.Name] = o.downContainers
	}
	if r.ConsecutiveFails == c.cfg.ConsecutiveFailsBeforeAlert {
		c.pending = append(c.pending, svc)
	}
}

// processResults applies the correlated-failure guard, then handles each
// service that crossed the alert threshold this tick.
func (c *Controller) processResults(ctx context.Context) {
	c.mu.Lock()
	crossed := c.pending
	c.pending = nil

	var alerting []string
	for _, svc := range c.cfg.Services {
		r := c.results[svc.Name]
		if r != nil && r.Status == models.HealthDown && r.ConsecutiveFails >= c.cfg.ConsecutiveFailsBeforeAlert {
			alerting = append(alerting, svc.Name)
		}
	}

	if len(alerting) >= c.cfg.CorrelatedFailureThreshold {
		fire := !c.infraLatch
		c.infraLatch = true
		c.mu.Unlock()
		if fire {
			slog.Error("Correlated service failure, holding restarts", "services", alerting)
			c.notifier.Notify(models.TierUrgent, fmt.Sprintf(
				"INFRASTRUCTURE EVENT: %d services down (%s) - holding all restarts",
				len(alerting), strings.Join(alerting, ", ")))
		}
		return
	}
	c.infraLatch = false
	c.mu.Unlock()

	for _, svc := range crossed {
		c.handleDown(ctx, svc)
	}
}

func (c *Controller) handleDown(ctx context.Context, svc config.ServiceConfig) {
	c.mu.Lock()
	probeErr := ""
	if r := c.results[svc.Name]; r != nil {
		probeErr = r.Error
	}
	c.mu.Unlock()

	if refusal := c.restartRefusal(svc); refusal != "" {
		slog.Warn("Service down, not restarting",
			"service", svc.Name, "error", probeErr, "refusal", refusal)
		c.notifier.Notify(models.TierUrgent, fmt.Sprintf(
			"SERVICE DOWN: %s (%s) - not restarting: %s", svc.Name, probeErr, refusal))
		return
	}
	c.restart(ctx, svc)
}

// restartRefusal returns "" when an automatic restart may proceed. The
// checks run in order: autonomy grant, budget, known restart method.
func (c *Controller) restartRefusal(svc config.ServiceConfig) string {
	if level := c.level(); level != models.AutonomyModerate && level != models.AutonomyFull {
		return fmt.Sprintf("autonomy level %s", level)
	}
	if !c.budgetAvailable() {
		return fmt.Sprintf("restart budget exhausted (%d/hour)", c.maxPerHour())
	}
	if _, _, ok := c.restartCommand(svc); !ok {
		return "no restart method configured"
	}
	return ""
}

func (c *Controller) maxPerHour() int {
	if c.cfg.RestartBudget == nil {
		return 0
	}
	return c.cfg.RestartBudget.MaxPerHour
}

// budgetAvailable prunes the sliding window and reports remaining
// capacity.
func (c *Controller) budgetAvailable() bool {
	limit := c.maxPerHour()
	if limit <= 0 {
		return false
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.restarts[:0]
	for _, t := range c.restarts {
		if now.Sub(t) < restartWindow {
			kept = append(kept, t)
		}
	}
	c.restarts = kept
	return len(c.restarts) < limit
}

// restartCommand resolves the remediation for a service. An explicit
// restart override wins; otherwise the probe type implies the method.
// ok is false when the service has no known restart path.
func (c *Controller) restartCommand(svc config.ServiceConfig) (name string, args []string, ok bool) {
	rtype, label, containers := svc.Type, svc.Label, svc.Containers
	if svc.Restart != nil {
		rtype, label, containers = svc.Restart.Type, svc.Restart.Label, svc.Restart.Containers
	}
	switch rtype {
	case models.ProbeProcess:
		if label == "" {
			return "", nil, false
		}
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), label)
		return "launchctl", []string{"kickstart", "-k", target}, true
	case models.ProbeContainer:
		target := c.firstDownContainer(svc.Name, containers)
		if target == "" {
			return "", nil, false
		}
		return "docker", []string{"restart", target}, true
	default:
		return "", nil, false
	}
}

func (c *Controller) firstDownContainer(svcName string, configured []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if down := c.downContainers[svcName]; len(down) > 0 {
		return down[0]
	}
	if len(configured) > 0 {
		return configured[0]
	}
	return ""
}

// restart issues the remediation command, charges the budget for the
// attempt, and schedules the verification re-check.
func (c *Controller) restart(ctx context.Context, svc config.ServiceConfig) {
	name, args, _ := c.restartCommand(svc)

	c.mu.Lock()
	c.restarts = append(c.restarts, c.now())
	c.mu.Unlock()

	slog.Info("Restarting service", "service", svc.Name, "cmd", name, "args", args)
	rctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if out, err := c.runner(rctx, name, args...); err != nil {
		c.notifier.Notify(models.TierUrgent, fmt.Sprintf(
			"SERVICE DOWN: %s - restart command failed: %v (%s)",
			svc.Name, err, strings.TrimSpace(out)))
		return
	}
	c.scheduleVerification(svc)
}

// scheduleVerification re-probes the service after the verify delay.
// Timers are tracked so Stop can cancel in-flight verifications.
func (c *Controller) scheduleVerification(svc config.ServiceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.verifyDelay, func() {
		c.mu.Lock()
		delete(c.timers, timer)
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		c.verify(svc)
	})
	c.timers[timer] = struct{}{}
}

func (c *Controller) verify(svc config.ServiceConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), svc.Timeout()+time.Second)
	defer cancel()

	o := c.probe(ctx, svc)
	c.apply(svc, o, c.now())
	if o.up {
		c.notifier.Notify(models.TierSummary, "SERVICE RECOVERED: "+svc.Name)
		return
	}
	c.notifier.Notify(models.TierUrgent, fmt.Sprintf(
		"SERVICE STILL DOWN after restart: %s (%s)", svc.Name, o.errMsg))
}
