package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

type fakeNotifier struct {
	mu    sync.Mutex
	tiers []models.Tier
	msgs  []string
}

func (n *fakeNotifier) Notify(tier models.Tier, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tiers = append(n.tiers, tier)
	n.msgs = append(n.msgs, message)
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *fakeNotifier) containing(substr string) []string {
	var out []string
	for _, m := range n.messages() {
		if strings.Contains(m, substr) {
			out = append(out, m)
		}
	}
	return out
}

// scriptRunner records every external command and answers through a
// swappable handler.
type scriptRunner struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(name string, args ...string) (string, error)
}

func (r *scriptRunner) run(_ context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return "", nil
	}
	return h(name, args...)
}

func (r *scriptRunner) countWord(word string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		for _, part := range call {
			if part == word {
				n++
				break
			}
		}
	}
	return n
}

type healthHarness struct {
	ctl      *Controller
	notifier *fakeNotifier
	runner   *scriptRunner
	level    models.AutonomyLevel
	clock    time.Time
}

func newHealthHarness(t *testing.T, services []config.ServiceConfig) *healthHarness {
	t.Helper()
	h := &healthHarness{
		notifier: &fakeNotifier{},
		runner:   &scriptRunner{},
		level:    models.AutonomyFull,
		clock:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{Health: &config.HealthConfig{
		Enabled:                     true,
		ConsecutiveFailsBeforeAlert: 3,
		CorrelatedFailureThreshold:  3,
		RestartBudget:               &config.RestartBudgetConfig{MaxPerHour: 2},
		Services:                    services,
	}}
	h.ctl = NewController(cfg, h.notifier, func() models.AutonomyLevel { return h.level })
	h.ctl.runner = h.runner.run
	h.ctl.now = func() time.Time { return h.clock }
	h.ctl.verifyDelay = 5 * time.Millisecond
	t.Cleanup(h.ctl.Stop)
	return h
}

// scan runs n scan steps, advancing the clock between them so every
// service is due again.
func (h *healthHarness) scan(n int) {
	for i := 0; i < n; i++ {
		h.ctl.ScanStep(context.Background())
		h.clock = h.clock.Add(time.Second)
	}
}

func procService(name, label string) config.ServiceConfig {
	return config.ServiceConfig{
		Name: name, Type: models.ProbeProcess, Label: label,
		IntervalMs: 1, TimeoutMs: 1000,
	}
}

func (h *healthHarness) result(t *testing.T, name string) models.HealthResult {
	t.Helper()
	for _, r := range h.ctl.Results() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result for service %s", name)
	return models.HealthResult{}
}

// launchctlCatalog renders a launchctl list table for the given running
// labels.
func launchctlCatalog(labels ...string) string {
	var sb strings.Builder
	sb.WriteString("PID\tStatus\tLabel\n")
	for i, label := range labels {
		fmt.Fprintf(&sb, "%d\t0\t%s\n", 100+i, label)
	}
	return sb.String()
}

func TestAlertFiresExactlyAtThreshold(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{procService("worker", "com.drover.worker")})
	h.level = models.AutonomyObserve
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog(), nil // label never listed
	}

	h.scan(2)
	assert.Empty(t, h.notifier.messages(), "below the threshold nothing fires")
	assert.Equal(t, 2, h.result(t, "worker").ConsecutiveFails)

	h.scan(1)
	down := h.notifier.containing("SERVICE DOWN: worker")
	require.Len(t, down, 1)
	assert.Contains(t, down[0], "not restarting: autonomy level observe")

	h.scan(3)
	assert.Len(t, h.notifier.containing("SERVICE DOWN: worker"), 1,
		"later down ticks must not re-arm the alert")
}

func TestAlertRearmsAfterRecovery(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{procService("worker", "com.drover.worker")})
	h.level = models.AutonomyObserve
	up := false
	h.runner.handler = func(string, ...string) (string, error) {
		if up {
			return launchctlCatalog("com.drover.worker"), nil
		}
		return launchctlCatalog(), nil
	}

	h.scan(3)
	require.Len(t, h.notifier.containing("SERVICE DOWN"), 1)

	up = true
	h.scan(1)
	assert.Equal(t, models.HealthUp, h.result(t, "worker").Status)
	assert.Zero(t, h.result(t, "worker").ConsecutiveFails)

	up = false
	h.scan(3)
	assert.Len(t, h.notifier.containing("SERVICE DOWN"), 2,
		"a fresh down episode crosses the threshold again")
}

func TestCorrelatedFailureHoldsAllRestarts(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{
		procService("api", "com.drover.api"),
		procService("worker", "com.drover.worker"),
		procService("sync", "com.drover.sync"),
	})
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog(), nil // everything down
	}

	h.scan(3)
	infra := h.notifier.containing("INFRASTRUCTURE EVENT")
	require.Len(t, infra, 1)
	assert.Contains(t, infra[0], "3 services down")
	for _, name := range []string{"api", "worker", "sync"} {
		assert.Contains(t, infra[0], name)
	}
	assert.Len(t, h.notifier.messages(), 1, "the infrastructure event is the only notification")
	assert.Zero(t, h.runner.countWord("kickstart"), "no restart commands during a correlated failure")

	h.scan(2)
	assert.Len(t, h.notifier.containing("INFRASTRUCTURE EVENT"), 1,
		"the event does not repeat while the outage persists")
}

func TestTwoDownStaysPerService(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{
		procService("api", "com.drover.api"),
		procService("worker", "com.drover.worker"),
	})
	h.level = models.AutonomyObserve
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog(), nil
	}

	h.scan(3)
	assert.Empty(t, h.notifier.containing("INFRASTRUCTURE EVENT"))
	assert.Len(t, h.notifier.containing("SERVICE DOWN"), 2,
		"below the correlated threshold each service alerts on its own")
}

func TestRestartThenRecoveryVerification(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{procService("api", "com.drover.api")})
	var restarted sync.Once
	var isUp bool
	var mu sync.Mutex
	h.runner.handler = func(name string, args ...string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if name == "launchctl" && len(args) > 0 && args[0] == "kickstart" {
			restarted.Do(func() { isUp = true })
			return "", nil
		}
		if isUp {
			return launchctlCatalog("com.drover.api"), nil
		}
		return launchctlCatalog(), nil
	}

	h.scan(3)
	require.Equal(t, 1, h.runner.countWord("kickstart"))
	expected := fmt.Sprintf("gui/%d/com.drover.api", os.Getuid())
	h.runner.mu.Lock()
	var kick []string
	for _, call := range h.runner.calls {
		if len(call) > 1 && call[1] == "kickstart" {
			kick = call
		}
	}
	h.runner.mu.Unlock()
	assert.Equal(t, []string{"launchctl", "kickstart", "-k", expected}, kick)

	require.Eventually(t, func() bool {
		return len(h.notifier.containing("SERVICE RECOVERED: api")) == 1
	}, 2*time.Second, 10*time.Millisecond, "verification should report the recovery")
	assert.Empty(t, h.notifier.containing("STILL DOWN"))
}

func TestVerificationEscalatesWhenStillDown(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{procService("api", "com.drover.api")})
	h.runner.handler = func(name string, args ...string) (string, error) {
		return launchctlCatalog(), nil // restart "succeeds" but the job never comes back
	}

	h.scan(3)
	require.Eventually(t, func() bool {
		return len(h.notifier.containing("SERVICE STILL DOWN after restart: api")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestartBudgetRefusal(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{
		procService("api", "com.drover.api"),
		procService("worker", "com.drover.worker"),
	})
	h.ctl.cfg.RestartBudget.MaxPerHour = 1
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog(), nil
	}

	h.scan(3)
	assert.Equal(t, 1, h.runner.countWord("kickstart"), "only the first crossing fits the budget")
	refused := h.notifier.containing("restart budget exhausted (1/hour)")
	require.Len(t, refused, 1)
	assert.Contains(t, refused[0], "SERVICE DOWN: worker")
}

func TestBudgetWindowSlides(t *testing.T) {
	h := newHealthHarness(t, nil)
	h.ctl.cfg.RestartBudget.MaxPerHour = 1

	h.ctl.restarts = []time.Time{h.clock.Add(-59 * time.Minute)}
	assert.False(t, h.ctl.budgetAvailable())

	h.ctl.restarts = []time.Time{h.clock.Add(-61 * time.Minute)}
	assert.True(t, h.ctl.budgetAvailable(), "attempts older than an hour fall out of the window")
	assert.Empty(t, h.ctl.restarts, "pruned on the way")
}

func TestNoRestartMethodRefusal(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{{
		Name: "site", Type: models.ProbeHTTP,
		URL:        "http://127.0.0.1:1", // nothing listens on port 1
		IntervalMs: 1, TimeoutMs: 200,
	}})

	h.scan(3)
	refused := h.notifier.containing("no restart method configured")
	require.Len(t, refused, 1)
	assert.Contains(t, refused[0], "SERVICE DOWN: site")
}

func TestRestartPicksFirstDownContainer(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{{
		Name: "stack", Type: models.ProbeContainer,
		Containers: []string{"web", "db"},
		IntervalMs: 1, TimeoutMs: 1000,
	}})
	h.runner.handler = func(name string, args ...string) (string, error) {
		if name == "docker" && len(args) > 0 && args[0] == "ps" {
			return "web\tUp 3 days\ndb\tExited (1) 2 hours ago\n", nil
		}
		return "", nil
	}

	h.scan(3)
	h.runner.mu.Lock()
	var restart []string
	for _, call := range h.runner.calls {
		if len(call) > 1 && call[1] == "restart" {
			restart = call
		}
	}
	h.runner.mu.Unlock()
	assert.Equal(t, []string{"docker", "restart", "db"}, restart)
}

func TestStopCancelsPendingVerification(t *testing.T) {
	h := newHealthHarness(t, []config.ServiceConfig{procService("api", "com.drover.api")})
	h.ctl.verifyDelay = 50 * time.Millisecond
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog(), nil
	}

	h.scan(3)
	require.Equal(t, 1, h.runner.countWord("kickstart"))
	h.ctl.Stop()

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, h.notifier.containing("STILL DOWN"))
	assert.Empty(t, h.notifier.containing("RECOVERED"))
}

func TestScanRespectsPerServiceInterval(t *testing.T) {
	svc := procService("api", "com.drover.api")
	svc.IntervalMs = 60_000
	h := newHealthHarness(t, []config.ServiceConfig{svc})
	h.runner.handler = func(string, ...string) (string, error) {
		return launchctlCatalog("com.drover.api"), nil
	}

	h.ctl.ScanStep(context.Background())
	h.ctl.ScanStep(context.Background())
	assert.Equal(t, 1, h.runner.countWord("launchctl"), "not due again yet")

	h.clock = h.clock.Add(61 * time.Second)
	h.ctl.ScanStep(context.Background())
	assert.Equal(t, 2, h.runner.countWord("launchctl"))
}

func TestDisabledControllerIsInert(t *testing.T) {
	svc := procService("api", "com.drover.api")
	h := newHealthHarness(t, []config.ServiceConfig{svc})
	h.ctl.cfg.Enabled = false

	h.scan(3)
	assert.Empty(t, h.runner.calls)
	assert.Empty(t, h.notifier.messages())
}
