package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type pipeHarness struct {
	p      *Pipeline
	sender *fakeSender
	clock  time.Time
}

// newPipeHarness starts at 10:00 UTC, inside active hours for the
// 22:00-07:00 UTC quiet window.
func newPipeHarness(t *testing.T, budget int) *pipeHarness {
	t.Helper()
	h := &pipeHarness{
		sender: &fakeSender{},
		clock:  time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{
		AI: &config.AIConfig{Notifications: &config.NotificationConfig{
			DailyBudget:     budget,
			BatchIntervalMs: 14_400_000,
		}},
		QuietHours: &config.QuietHoursConfig{
			Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC",
		},
	}
	h.p = New(cfg, h.sender)
	h.p.now = func() time.Time { return h.clock }
	return h
}

func (h *pipeHarness) intoQuietHours() {
	h.clock = time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC)
}

func TestTierUrgentBypassesQuietAndBudget(t *testing.T) {
	h := newPipeHarness(t, 1)
	require.True(t, h.p.reserveBudget(), "exhaust the budget up front")
	h.intoQuietHours()

	h.p.Notify(models.TierUrgent, "disk is full")

	require.Len(t, h.sender.all(), 1)
	sent, _ := h.p.BudgetUsed()
	assert.Equal(t, 1, sent, "urgent sends are not budgeted")
}

func TestTierUrgentQueuedWhenBypassDisabled(t *testing.T) {
	h := newPipeHarness(t, 5)
	h.p.bypass = false
	h.intoQuietHours()

	h.p.Notify(models.TierUrgent, "disk is full")

	assert.Empty(t, h.sender.all())
	assert.Equal(t, 1, h.p.PendingBatch())
}

func TestTierActionSendsWhileActiveAndFunded(t *testing.T) {
	h := newPipeHarness(t, 2)

	h.p.Notify(models.TierAction, "AI started web-scraper: needs work")

	require.Len(t, h.sender.all(), 1)
	sent, budget := h.p.BudgetUsed()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, budget)
}

func TestTierActionQueuesDuringQuiet(t *testing.T) {
	h := newPipeHarness(t, 5)
	h.intoQuietHours()

	h.p.Notify(models.TierAction, "AI started web-scraper")

	assert.Empty(t, h.sender.all())
	assert.Equal(t, 1, h.p.PendingBatch())
}

func TestTierActionDowngradesWhenBudgetExhausted(t *testing.T) {
	h := newPipeHarness(t, 1)

	h.p.Notify(models.TierAction, "first")
	h.p.Notify(models.TierAction, "second")

	require.Len(t, h.sender.all(), 1)
	assert.Contains(t, h.sender.all()[0], "first")
	assert.Equal(t, 1, h.p.PendingBatch(), "over-budget action messages join the batch")
}

func TestTierSummaryBatchesUntilFlush(t *testing.T) {
	h := newPipeHarness(t, 5)

	h.p.Notify(models.TierSummary, "web-scraper session scored 4/5")
	h.p.Notify(models.TierSummary, "billing session scored 3/5")
	assert.Empty(t, h.sender.all())

	h.p.Flush(false)
	sent := h.sender.all()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "Batch update (2 items):"))
	assert.Contains(t, sent[0], "\n- web-scraper session scored 4/5")
	assert.Contains(t, sent[0], "\n- billing session scored 3/5")

	used, _ := h.p.BudgetUsed()
	assert.Equal(t, 1, used, "a flush counts as one send")
}

func TestTierDebugIsLogOnly(t *testing.T) {
	h := newPipeHarness(t, 5)

	h.p.Notify(models.TierDebug, "prompt was 6200 chars")

	assert.Empty(t, h.sender.all())
	assert.Zero(t, h.p.PendingBatch())
}

func TestUrgentPiggybackFlushesDuringQuiet(t *testing.T) {
	h := newPipeHarness(t, 5)
	h.intoQuietHours()
	h.p.Notify(models.TierSummary, "pending summary")

	h.p.Notify(models.TierUrgent, "SERVICE DOWN: api")

	sent := h.sender.all()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "SERVICE DOWN")
	assert.Contains(t, sent[1], "Batch update (1 items):")
	assert.Zero(t, h.p.PendingBatch())
}

func TestForcedFlushStillRespectsBudget(t *testing.T) {
	h := newPipeHarness(t, 1)

	h.p.Notify(models.TierAction, "uses the whole budget")
	h.p.Notify(models.TierSummary, "stuck in the batch")
	h.p.Notify(models.TierUrgent, "boom")

	// Two sends total: the action and the urgent. The piggyback flush
	// found no budget, so sends never exceed budget + urgent count.
	require.Len(t, h.sender.all(), 2)
	assert.Equal(t, 1, h.p.PendingBatch())
}

func TestBudgetResetsOnNewLocalDay(t *testing.T) {
	h := newPipeHarness(t, 1)

	h.p.Notify(models.TierAction, "today's send")
	h.p.Notify(models.TierAction, "queued")
	require.Len(t, h.sender.all(), 1)

	h.clock = h.clock.Add(24 * time.Hour)
	h.p.Notify(models.TierAction, "tomorrow's send")

	assert.Len(t, h.sender.all(), 2)
	sent, _ := h.p.BudgetUsed()
	assert.Equal(t, 1, sent)
}

func TestBudgetWarningFlagSetsAtEightyPercent(t *testing.T) {
	h := newPipeHarness(t, 5)

	for i := 0; i < 3; i++ {
		require.True(t, h.p.reserveBudget())
	}
	assert.False(t, h.p.warned)

	require.True(t, h.p.reserveBudget()) // 4 of 5
	assert.True(t, h.p.warned)
}

func TestSetQuietOverridesWindow(t *testing.T) {
	h := newPipeHarness(t, 5)

	h.p.SetQuiet(true) // shh during active hours
	h.p.Notify(models.TierAction, "should wait")
	assert.Empty(t, h.sender.all())
	assert.Equal(t, 1, h.p.PendingBatch())

	h.intoQuietHours()
	h.p.SetQuiet(false) // wake inside the window
	h.p.Notify(models.TierAction, "should send")
	require.Len(t, h.sender.all(), 2, "wake flushes the batch alongside the send")
}

func TestReplyIsImmediateAndUnbudgeted(t *testing.T) {
	h := newPipeHarness(t, 1)
	require.True(t, h.p.reserveBudget())
	h.intoQuietHours()

	h.p.Reply("3 sessions active: web-scraper, billing, docs")

	require.Len(t, h.sender.all(), 1)
	sent, _ := h.p.BudgetUsed()
	assert.Equal(t, 1, sent)
}

func TestFlushTruncatesBatch(t *testing.T) {
	h := newPipeHarness(t, 5)
	for i := 0; i < 3; i++ {
		h.p.Notify(models.TierSummary, strings.Repeat("x", 600))
	}

	h.p.Flush(false)

	sent := h.sender.all()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0], 1500)
	assert.True(t, strings.HasSuffix(sent[0], "[truncated]"))
}

func TestFlusherLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newPipeHarness(t, 5)
	h.p.interval = 10 * time.Millisecond
	h.p.Notify(models.TierSummary, "pending")

	h.p.Start()
	require.Eventually(t, func() bool {
		return len(h.sender.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.p.Stop()
	h.p.Stop() // idempotent
}
