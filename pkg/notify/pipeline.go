// Package notify implements the tiered outbound SMS pipeline: urgent
// sends that may bypass quiet hours, budgeted action sends, batched
// summaries, and log-only debug messages.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// Sender delivers one SMS to the operator. Implemented by the transports
// in pkg/sms.
type Sender interface {
	Send(ctx context.Context, text string) error
}

const (
	sendTimeout     = 30 * time.Second
	truncatedMarker = "[truncated]"
	dayFormat       = "2006-01-02"
)

// Pipeline routes notifications by tier, enforces the daily budget in
// the operator's local calendar day, and batches low-urgency messages.
type Pipeline struct {
	sender   Sender
	quiet    *config.QuietHoursConfig
	budget   int
	bypass   bool
	interval time.Duration
	smsLimit int

	mu            sync.Mutex
	queue         []string
	quietOverride *bool
	day           string
	sent          int
	warned        bool
	stopCh        chan struct{}

	now func() time.Time
}

// New builds the pipeline from the resolved config.
func New(cfg *config.Config, sender Sender) *Pipeline {
	n := cfg.AI.Notifications
	return &Pipeline{
		sender:   sender,
		quiet:    cfg.QuietHours,
		budget:   n.DailyBudget,
		bypass:   n.BypassQuiet(),
		interval: n.BatchInterval(),
		smsLimit: config.DefaultSMSLimit,
		now:      time.Now,
	}
}

// Start launches the periodic batch flusher.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	go p.flushLoop(p.stopCh)
}

// Stop halts the flusher. Safe to call without Start and more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

func (p *Pipeline) flushLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Flush(false)
		case <-stop:
			return
		}
	}
}

// Notify routes one message by tier. Urgent messages go out immediately
// (bypassing quiet hours unless configured otherwise) and never count
// against the budget; action messages send now while active and funded,
// else join the batch; summaries always batch; debug is log-only.
func (p *Pipeline) Notify(tier models.Tier, message string) {
	switch tier {
	case models.TierUrgent:
		if p.QuietNow() && !p.bypass {
			p.enqueue(message)
			return
		}
		p.send(message)
		p.Flush(true)

	case models.TierAction:
		if p.QuietNow() {
			p.enqueue(message)
			return
		}
		if !p.reserveBudget() {
			slog.Info("Daily SMS budget exhausted, batching instead", "message", message)
			p.enqueue(message)
			return
		}
		p.send(message)
		p.Flush(false)

	case models.TierSummary:
		p.enqueue(message)

	default:
		slog.Debug("Notification (log only)", "tier", tier, "message", message)
	}
}

// Reply sends a direct answer to something the operator asked. Immediate
// and unbudgeted; only the length cap applies.
func (p *Pipeline) Reply(message string) {
	p.send(message)
}

// Flush drains the batch queue into one budgeted SMS. Deferred during
// quiet hours unless forced by an urgent piggyback; budget exhaustion
// always defers so batches can never blow past the daily cap.
func (p *Pipeline) Flush(force bool) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	if !force && p.quietNowLocked() {
		p.mu.Unlock()
		return
	}
	if !p.reserveBudgetLocked() {
		p.mu.Unlock()
		return
	}
	items := p.queue
	p.queue = nil
	p.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch update (%d items):", len(items))
	for _, item := range items {
		sb.WriteString("\n- " + item)
	}
	p.send(sb.String())
}

// QuietNow reports whether the pipeline is in quiet mode: the forced
// override when set, otherwise the configured window.
func (p *Pipeline) QuietNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quietNowLocked()
}

// SetQuiet forces quiet mode on or off until countered; the shh and wake
// commands land here.
func (p *Pipeline) SetQuiet(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quietOverride = &on
}

// PendingBatch returns the number of queued batch items.
func (p *Pipeline) PendingBatch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// BudgetUsed returns today's budgeted send count and the daily cap.
func (p *Pipeline) BudgetUsed() (sent, budget int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return p.sent, p.budget
}

func (p *Pipeline) quietNowLocked() bool {
	if p.quietOverride != nil {
		return *p.quietOverride
	}
	return p.quiet.Active(p.now())
}

func (p *Pipeline) enqueue(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, message)
}

// reserveBudget claims one budgeted send slot. Check and increment are
// atomic so concurrent sends cannot overshoot the cap.
func (p *Pipeline) reserveBudget() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserveBudgetLocked()
}

func (p *Pipeline) reserveBudgetLocked() bool {
	p.rollDayLocked()
	if p.sent >= p.budget {
		return false
	}
	p.sent++
	if !p.warned && p.sent*5 >= p.budget*4 {
		p.warned = true
		slog.Warn("Daily SMS budget at 80%", "sent", p.sent, "budget", p.budget)
	}
	return true
}

// rollDayLocked resets the counter on the first touch of a new calendar
// day in the configured local time zone.
func (p *Pipeline) rollDayLocked() {
	day := p.now().Format(dayFormat)
	if day != p.day {
		p.day = day
		p.sent = 0
		p.warned = false
	}
}

// send truncates and delivers one SMS. Delivery failures are logged and
// dropped; the daemon must not stall on the operator's phone.
func (p *Pipeline) send(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := p.sender.Send(ctx, truncate(message, p.smsLimit)); err != nil {
		slog.Error("SMS send failed", "error", err)
	}
}

// truncate caps s at max bytes with the truncation suffix, never
// splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	keep := max - len(truncatedMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + truncatedMarker
}
