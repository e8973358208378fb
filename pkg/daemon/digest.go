package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/brain"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/state"
)

// registerCrons wires the configured digest jobs into the cron runner.
// A bad cron expression logs and skips the job; the daemon still starts.
func (d *Daemon) registerCrons() {
	jobs := []struct {
		name string
		job  *config.CronJobConfig
		run  func()
	}{
		{"morning-digest", d.cfg.MorningDigest, func() { d.runDigest("morning") }},
		{"evening-digest", d.cfg.EveningDigest, func() { d.runDigest("evening") }},
		{"weekly-revenue", d.cfg.WeeklyRevenue, d.runRevenueSummary},
	}
	for _, j := range jobs {
		if j.job == nil || !j.job.Enabled || j.job.Cron == "" {
			continue
		}
		spec := j.job.Cron
		if j.job.Timezone != "" {
			spec = "CRON_TZ=" + j.job.Timezone + " " + spec
		}
		if _, err := d.cron.AddFunc(spec, j.run); err != nil {
			slog.Warn("Skipping cron job with invalid schedule",
				"job", j.name, "cron", spec, "error", err)
			continue
		}
		slog.Info("Cron job registered", "job", j.name, "cron", spec)
	}
}

// runDigest asks the brain for a flavored summary and pages it out at the
// action tier, bypassing the batch queue.
func (d *Daemon) runDigest(flavor string) {
	if d.deps.Brain == nil {
		return
	}
	text, err := d.deps.Brain.GenerateDigest(d.runCtx, flavor)
	if errors.Is(err, brain.ErrDisabled) {
		slog.Info("Digest skipped, AI disabled", "flavor", flavor)
		return
	}
	if err != nil {
		slog.Warn("Digest generation failed", "flavor", flavor, "error", err)
		return
	}
	if text == "" {
		return
	}
	if d.deps.Notifier != nil {
		d.deps.Notifier.Notify(models.TierAction, text)
	}
	if d.deps.State != nil {
		if err := d.deps.State.Update(func(doc *state.Document) {
			doc.LastDigestISO = d.now().UTC().Format(time.RFC3339)
		}); err != nil {
			slog.Warn("Failed to stamp digest time", "error", err)
		}
	}
	slog.Info("Digest sent", "flavor", flavor, "length", len(text))
}

// runRevenueSummary rolls up the revenue lines the status files report.
// No LLM involved; this is a straight read of the fleet snapshot.
func (d *Daemon) runRevenueSummary() {
	if d.deps.Fleet == nil || d.deps.Notifier == nil {
		return
	}
	projects := d.deps.Fleet.Projects()
	if len(projects) == 0 {
		slog.Info("Revenue summary skipped, no projects discovered")
		return
	}
	d.deps.Notifier.Notify(models.TierAction, formatRevenueSummary(projects))
}

func formatRevenueSummary(projects []models.ProjectRecord) string {
	var reporting []models.ProjectRecord
	silent := 0
	for _, p := range projects {
		if strings.TrimSpace(p.Revenue) != "" {
			reporting = append(reporting, p)
		} else {
			silent++
		}
	}
	if len(reporting) == 0 {
		return "Weekly revenue: no project reports revenue in its status file."
	}
	sort.Slice(reporting, func(i, j int) bool { return reporting[i].Name < reporting[j].Name })

	var b strings.Builder
	b.WriteString("Weekly revenue:\n")
	for _, p := range reporting {
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, strings.TrimSpace(p.Revenue))
	}
	switch silent {
	case 0:
	case 1:
		b.WriteString("(1 project reports no revenue)")
	default:
		fmt.Fprintf(&b, "(%d projects report no revenue)", silent)
	}
	return strings.TrimRight(b.String(), "\n")
}
