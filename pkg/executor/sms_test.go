package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/models"
)

func TestFormatForSMS_DedupSuppressesRepeat(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	evaluated := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})

	first := h.exec.FormatForSMS(evaluated, "scraper idle too long")
	require.NotNil(t, first)
	assert.Contains(t, *first, "AI brain:")
	assert.Contains(t, *first, "1. web-scraper -> start: needs work")
	assert.Contains(t, *first, "Summary: scraper idle too long")

	second := h.exec.FormatForSMS(evaluated, "scraper idle too long")
	assert.Nil(t, second, "identical validated recommendations within the TTL should suppress the SMS")
}

func TestFormatForSMS_RejectionsAlwaysSurface(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	valid := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})
	require.NotNil(t, h.exec.FormatForSMS(valid, ""))

	// Same validated rec again, now alongside a rejection: the duplicate
	// stays hidden but the rejection keeps the message alive.
	mixed := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper"), startRec("prod-site")})
	msg := h.exec.FormatForSMS(mixed, "")
	require.NotNil(t, msg)
	assert.NotContains(t, *msg, "1. web-scraper")
	assert.Contains(t, *msg, "Rejected: prod-site (protected project)")
}

func TestFormatForSMS_NoRecommendations(t *testing.T) {
	h := newHarness(models.AutonomyModerate)

	msg := h.exec.FormatForSMS(nil, "")
	require.NotNil(t, msg)
	assert.Equal(t, "AI brain: No recommendations.", *msg)
}

func TestFormatForSMS_RejectedOnly(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	require.True(t, h.exec.Execute(t.Context(), h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})[0]).Executed)
	h.advance(100 * time.Second)

	evaluated := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})
	require.Equal(t, models.RejectedCooldownActive, evaluated[0].Rejected)

	msg := h.exec.FormatForSMS(evaluated, "")
	require.NotNil(t, msg)
	assert.Contains(t, *msg, "Rejected: web-scraper (cooldown active)")
	assert.NotContains(t, *msg, "1.")
}

func TestFormatForSMS_ObserveFooter(t *testing.T) {
	h := newHarness(models.AutonomyObserve)
	evaluated := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})
	require.True(t, evaluated[0].ObserveOnly)

	msg := h.exec.FormatForSMS(evaluated, "")
	require.NotNil(t, msg)
	assert.Contains(t, *msg, "1. web-scraper -> start: needs work")
	assert.True(t, strings.HasSuffix(*msg, "(observe mode - no actions taken)"))
}

func TestFormatForSMS_NumbersOnlyFreshRecommendations(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	require.NotNil(t, h.exec.FormatForSMS(h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")}), ""))

	evaluated := h.exec.Evaluate([]models.Recommendation{
		startRec("web-scraper"),
		{Project: "billing", Action: models.ActionStop, Reason: "stuck on failing tests"},
	})
	msg := h.exec.FormatForSMS(evaluated, "")
	require.NotNil(t, msg)
	assert.Contains(t, *msg, "1. billing -> stop: stuck on failing tests")
	assert.NotContains(t, *msg, "2.")
	assert.NotContains(t, *msg, "web-scraper")
}

func TestFormatForSMS_Truncation(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	rec := models.Recommendation{Project: "web-scraper", Action: models.ActionStart, Reason: strings.Repeat("x", 3000)}

	msg := h.exec.FormatForSMS(h.exec.Evaluate([]models.Recommendation{rec}), "")
	require.NotNil(t, msg)
	assert.Len(t, *msg, 1500)
	assert.True(t, strings.HasSuffix(*msg, "[truncated]"))
}

func TestFormatForSMS_DedupExpiresWithTTL(t *testing.T) {
	h := newHarness(models.AutonomyModerate)
	evaluated := h.exec.Evaluate([]models.Recommendation{startRec("web-scraper")})

	require.NotNil(t, h.exec.FormatForSMS(evaluated, ""))
	assert.Nil(t, h.exec.FormatForSMS(evaluated, ""))

	h.advance(time.Hour + time.Second)
	again := h.exec.FormatForSMS(evaluated, "")
	require.NotNil(t, again)
	assert.Contains(t, *again, "1. web-scraper -> start")
}

func TestDedupKey_Properties(t *testing.T) {
	base := dedupKey("web-scraper", models.ActionStart, "needs work")
	assert.Len(t, base, 8)
	assert.Equal(t, base, dedupKey("web-scraper", models.ActionStart, "needs work"))
	assert.Equal(t, base, dedupKey("web-scraper", models.ActionStart, "NEEDS Work"),
		"reason comparison is case-insensitive")

	long := strings.Repeat("a", 100)
	assert.Equal(t,
		dedupKey("billing", models.ActionStop, long+"tail one"),
		dedupKey("billing", models.ActionStop, long+"different tail"),
		"only the first 100 chars of the reason are hashed")

	assert.NotEqual(t, base, dedupKey("billing", models.ActionStart, "needs work"))
	assert.NotEqual(t, base, dedupKey("web-scraper", models.ActionStop, "needs work"))
}
