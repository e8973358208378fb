package executor

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drover-sh/drover/pkg/models"
)

// dedupCacheSize bounds the recommendation hash map regardless of TTL.
const dedupCacheSize = 512

// dedupReasonPrefix is how much of the lowercased reason feeds the hash.
const dedupReasonPrefix = 100

// smsTruncatedMarker terminates an SMS that hit the length cap.
const smsTruncatedMarker = "[truncated]"

// noRecommendationsMsg is sent when a think cycle produced nothing at all.
const noRecommendationsMsg = "AI brain: No recommendations."

// observeFooter is appended while the brain runs in observe mode.
const observeFooter = "(observe mode - no actions taken)"

// FormatForSMS renders evaluated recommendations as one operator SMS.
// Validated recs are deduplicated against the recommendation hash map
// first. Returns nil when every validated rec was a recent duplicate and
// there are no rejections to report; the SMS is suppressed entirely.
func (e *Executor) FormatForSMS(evaluated []models.EvaluatedRecommendation, summary string) *string {
	var valid, rejected []models.EvaluatedRecommendation
	for _, ev := range evaluated {
		if ev.Validated {
			valid = append(valid, ev)
		} else {
			rejected = append(rejected, ev)
		}
	}

	now := e.now()
	var fresh []models.EvaluatedRecommendation
	for _, ev := range valid {
		key := dedupKey(ev.Project, ev.Action, ev.Reason)
		if e.dedup.seen(key, now) {
			continue
		}
		e.dedup.record(key, now)
		fresh = append(fresh, ev)
	}

	if len(fresh) == 0 && len(valid) > 0 && len(rejected) == 0 {
		return nil
	}
	if len(valid) == 0 && len(rejected) == 0 {
		msg := noRecommendationsMsg
		return &msg
	}

	var sb strings.Builder
	sb.WriteString("AI brain:")
	for i, ev := range fresh {
		fmt.Fprintf(&sb, "\n%d. %s -> %s: %s", i+1, ev.Project, ev.Action, ev.Reason)
	}
	if len(rejected) > 0 {
		parts := make([]string, 0, len(rejected))
		for _, ev := range rejected {
			parts = append(parts, fmt.Sprintf("%s (%s)", ev.Project, ev.Rejected))
		}
		fmt.Fprintf(&sb, "\nRejected: %s", strings.Join(parts, ", "))
	}
	if summary != "" {
		fmt.Fprintf(&sb, "\nSummary: %s", summary)
	}
	if observeMode(evaluated) {
		sb.WriteString("\n" + observeFooter)
	}

	msg := truncateSMS(sb.String(), e.smsLimit)
	return &msg
}

func observeMode(evaluated []models.EvaluatedRecommendation) bool {
	for _, ev := range evaluated {
		if ev.ObserveOnly {
			return true
		}
	}
	return false
}

// dedupKey hashes project, action, and the first hundred chars of the
// lowercased reason into a stable hex key.
func dedupKey(project string, action models.Action, reason string) string {
	r := strings.ToLower(reason)
	if len(r) > dedupReasonPrefix {
		r = r[:dedupReasonPrefix]
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%s:%s", project, action, r)
	return fmt.Sprintf("%08x", h.Sum32())
}

// truncateSMS caps s at max characters with the truncation suffix, never
// splitting a UTF-8 sequence.
func truncateSMS(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	keep := max - len(smsTruncatedMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + smsTruncatedMarker
}

// dedupCache is the bounded recommendation hash map. Entries carry their
// surface time; anything older than the TTL reads as unseen and is pruned
// on the next write.
type dedupCache struct {
	ttl   time.Duration
	cache *lru.Cache[string, time.Time]
}

func newDedupCache(ttl time.Duration) *dedupCache {
	cache, err := lru.New[string, time.Time](dedupCacheSize)
	if err != nil {
		panic(fmt.Sprintf("executor: dedup cache: %v", err))
	}
	return &dedupCache{ttl: ttl, cache: cache}
}

// seen reports whether key surfaced within the TTL.
func (c *dedupCache) seen(key string, now time.Time) bool {
	at, ok := c.cache.Get(key)
	return ok && now.Sub(at) < c.ttl
}

// record stamps key at now and prunes expired entries.
func (c *dedupCache) record(key string, now time.Time) {
	c.cache.Add(key, now)
	for _, k := range c.cache.Keys() {
		if at, ok := c.cache.Peek(k); ok && now.Sub(at) >= c.ttl {
			c.cache.Remove(k)
		}
	}
}
