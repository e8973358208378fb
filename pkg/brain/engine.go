// Package brain owns the think cycle: assemble the fleet context, consult
// the LLM under the think schema, gate and apply the recommendations, and
// record the Decision. One cycle runs at a time; digests share the flight
// flag so they never race a think.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/executor"
	"github.com/drover-sh/drover/pkg/llm"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/prompt"
)

const (
	rawPrefixLimit      = 200
	minNextThinkSeconds = 60
	maxNextThinkSeconds = 1800
	digestTimeout       = 60 * time.Second
)

var (
	// ErrThinkInFlight means a cycle is already running; the caller's
	// request is dropped, never queued.
	ErrThinkInFlight = errors.New("think cycle already in flight")
	// ErrDisabled means the AI kill switch is off.
	ErrDisabled = errors.New("ai is disabled")
	// ErrLowMemory means the host is below the think memory floor.
	ErrLowMemory = errors.New("free memory below think floor")
)

// Gateway is the slice of the LLM gateway the engine calls.
type Gateway interface {
	CallGated(ctx context.Context, prompt string, opts llm.CallOptions) (string, error)
}

// Assembler builds the prompts the engine sends.
type Assembler interface {
	Build() string
	BuildDigest(flavor string) string
}

// Decider is the slice of the decision executor the engine drives.
type Decider interface {
	Evaluate(recs []models.Recommendation) []models.EvaluatedRecommendation
	FormatForSMS(evaluated []models.EvaluatedRecommendation, summary string) *string
	Execute(ctx context.Context, ev models.EvaluatedRecommendation) executor.Result
}

// Notifier delivers the cycle SMS.
type Notifier interface {
	Notify(tier models.Tier, message string)
}

// History records completed decisions.
type History interface {
	AppendDecision(d models.Decision) error
}

// Deps are the capabilities the engine reads and drives. Snapshot funcs
// may be nil; Enabled defaults to true, FreeMemoryMB to unreadable.
type Deps struct {
	Gateway   Gateway
	Assembler Assembler
	Decider   Decider
	Notifier  Notifier
	History   History

	Enabled      func() bool
	FreeMemoryMB func() int
}

// Engine runs think cycles and digests. Safe for concurrent use; entry
// is single-flight.
type Engine struct {
	deps Deps

	minFreeMemoryMB int
	smsLimit        int

	mu          sync.Mutex
	thinking    bool
	lastThinkAt time.Time
	nextThink   time.Duration

	now func() time.Time
}

// NewEngine builds an engine from the resolved config.
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	minFree := 0
	if cfg.AI.ResourceLimits != nil {
		minFree = cfg.AI.ResourceLimits.MinFreeMemoryMB
	}
	return &Engine{
		deps:            deps,
		minFreeMemoryMB: minFree,
		smsLimit:        config.DefaultSMSLimit,
		now:             time.Now,
	}
}

// thinkResponse is the schema-constrained reply shape. Unknown actions
// survive decoding; the executor's validation rejects them with a reason
// the operator can see.
type thinkResponse struct {
	Recommendations []models.Recommendation `json:"recommendations"`
	Summary         string                  `json:"summary"`
	NextThinkIn     int                     `json:"nextThinkIn,omitempty"`
}

// Think runs one full cycle and returns the Decision it recorded. Cycle
// failures (subprocess, parse) land inside the Decision, not the error:
// only refused entry — disabled, low memory, already thinking — errors.
func (e *Engine) Think(ctx context.Context) (models.Decision, error) {
	if e.deps.Enabled != nil && !e.deps.Enabled() {
		return models.Decision{}, ErrDisabled
	}
	// Negative means the host's memory is unreadable; skip the floor.
	if free := e.freeMemoryMB(); free >= 0 && free < e.minFreeMemoryMB {
		return models.Decision{}, fmt.Errorf("%w: %d MB free, need %d", ErrLowMemory, free, e.minFreeMemoryMB)
	}
	if !e.begin() {
		return models.Decision{}, ErrThinkInFlight
	}
	defer e.end()

	start := e.now()
	input := e.deps.Assembler.Build()
	decision := models.Decision{
		Timestamp:    start,
		PromptLength: len(input),
		Summary:      "No summary",
	}

	raw, err := e.deps.Gateway.CallGated(ctx, input, llm.CallOptions{
		MaxTurns:   1,
		JSONSchema: prompt.ThinkSchema,
	})
	if err != nil {
		decision.Error = classifyCallError(err)
		slog.Warn("Think call failed", "classified", decision.Error, "error", err)
		return e.finish(decision, start), nil
	}

	resp, perr := decodeThinkResponse(raw)
	if perr != nil {
		decision.Error = "parse_error"
		decision.ResponseRawPrefix = clip(raw, rawPrefixLimit)
		slog.Warn("Think response unparseable", "error", perr)
		return e.finish(decision, start), nil
	}

	decision.Recommendations = resp.Recommendations
	if resp.Summary != "" {
		decision.Summary = resp.Summary
	}
	if resp.NextThinkIn != 0 {
		e.setNextThink(resp.NextThinkIn)
	}

	decision.Evaluated = e.deps.Decider.Evaluate(decision.Recommendations)
	if msg := e.deps.Decider.FormatForSMS(decision.Evaluated, resp.Summary); msg != nil {
		e.notify(models.TierAction, *msg)
	}
	for _, ev := range decision.Evaluated {
		res := e.deps.Decider.Execute(ctx, ev)
		if res.Rejected != "" || res.Detail != "" {
			slog.Info("Recommendation outcome",
				"project", ev.Project, "action", ev.Action,
				"executed", res.Executed, "rejected", res.Rejected, "detail", res.Detail)
		}
	}
	return e.finish(decision, start), nil
}

// GenerateDigest produces the plain-text operator digest, truncated to
// one SMS. It shares the single-flight flag with Think.
func (e *Engine) GenerateDigest(ctx context.Context, flavor string) (string, error) {
	if e.deps.Enabled != nil && !e.deps.Enabled() {
		return "", ErrDisabled
	}
	if !e.begin() {
		return "", ErrThinkInFlight
	}
	defer e.end()

	input := e.deps.Assembler.BuildDigest(flavor)
	raw, err := e.deps.Gateway.CallGated(ctx, input, llm.CallOptions{
		MaxTurns:     1,
		OutputFormat: llm.OutputText,
		Timeout:      digestTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate %s digest: %w", flavor, err)
	}
	return clip(strings.TrimSpace(raw), e.smsLimit), nil
}

// TakeNextThinkIn hands the scheduler the one-shot delay override from the
// last cycle, if any. Consuming clears it.
func (e *Engine) TakeNextThinkIn() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.nextThink
	e.nextThink = 0
	return d, d > 0
}

// LastThinkAt reports when the last completed cycle began.
func (e *Engine) LastThinkAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastThinkAt
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thinking {
		return false
	}
	e.thinking = true
	return true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.thinking = false
	e.mu.Unlock()
}

// finish stamps the duration, appends the decision to the ring, and bumps
// lastThinkAt. Ring write failures are logged; the tick must go on.
func (e *Engine) finish(decision models.Decision, start time.Time) models.Decision {
	decision.DurationMs = e.now().Sub(start).Milliseconds()
	if e.deps.History != nil {
		if err := e.deps.History.AppendDecision(decision); err != nil {
			slog.Error("Failed to append decision", "error", err)
		}
	}
	e.mu.Lock()
	e.lastThinkAt = start
	e.mu.Unlock()
	return decision
}

// setNextThink accepts only the schema's 60..1800 s range.
func (e *Engine) setNextThink(seconds int) {
	if seconds < minNextThinkSeconds || seconds > maxNextThinkSeconds {
		slog.Debug("Ignoring out-of-range nextThinkIn", "seconds", seconds)
		return
	}
	e.mu.Lock()
	e.nextThink = time.Duration(seconds) * time.Second
	e.mu.Unlock()
}

func (e *Engine) freeMemoryMB() int {
	if e.deps.FreeMemoryMB == nil {
		return -1
	}
	return e.deps.FreeMemoryMB()
}

func (e *Engine) notify(tier models.Tier, message string) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Notify(tier, message)
}

func decodeThinkResponse(raw string) (thinkResponse, error) {
	var resp thinkResponse
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return resp, fmt.Errorf("failed to repair response JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return resp, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// classifyCallError folds gateway failures into the decision error
// vocabulary: timeout, exit_code_<n>, exec_error.
func classifyCallError(err error) string {
	kind := llm.ErrorKind(err)
	switch {
	case kind == llm.KindTimeout:
		return "timeout"
	case strings.HasPrefix(kind, "EXIT_"):
		return "exit_code_" + strings.TrimPrefix(kind, "EXIT_")
	default:
		return "exec_error"
	}
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
