// Package llm invokes the external claude CLI as a subprocess, with
// bounded concurrency and optional JSON-schema constrained decoding.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/config"
)

// Output formats accepted by the CLI.
const (
	OutputText = "text"
	OutputJSON = "json"
)

const binaryName = "claude"

// waitDelay bounds Wait after a kill so an orphaned child holding the
// output pipes cannot hang the caller's slot.
const waitDelay = 10 * time.Second

// CallOptions tune a single gateway call. Zero values fall back to the
// gateway defaults: the configured model, one turn, text output, and the
// configured timeout. A JSONSchema forces json output.
type CallOptions struct {
	Model        string
	MaxTurns     int
	OutputFormat string
	JSONSchema   string
	Timeout      time.Duration
	AllowedTools []string
}

// Gateway runs non-interactive claude calls. The prompt travels on stdin
// and the trimmed stdout is the response. The gateway never hands the CLI
// a permissions bypass; AllowedTools is the only capability grant it
// forwards.
type Gateway struct {
	bin     string
	model   string
	timeout time.Duration
	slots   *Slots
}

// NewGateway creates a gateway with defaults taken from cfg.
func NewGateway(cfg *config.AIConfig) *Gateway {
	bin := binaryName
	if p, err := exec.LookPath(binaryName); err == nil {
		bin = p
	}
	return &Gateway{
		bin:     bin,
		model:   cfg.Model,
		timeout: cfg.Gateway.Timeout(),
		slots:   NewSlots(cfg.Gateway.MaxConcurrent),
	}
}

// Call invokes the CLI once and returns the trimmed stdout.
func (g *Gateway) Call(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.bin, g.buildArgs(opts)...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		callErr := classify(ctx, err, stderr.String())
		slog.Warn("Claude call failed",
			"kind", callErr.Kind,
			"model", g.modelFor(opts),
			"duration_ms", elapsed.Milliseconds())
		return "", callErr
	}

	slog.Debug("Claude call completed",
		"model", g.modelFor(opts),
		"duration_ms", elapsed.Milliseconds(),
		"output_bytes", stdout.Len())
	return strings.TrimSpace(stdout.String()), nil
}

// CallGated waits for a semaphore slot before delegating to Call. Waiters
// are served in arrival order.
func (g *Gateway) CallGated(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	if err := g.slots.Acquire(ctx); err != nil {
		return "", fmt.Errorf("failed to acquire gateway slot: %w", err)
	}
	defer g.slots.Release()
	return g.Call(ctx, prompt, opts)
}

// Active reports how many calls hold a slot right now.
func (g *Gateway) Active() int64 { return g.slots.Active() }

// Pending reports how many callers are waiting for a slot.
func (g *Gateway) Pending() int64 { return g.slots.Pending() }

func (g *Gateway) modelFor(opts CallOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return g.model
}

// buildArgs assembles the CLI flag list. Arguments reach the binary via
// execve, never a shell, so schema text needs no quoting.
func (g *Gateway) buildArgs(opts CallOptions) []string {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	format := opts.OutputFormat
	if opts.JSONSchema != "" {
		format = OutputJSON
	} else if format == "" {
		format = OutputText
	}

	args := []string{
		"--model", g.modelFor(opts),
		"--max-turns", strconv.Itoa(maxTurns),
		"--output-format", format,
	}
	if opts.JSONSchema != "" {
		args = append(args, "--json-schema", opts.JSONSchema)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}

// classify maps a failed run onto a CallError kind: deadline expiry wins,
// then the process exit code, then anything that kept the process from
// running at all.
func classify(ctx context.Context, err error, stderr string) *CallError {
	captured := truncateStderr(stderr)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &CallError{Kind: KindTimeout, Stderr: captured, Err: ctxErr}
		}
		return &CallError{Kind: KindExecError, Stderr: captured, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CallError{Kind: exitKind(exitErr.ExitCode()), Stderr: captured, Err: err}
	}
	return &CallError{Kind: KindExecError, Stderr: captured, Err: err}
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrLimit {
		return s[:stderrLimit]
	}
	return s
}
