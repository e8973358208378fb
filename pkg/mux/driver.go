// Package mux drives coding sessions inside a shared tmux server: one
// session named drover, one window per project, each window running the
// external coding CLI in that project's directory. Windows are addressed
// by exact name so project names never glob into each other.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/drover-sh/drover/pkg/models"
)

const (
	defaultSession = "drover"
	defaultBin     = "tmux"
	defaultCLI     = "claude"

	// stopGrace is how long an interrupted CLI gets to exit cleanly
	// before the window is killed.
	stopGrace = 2 * time.Second
	// promptSettle is the pause between creating a window and typing the
	// prompt, so the CLI is reading input by the time keys arrive.
	promptSettle = time.Second

	sessionFileName = "session.json"
	orchestratorDir = ".orchestrator"
)

// CommandRunner executes one tmux command and returns its combined
// output. Injected so tests can script tmux without a server.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Options tune the driver; zero values fall back to tmux, claude, and
// the drover session.
type Options struct {
	Session string // tmux session hosting all project windows
	Bin     string // tmux binary
	CLI     string // coding CLI launched in each window, may carry flags
}

// Driver owns the tmux session lifecycle. It keeps per-window metadata
// (session id, start time, prompt) in memory and mirrors it into each
// project's .orchestrator/session.json so the record survives daemon
// restarts while tmux keeps the window alive.
type Driver struct {
	session string
	bin     string
	cli     []string
	dirFor  func(project string) string
	runner  CommandRunner

	mu   sync.Mutex
	meta map[string]models.SessionInfo

	now    func() time.Time
	newID  func() string
	grace  time.Duration
	settle time.Duration
}

// NewDriver creates a driver. dirFor resolves a project name to its
// working directory and returns "" for unknown projects.
func NewDriver(dirFor func(project string) string, opts Options) *Driver {
	if opts.Session == "" {
		opts.Session = defaultSession
	}
	if opts.Bin == "" {
		opts.Bin = defaultBin
	}
	if opts.CLI == "" {
		opts.CLI = defaultCLI
	}
	return &Driver{
		session: opts.Session,
		bin:     opts.Bin,
		cli:     strings.Fields(opts.CLI),
		dirFor:  dirFor,
		runner:  runCommand,
		meta:    make(map[string]models.SessionInfo),
		now:     time.Now,
		newID:   uuid.NewString,
		grace:   stopGrace,
		settle:  promptSettle,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Start opens a window for the project and types the prompt into the
// CLI once it has had a moment to come up. Starting an already-running
// project is an error; callers decide between restart and reuse.
func (d *Driver) Start(ctx context.Context, project, prompt string) error {
	dir := d.dirFor(project)
	if dir == "" {
		return fmt.Errorf("unknown project %q", project)
	}

	names, err := d.windowNames(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(names, project) {
		return fmt.Errorf("session already running for %s", project)
	}

	if names == nil {
		// No server session yet; its first window is this project.
		args := append([]string{"new-session", "-d", "-s", d.session, "-n", project, "-c", dir}, d.cli...)
		if out, err := d.runner(ctx, d.bin, args...); err != nil {
			return fmt.Errorf("failed to create tmux session: %w: %s", err, strings.TrimSpace(out))
		}
	} else {
		args := append([]string{"new-window", "-t", d.session, "-n", project, "-c", dir}, d.cli...)
		if out, err := d.runner(ctx, d.bin, args...); err != nil {
			return fmt.Errorf("failed to create window for %s: %w: %s", project, err, strings.TrimSpace(out))
		}
	}

	if prompt != "" {
		if err := d.wait(ctx, d.settle); err != nil {
			return err
		}
		if err := d.typeLine(ctx, project, oneLine(prompt)); err != nil {
			return fmt.Errorf("failed to send prompt to %s: %w", project, err)
		}
	}

	info := models.SessionInfo{
		SessionID: d.newID(),
		Project:   project,
		StartedAt: d.now(),
		Prompt:    prompt,
	}
	d.mu.Lock()
	d.meta[project] = info
	d.mu.Unlock()
	if err := writeSessionFile(dir, info); err != nil {
		slog.Warn("failed to record session metadata", "project", project, "error", err)
	}
	return nil
}

// Stop interrupts the CLI and, if the window is still there after the
// grace period, kills it. Stopping a project with no window is a no-op.
func (d *Driver) Stop(ctx context.Context, project string) error {
	running, err := d.hasWindow(ctx, project)
	if err != nil {
		return err
	}
	if !running {
		d.forget(project)
		return nil
	}

	if out, err := d.runner(ctx, d.bin, "send-keys", "-t", d.target(project), "C-c"); err != nil {
		return fmt.Errorf("failed to interrupt %s: %w: %s", project, err, strings.TrimSpace(out))
	}
	if err := d.wait(ctx, d.grace); err != nil {
		return err
	}

	running, err = d.hasWindow(ctx, project)
	if err != nil {
		return err
	}
	if running {
		if out, err := d.runner(ctx, d.bin, "kill-window", "-t", d.target(project)); err != nil {
			return fmt.Errorf("failed to kill window for %s: %w: %s", project, err, strings.TrimSpace(out))
		}
	}
	d.forget(project)
	return nil
}

// Restart stops the project if it is running, then starts it fresh with
// the given prompt.
func (d *Driver) Restart(ctx context.Context, project, prompt string) error {
	if err := d.Stop(ctx, project); err != nil {
		return fmt.Errorf("failed to stop %s before restart: %w", project, err)
	}
	return d.Start(ctx, project, prompt)
}

// SendInput types text into the project's window followed by Enter.
func (d *Driver) SendInput(ctx context.Context, project, text string) error {
	if err := d.typeLine(ctx, project, oneLine(text)); err != nil {
		return fmt.Errorf("failed to send input to %s: %w", project, err)
	}
	return nil
}

// CapturePane returns the window's visible pane contents, trimmed to the
// last maxBytes bytes on a rune boundary. maxBytes <= 0 means no limit.
func (d *Driver) CapturePane(ctx context.Context, project string, maxBytes int) (string, error) {
	out, err := d.runner(ctx, d.bin, "capture-pane", "-p", "-t", d.target(project))
	if err != nil {
		return "", fmt.Errorf("failed to capture pane for %s: %w: %s", project, err, strings.TrimSpace(out))
	}
	return tail(out, maxBytes), nil
}

// ListActive reports one SessionInfo per live window, name-sorted.
// Metadata for windows the driver did not start this process (daemon
// restarted under a live tmux server) is recovered from session.json.
func (d *Driver) ListActive(ctx context.Context) ([]models.SessionInfo, error) {
	names, err := d.windowNames(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for project := range d.meta {
		if !slices.Contains(names, project) {
			delete(d.meta, project)
		}
	}

	infos := make([]models.SessionInfo, 0, len(names))
	for _, name := range names {
		info, ok := d.meta[name]
		if !ok {
			info = d.recoverMeta(name)
			d.meta[name] = info
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// recoverMeta rebuilds a window's metadata from its session file, or
// fabricates a minimal record when the file is gone. Callers hold d.mu.
func (d *Driver) recoverMeta(project string) models.SessionInfo {
	if dir := d.dirFor(project); dir != "" {
		if info, err := readSessionFile(dir); err == nil && info.Project == project {
			return info
		}
	}
	return models.SessionInfo{SessionID: d.newID(), Project: project, StartedAt: d.now()}
}

// windowNames lists live window names in the drover session, sorted. A
// missing server or session yields nil, nil: nothing is running.
func (d *Driver) windowNames(ctx context.Context) ([]string, error) {
	if _, err := d.runner(ctx, d.bin, "has-session", "-t", "="+d.session); err != nil {
		return nil, nil
	}
	out, err := d.runner(ctx, d.bin, "list-windows", "-t", d.session, "-F", "#{window_name}")
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w: %s", err, strings.TrimSpace(out))
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (d *Driver) hasWindow(ctx context.Context, project string) (bool, error) {
	names, err := d.windowNames(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, project), nil
}

// typeLine sends text as literal keystrokes, then Enter. The -l flag
// stops tmux from interpreting the text as key names.
func (d *Driver) typeLine(ctx context.Context, project, text string) error {
	if out, err := d.runner(ctx, d.bin, "send-keys", "-t", d.target(project), "-l", text); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}
	if out, err := d.runner(ctx, d.bin, "send-keys", "-t", d.target(project), "Enter"); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// target addresses a window by exact name; the = prefix disables tmux's
// fnmatch so "web" never matches "web-scraper".
func (d *Driver) target(project string) string {
	return d.session + ":=" + project
}

func (d *Driver) forget(project string) {
	d.mu.Lock()
	delete(d.meta, project)
	d.mu.Unlock()
}

func (d *Driver) wait(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeSessionFile(dir string, info models.SessionInfo) error {
	metaDir := filepath.Join(dir, orchestratorDir)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", orchestratorDir, err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, sessionFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func readSessionFile(dir string) (models.SessionInfo, error) {
	var info models.SessionInfo
	data, err := os.ReadFile(filepath.Join(dir, orchestratorDir, sessionFileName))
	if err != nil {
		return info, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse session file: %w", err)
	}
	return info, nil
}

// oneLine flattens a prompt to a single line of keystrokes; a literal
// newline would submit the input early.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tail keeps the last max bytes of s, advancing past any partial rune
// left at the cut.
func tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := len(s) - max
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
