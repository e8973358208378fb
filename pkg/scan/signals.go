package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drover-sh/drover/pkg/models"
)

// Signal-protocol filenames, in consumption order.
var signalFiles = []struct {
	name string
	kind models.SignalKind
}{
	{"needs-input.json", models.SignalNeedsInput},
	{"completed.json", models.SignalCompleted},
	{"error.json", models.SignalError},
}

const (
	historyDir = "history"
	// rawSignalClip bounds how much of a malformed signal file is carried
	// into the message.
	rawSignalClip   = 200
	archiveStampFmt = "20060102T150405"
)

// signalPayload is the shape sessions are told to write; every field is
// optional.
type signalPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// protocolSuffix rides along with every session prompt.
const protocolSuffix = `Signal protocol: write JSON files under .orchestrator/ to reach the operator.
- .orchestrator/needs-input.json {"message": "<your question>"} when you are blocked on a decision.
- .orchestrator/completed.json {"message": "<short summary>"} when the task is done.
- .orchestrator/error.json {"message": "<what failed>"} when you cannot continue.
Write at most one; keep messages under two sentences.`

// ConsumeSignals reads and archives whatever signal files one project
// has written, in protocol order. The archive rename is the consumption
// claim, so a signal is delivered at most once even when the sweep and
// the watcher race. Malformed JSON still clears the file; its raw head
// becomes the message so the event is never silently lost.
func (s *Scanner) ConsumeSignals(project string) ([]models.Signal, error) {
	dir := s.Dir(project)
	if dir == "" {
		return nil, fmt.Errorf("unknown project %q", project)
	}
	var signals []models.Signal
	for _, sf := range signalFiles {
		sig, ok, err := s.consumeFile(project, dir, sf.name, sf.kind)
		if err != nil {
			return signals, err
		}
		if ok {
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

// SweepSignals consumes signals across every discovered project. A
// failing project is logged and skipped; one bad directory must not
// starve the rest of the scan tick.
func (s *Scanner) SweepSignals() ([]models.Signal, error) {
	records, err := s.Projects()
	if err != nil {
		return nil, err
	}
	var signals []models.Signal
	for _, rec := range records {
		sigs, err := s.ConsumeSignals(rec.Name)
		if err != nil {
			slog.Warn("failed to consume signals", "project", rec.Name, "error", err)
			continue
		}
		signals = append(signals, sigs...)
	}
	return signals, nil
}

// PrepareSignals readies a project for a fresh session: the orchestrator
// directory exists, stale signal files are archived out of the way, and
// the protocol instructions come back for the session prompt.
func (s *Scanner) PrepareSignals(project string) (string, error) {
	dir := s.Dir(project)
	if dir == "" {
		return "", fmt.Errorf("unknown project %q", project)
	}
	if err := os.MkdirAll(filepath.Join(dir, orchestratorDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", orchestratorDir, err)
	}
	for _, sf := range signalFiles {
		path := filepath.Join(dir, orchestratorDir, sf.name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := s.archive(dir, sf.name); err != nil {
			return "", err
		}
		slog.Info("archived stale signal file", "project", project, "file", sf.name)
	}
	return protocolSuffix, nil
}

func (s *Scanner) consumeFile(project, dir, name string, kind models.SignalKind) (models.Signal, bool, error) {
	if _, err := os.Stat(filepath.Join(dir, orchestratorDir, name)); errors.Is(err, os.ErrNotExist) {
		return models.Signal{}, false, nil
	} else if err != nil {
		return models.Signal{}, false, fmt.Errorf("failed to stat signal file: %w", err)
	}

	archived, err := s.archive(dir, name)
	if err != nil {
		return models.Signal{}, false, err
	}

	sig := models.Signal{Kind: kind, Project: project, Timestamp: s.now()}
	data, err := os.ReadFile(archived)
	if err != nil {
		slog.Warn("failed to read archived signal", "project", project, "file", name, "error", err)
		return sig, true, nil
	}

	var payload signalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("malformed signal file", "project", project, "file", name, "error", err)
		sig.Message = clipHead(strings.TrimSpace(string(data)), rawSignalClip)
		return sig, true, nil
	}
	sig.Message = strings.TrimSpace(payload.Message)
	sig.SessionID = payload.SessionID
	if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		sig.Timestamp = ts
	}
	return sig, true, nil
}

// archive moves a signal file into .orchestrator/history with a
// timestamp prefix and returns the new path.
func (s *Scanner) archive(dir, name string) (string, error) {
	histDir := filepath.Join(dir, orchestratorDir, historyDir)
	if err := os.MkdirAll(histDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create history dir: %w", err)
	}
	dest := filepath.Join(histDir, s.now().UTC().Format(archiveStampFmt)+"-"+name)
	if err := os.Rename(filepath.Join(dir, orchestratorDir, name), dest); err != nil {
		return "", fmt.Errorf("failed to archive signal file: %w", err)
	}
	return dest, nil
}

func clipHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
