// Package scan discovers managed projects under the projects root,
// parses their status markdown into structured records, and consumes
// the signal-protocol files their sessions write.
package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/drover-sh/drover/pkg/models"
)

const (
	statusFileName  = "STATUS.md"
	orchestratorDir = ".orchestrator"
)

// Scanner walks the projects root. A directory is a project when it
// carries a STATUS.md or an .orchestrator/ directory; skip globs are
// doublestar patterns matched against the directory name and win over
// the markers.
type Scanner struct {
	root string
	skip []string
	now  func() time.Time
}

func NewScanner(root string, skip []string) *Scanner {
	return &Scanner{root: root, skip: skip, now: time.Now}
}

// Dir resolves a project name to its directory, or "" when the name is
// not a plain child of the root. Names arrive from tmux window lists
// and LLM output, so path separators are refused outright.
func (s *Scanner) Dir(project string) string {
	if project == "" || strings.ContainsAny(project, `/\`) {
		return ""
	}
	dir := filepath.Join(s.root, project)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ""
	}
	return dir
}

// Projects discovers managed projects, name-sorted.
func (s *Scanner) Projects() ([]models.ProjectRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects root: %w", err)
	}
	var records []models.ProjectRecord
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || s.skipped(name) {
			continue
		}
		dir := filepath.Join(s.root, name)
		if !isProject(dir) {
			continue
		}
		records = append(records, s.read(name, dir))
	}
	return records, nil
}

func (s *Scanner) skipped(name string) bool {
	for _, pattern := range s.skip {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func isProject(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, statusFileName)); err == nil {
		return true
	}
	info, err := os.Stat(filepath.Join(dir, orchestratorDir))
	return err == nil && info.IsDir()
}

// read builds one record; a missing or unreadable STATUS.md leaves the
// structured fields empty rather than dropping the project.
func (s *Scanner) read(name, dir string) models.ProjectRecord {
	rec := models.ProjectRecord{Name: name, Path: dir}

	statusPath := filepath.Join(dir, statusFileName)
	info, err := os.Stat(statusPath)
	if err != nil {
		if dirInfo, derr := os.Stat(dir); derr == nil {
			rec.LastActivity = dirInfo.ModTime()
		}
		return rec
	}
	rec.LastActivity = info.ModTime()

	data, err := os.ReadFile(statusPath)
	if err != nil {
		slog.Warn("failed to read status file", "project", name, "error", err)
		return rec
	}
	parseStatus(string(data), &rec)
	return rec
}

// parseStatus applies the lenient "Key: value" contract: any line whose
// text before the first colon normalizes to a known key is taken, and
// everything else is prose. Heading markers and emphasis around the key
// are tolerated.
func parseStatus(text string, rec *models.ProjectRecord) {
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch normalizeKey(key) {
		case "phase":
			rec.Phase = value
		case "progress":
			rec.Progress = value
		case "attention", "needsattention":
			switch strings.ToLower(value) {
			case "", "no", "false", "none":
			case "yes", "true":
				rec.NeedsAttention = true
			default:
				rec.NeedsAttention = true
				rec.AttentionReason = value
			}
		case "blockers":
			for _, b := range strings.Split(value, ",") {
				if b = strings.TrimSpace(b); b != "" {
					rec.Blockers = append(rec.Blockers, b)
				}
			}
		case "blocker":
			if value != "" {
				rec.Blockers = append(rec.Blockers, value)
			}
		case "note", "notes":
			rec.Note = value
		case "revenue":
			rec.Revenue = value
		}
	}
}

// normalizeKey lowercases and keeps letters only, so "Needs Attention",
// "needs-attention", and "**Phase**" all reach their cases.
func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
