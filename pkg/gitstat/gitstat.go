// Package gitstat reads commit activity out of a project repository so
// session evaluations can cite hard evidence.
package gitstat

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/models"
)

// CommandRunner executes one git command and returns its combined
// output. Injected so tests can script git.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Reader summarizes repository activity windows.
type Reader struct {
	runner CommandRunner
}

func NewReader() *Reader {
	return &Reader{runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Progress reports commits, line churn, and the latest subject in dir
// since the given time. A directory that is not a git repository is a
// normal answer (NoGit), not an error.
func (r *Reader) Progress(ctx context.Context, dir string, since time.Time) (models.GitProgress, error) {
	var p models.GitProgress
	if _, err := r.runner(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		p.NoGit = true
		return p, nil
	}

	window := "--since=" + since.Format(time.RFC3339)

	// A repo with no commits yet makes rev-list fail on HEAD; that is an
	// empty history, not a broken one.
	out, err := r.runner(ctx, "git", "-C", dir, "rev-list", "--count", window, "HEAD")
	if err != nil {
		return p, nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return p, fmt.Errorf("failed to parse commit count %q: %w", strings.TrimSpace(out), err)
	}
	p.CommitCount = count
	if count == 0 {
		return p, nil
	}

	out, err = r.runner(ctx, "git", "-C", dir, "log", window, "-1", "--format=%s")
	if err != nil {
		return p, fmt.Errorf("failed to read last commit subject: %w: %s", err, strings.TrimSpace(out))
	}
	p.LastCommitMessage = strings.TrimSpace(out)

	out, err = r.runner(ctx, "git", "-C", dir, "log", window, "--numstat", "--format=")
	if err != nil {
		return p, fmt.Errorf("failed to read git log: %w: %s", err, strings.TrimSpace(out))
	}
	p.Insertions, p.Deletions, p.FilesChanged = sumNumstat(out)
	return p, nil
}

// sumNumstat folds `git log --numstat --format=` output: one
// "added<TAB>deleted<TAB>path" line per file per commit, "-" counts for
// binaries. Files are deduplicated across commits.
func sumNumstat(out string) (ins, del, files int) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		if n, err := strconv.Atoi(parts[0]); err == nil {
			ins += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			del += n
		}
		if path := strings.TrimSpace(parts[2]); path != "" && !seen[path] {
			seen[path] = true
			files++
		}
	}
	return ins, del, files
}
