package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drover-sh/drover/pkg/models"
)

const (
	watcherBuffer = 16
	defaultSettle = 200 * time.Millisecond
)

// Watcher is the fast path between scan ticks: it watches each
// project's .orchestrator directory and consumes signal files shortly
// after they land, so a session asking for input is answered in
// milliseconds instead of a minute. The periodic sweep stays the
// reliable path for anything the watcher misses.
type Watcher struct {
	scanner *Scanner
	watcher *fsnotify.Watcher
	signals chan models.Signal

	mu      sync.Mutex
	watched map[string]bool
	running bool

	// settle is how long a signal file gets to finish being written
	// before consumption.
	settle time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWatcher(scanner *Scanner) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	return &Watcher{
		scanner: scanner,
		watcher: fw,
		signals: make(chan models.Signal, watcherBuffer),
		watched: make(map[string]bool),
		settle:  defaultSettle,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start registers the current projects and begins the event loop.
// Starting twice is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.Refresh()
	go w.run()
	return nil
}

// Refresh registers .orchestrator directories for newly discovered
// projects. Call it after each scan so new projects join the fast path.
func (w *Watcher) Refresh() {
	records, err := w.scanner.Projects()
	if err != nil {
		slog.Warn("watcher refresh failed", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range records {
		dir := filepath.Join(rec.Path, orchestratorDir)
		if w.watched[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("failed to create orchestrator dir", "project", rec.Name, "error", err)
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			slog.Warn("failed to watch project", "project", rec.Name, "error", err)
			continue
		}
		w.watched[dir] = true
	}
}

// Signals is the fast-path delivery channel.
func (w *Watcher) Signals() <-chan models.Signal { return w.signals }

// Stop ends the event loop and closes the underlying watcher. Stopping
// twice is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		slog.Warn("failed to close filesystem watcher", "error", err)
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	// Projects with a fresh signal event, waiting out the settle window
	// so half-written files are not consumed mid-write.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if project, match := matchSignalEvent(event); match {
				pending[project] = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("filesystem watcher error", "error", err)
		case <-ticker.C:
			now := time.Now()
			for project, at := range pending {
				if now.Sub(at) < w.settle {
					continue
				}
				delete(pending, project)
				if !w.consume(project) {
					return
				}
			}
		}
	}
}

// matchSignalEvent filters events down to signal-file writes and maps
// them back to the owning project (.../<project>/.orchestrator/<file>).
func matchSignalEvent(event fsnotify.Event) (string, bool) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return "", false
	}
	base := filepath.Base(event.Name)
	for _, sf := range signalFiles {
		if sf.name == base {
			return filepath.Base(filepath.Dir(filepath.Dir(event.Name))), true
		}
	}
	return "", false
}

// consume drains one project's signals into the channel. The files are
// already archived by then, so delivery blocks rather than drops; only
// shutdown may abandon it.
func (w *Watcher) consume(project string) bool {
	signals, err := w.scanner.ConsumeSignals(project)
	if err != nil {
		slog.Warn("fast-path signal consumption failed", "project", project, "error", err)
		return true
	}
	for _, sig := range signals {
		select {
		case w.signals <- sig:
		case <-w.stopCh:
			return false
		}
	}
	return true
}
