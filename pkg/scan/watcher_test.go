package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/models"
)

func newRunningWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	addProject(t, root, "billing", "Phase: beta\n")

	w, err := NewWatcher(NewScanner(root, nil))
	require.NoError(t, err)
	w.settle = 5 * time.Millisecond
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w, root
}

// receive waits for one fast-path signal.
func receive(t *testing.T, w *Watcher) models.Signal {
	t.Helper()
	var got models.Signal
	require.Eventually(t, func() bool {
		select {
		case got = <-w.Signals():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "no signal arrived on the fast path")
	return got
}

func TestWatcherDeliversSignals(t *testing.T) {
	w, root := newRunningWatcher(t)

	writeSignal(t, root, "billing", "needs-input.json", `{"message":"staging env?"}`)

	sig := receive(t, w)
	assert.Equal(t, models.SignalNeedsInput, sig.Kind)
	assert.Equal(t, "billing", sig.Project)
	assert.Equal(t, "staging env?", sig.Message)

	_, err := os.Stat(filepath.Join(root, "billing", orchestratorDir, "needs-input.json"))
	assert.True(t, os.IsNotExist(err), "fast path archives what it consumes")
}

func TestWatcherRefreshAddsNewProjects(t *testing.T) {
	w, root := newRunningWatcher(t)

	addProject(t, root, "web-app", "Phase: new\n")
	w.Refresh()
	writeSignal(t, root, "web-app", "completed.json", `{"message":"done"}`)

	sig := receive(t, w)
	assert.Equal(t, "web-app", sig.Project)
	assert.Equal(t, models.SignalCompleted, sig.Kind)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	w, root := newRunningWatcher(t)

	writeSignal(t, root, "billing", "session.json", `{"sessionId":"s-1"}`)
	writeSignal(t, root, "billing", "evaluation.json", `{"score":4}`)

	time.Sleep(100 * time.Millisecond)
	select {
	case sig := <-w.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
	_, err := os.Stat(filepath.Join(root, "billing", orchestratorDir, "session.json"))
	assert.NoError(t, err, "non-protocol files stay put")
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, _ := newRunningWatcher(t)
	w.Stop()
	w.Stop()
}
