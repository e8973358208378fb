package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/pkg/models"
)

func TestOpenFreshDirectory(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	doc := s.Snapshot()
	assert.Equal(t, 0, doc.StateVersion)
	assert.Empty(t, doc.AIDecisionHistory)
	assert.Equal(t, models.AutonomyLevel(""), doc.RuntimeAutonomyLevel)
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	err = s.Update(func(doc *Document) {
		doc.LastRowID = 42
		doc.LastScanISO = "2026-02-11T08:00:00Z"
		doc.RuntimeAutonomyLevel = models.AutonomyCautious
		doc.ErrorRetryCounts = map[string]int{"web-scraper": 2}
		doc.AlertHistory = map[string]AlertRecord{
			"web-scraper": {Reason: "needs-input", Timestamp: time.Date(2026, 2, 11, 7, 59, 0, 0, time.UTC)},
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version())

	// A new store over the same directory sees the same document.
	reloaded, err := Open(dir)
	require.NoError(t, err)

	doc := reloaded.Snapshot()
	assert.Equal(t, int64(42), doc.LastRowID)
	assert.Equal(t, "2026-02-11T08:00:00Z", doc.LastScanISO)
	assert.Equal(t, models.AutonomyCautious, doc.RuntimeAutonomyLevel)
	assert.Equal(t, 2, doc.ErrorRetryCounts["web-scraper"])
	assert.Equal(t, "needs-input", doc.AlertHistory["web-scraper"].Reason)
	assert.Equal(t, 1, doc.StateVersion)
}

func TestUpdateBumpsVersionEachWrite(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Update(func(doc *Document) { doc.LastRowID++ }))
		assert.Equal(t, i, s.Version())
	}
}

func TestAppendDecisionTrimsRing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < models.DecisionHistoryLimit+10; i++ {
		require.NoError(t, s.AppendDecision(models.Decision{
			Timestamp: time.Now(),
			Summary:   fmt.Sprintf("cycle %d", i),
		}))
	}

	doc := s.Snapshot()
	require.Len(t, doc.AIDecisionHistory, models.DecisionHistoryLimit)
	// Oldest entries dropped, newest kept
	assert.Equal(t, "cycle 10", doc.AIDecisionHistory[0].Summary)
	assert.Equal(t, fmt.Sprintf("cycle %d", models.DecisionHistoryLimit+9),
		doc.AIDecisionHistory[len(doc.AIDecisionHistory)-1].Summary)
}

func TestAppendExecutionStampsVersionAndTrims(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AppendExecution(models.ExecutionRecord{
		Action:  models.ActionStart,
		Project: "web-scraper",
		Result:  models.CommandResult{OK: true},
	}))

	doc := s.Snapshot()
	require.Len(t, doc.ExecutionHistory, 1)
	assert.Equal(t, doc.StateVersion, doc.ExecutionHistory[0].StateVersion,
		"record carries the version of the write that stored it")

	for i := 0; i < models.ExecutionHistoryLimit+5; i++ {
		require.NoError(t, s.AppendExecution(models.ExecutionRecord{Project: "p"}))
	}
	assert.Len(t, s.Snapshot().ExecutionHistory, models.ExecutionHistoryLimit)
}

func TestAppendEvaluationTrimsRing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < models.EvaluationHistoryLimit+3; i++ {
		require.NoError(t, s.AppendEvaluation(models.Evaluation{
			ProjectName: "web-scraper",
			Score:       3,
		}))
	}
	assert.Len(t, s.Snapshot().EvaluationHistory, models.EvaluationHistoryLimit)
}

func TestOpenCorruptDocumentStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Version())

	// Corrupt original preserved for inspection
	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestFlushLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(doc *Document) { doc.LastRowID = 7 }))

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a flush")
}

func TestSnapshotIsolatedFromStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Update(func(doc *Document) {
		doc.ErrorRetryCounts = map[string]int{"a": 1}
		doc.ExecutionHistory = []models.ExecutionRecord{{Project: "a"}}
	}))

	snap := s.Snapshot()
	snap.ErrorRetryCounts["a"] = 99
	snap.ExecutionHistory[0].Project = "mutated"

	fresh := s.Snapshot()
	assert.Equal(t, 1, fresh.ErrorRetryCounts["a"])
	assert.Equal(t, "a", fresh.ExecutionHistory[0].Project)
}

func TestConcurrentUpdates(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(func(doc *Document) { doc.LastRowID++ })
		}()
	}
	wg.Wait()

	doc := s.Snapshot()
	assert.Equal(t, int64(writers), doc.LastRowID)
	assert.Equal(t, writers, doc.StateVersion)
}
