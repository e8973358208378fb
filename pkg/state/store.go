package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/models"
)

// FileName is the state document inside the data directory.
const FileName = "state.json"

// AlertRecord remembers the last alerted signal per project so repeat
// signals don't page the operator twice.
type AlertRecord struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"ts"`
}

// Document is the single durable state record. Every field round-trips
// through JSON; history rings are trimmed on append, never on read.
type Document struct {
	LastRowID            int64                    `json:"lastRowId"`
	LastScanISO          string                   `json:"lastScanISO,omitempty"`
	LastDigestISO        string                   `json:"lastDigestISO,omitempty"`
	AlertHistory         map[string]AlertRecord   `json:"alertHistory,omitempty"`
	AIDecisionHistory    []models.Decision        `json:"aiDecisionHistory,omitempty"`
	StateVersion         int                      `json:"stateVersion"`
	ExecutionHistory     []models.ExecutionRecord `json:"executionHistory,omitempty"`
	ErrorRetryCounts     map[string]int           `json:"errorRetryCounts,omitempty"`
	RuntimeAutonomyLevel models.AutonomyLevel     `json:"runtimeAutonomyLevel,omitempty"`
	EvaluationHistory    []models.Evaluation      `json:"evaluationHistory,omitempty"`
}

// clone returns a deep enough copy for readers: rings and maps are
// duplicated so callers can't race the store's own copy.
func (d *Document) clone() Document {
	out := *d
	out.AlertHistory = maps.Clone(d.AlertHistory)
	out.AIDecisionHistory = slices.Clone(d.AIDecisionHistory)
	out.ExecutionHistory = slices.Clone(d.ExecutionHistory)
	out.ErrorRetryCounts = maps.Clone(d.ErrorRetryCounts)
	out.EvaluationHistory = slices.Clone(d.EvaluationHistory)
	return out
}

// Store owns the state document. All mutation goes through Update, which
// serializes writers, bumps StateVersion, trims the rings, and flushes
// atomically (temp file + rename).
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// Open loads the state document from dataDir, creating an empty one when
// no file exists. A corrupt document is backed up and replaced rather than
// aborting startup.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	s := &Store{path: filepath.Join(dataDir, FileName)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			slog.Error("State document corrupt, starting fresh",
				"error", err, "backup", backup)
			s.doc = Document{}
			return s, nil
		}
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return s, nil
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the current document for reading.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Version returns the current state version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVersion
}

// Update applies mutate to the document under the store lock, bumps the
// version, trims the history rings, and persists. The mutation is durable
// when Update returns nil.
func (s *Store) Update(mutate func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(&s.doc)
	s.doc.StateVersion++
	s.trimLocked()
	return s.flushLocked()
}

// AppendDecision adds one think-cycle outcome to the decision ring.
func (s *Store) AppendDecision(d models.Decision) error {
	return s.Update(func(doc *Document) {
		doc.AIDecisionHistory = append(doc.AIDecisionHistory, d)
	})
}

// AppendExecution adds one applied action to the execution ring. The
// record's StateVersion is stamped with the version this write produces.
func (s *Store) AppendExecution(rec models.ExecutionRecord) error {
	return s.Update(func(doc *Document) {
		rec.StateVersion = doc.StateVersion + 1
		doc.ExecutionHistory = append(doc.ExecutionHistory, rec)
	})
}

// AppendEvaluation adds one session evaluation to the evaluation ring.
func (s *Store) AppendEvaluation(ev models.Evaluation) error {
	return s.Update(func(doc *Document) {
		doc.EvaluationHistory = append(doc.EvaluationHistory, ev)
	})
}

// trimLocked keeps each ring at its cap, dropping the oldest entries.
func (s *Store) trimLocked() {
	if n := len(s.doc.AIDecisionHistory); n > models.DecisionHistoryLimit {
		s.doc.AIDecisionHistory = slices.Clone(s.doc.AIDecisionHistory[n-models.DecisionHistoryLimit:])
	}
	if n := len(s.doc.ExecutionHistory); n > models.ExecutionHistoryLimit {
		s.doc.ExecutionHistory = slices.Clone(s.doc.ExecutionHistory[n-models.ExecutionHistoryLimit:])
	}
	if n := len(s.doc.EvaluationHistory); n > models.EvaluationHistoryLimit {
		s.doc.EvaluationHistory = slices.Clone(s.doc.EvaluationHistory[n-models.EvaluationHistoryLimit:])
	}
}

// flushLocked writes the document atomically: marshal, write a sibling
// temp file, rename over the target.
func (s *Store) flushLocked() error {
	payload, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
