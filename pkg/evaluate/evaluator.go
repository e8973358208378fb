// Package evaluate judges finished coding sessions: pane output and git
// activity go in, a scored Evaluation comes out. The judge is an LLM
// call under constrained decoding; when it fails the score falls back
// to commit-count arithmetic so a session never ends unevaluated.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/drover-sh/drover/pkg/llm"
	"github.com/drover-sh/drover/pkg/masking"
	"github.com/drover-sh/drover/pkg/models"
	"github.com/drover-sh/drover/pkg/prompt"
)

const (
	// paneTail is roughly how much terminal evidence the judge sees.
	paneTail     = 2000
	judgeTimeout = 60 * time.Second

	evaluationFileName = "evaluation.json"
	orchestratorDir    = ".orchestrator"
)

// Gateway is the LLM slice the evaluator needs.
type Gateway interface {
	CallGated(ctx context.Context, prompt string, opts llm.CallOptions) (string, error)
}

// PaneReader captures the tail of a project's terminal pane.
type PaneReader interface {
	CapturePane(ctx context.Context, project string, maxBytes int) (string, error)
}

// GitReader summarizes repository activity since a point in time.
type GitReader interface {
	Progress(ctx context.Context, dir string, since time.Time) (models.GitProgress, error)
}

// History receives finished evaluations.
type History interface {
	AppendEvaluation(ev models.Evaluation) error
}

// Evaluator scores sessions as they end.
type Evaluator struct {
	gateway  Gateway
	pane     PaneReader
	git      GitReader
	history  History
	dirFor   func(project string) string
	redactor *masking.Redactor

	now func() time.Time
}

// NewEvaluator wires a session judge. dirFor resolves a project name to
// its directory and returns "" for unknown projects.
func NewEvaluator(gateway Gateway, pane PaneReader, git GitReader, history History, dirFor func(project string) string, redactor *masking.Redactor) *Evaluator {
	return &Evaluator{
		gateway:  gateway,
		pane:     pane,
		git:      git,
		history:  history,
		dirFor:   dirFor,
		redactor: redactor,
		now:      time.Now,
	}
}

// verdict is the judge's decoded response.
type verdict struct {
	Score           int      `json:"score"`
	Recommendation  string   `json:"recommendation"`
	Accomplishments []string `json:"accomplishments"`
	Failures        []string `json:"failures"`
	Reasoning       string   `json:"reasoning"`
}

// Evaluate judges one session. Call it before the window is torn down
// when possible; a vanished pane degrades the evidence, not the verdict.
// The result lands in the project's .orchestrator/evaluation.json and
// the evaluation history.
func (e *Evaluator) Evaluate(ctx context.Context, session models.SessionInfo) (models.Evaluation, error) {
	now := e.now()
	ev := models.Evaluation{
		SessionID:       session.SessionID,
		ProjectName:     session.Project,
		StartedAt:       session.StartedAt,
		StoppedAt:       now,
		DurationMinutes: int(now.Sub(session.StartedAt).Minutes()),
		EvaluatedAt:     now,
	}

	pane := e.captureEvidence(ctx, session.Project)

	dir := e.dirFor(session.Project)
	if dir == "" {
		ev.GitProgress = models.GitProgress{NoGit: true}
	} else if gitp, err := e.git.Progress(ctx, dir, session.StartedAt); err != nil {
		slog.Warn("git progress unavailable for evaluation", "project", session.Project, "error", err)
		ev.GitProgress = models.GitProgress{NoGit: true}
	} else {
		ev.GitProgress = gitp
	}

	if err := e.judge(ctx, &ev, session, pane); err != nil {
		slog.Warn("judge call failed, falling back to git-derived score",
			"project", session.Project, "error", err)
		applyFallback(&ev, err)
	}

	if dir != "" {
		if err := writeEvaluationFile(dir, ev); err != nil {
			slog.Warn("failed to write evaluation file", "project", session.Project, "error", err)
		}
	}
	if err := e.history.AppendEvaluation(ev); err != nil {
		return ev, fmt.Errorf("failed to record evaluation: %w", err)
	}
	return ev, nil
}

// captureEvidence reads the pane tail, strips terminal escapes, and
// redacts credentials before anything leaves the process.
func (e *Evaluator) captureEvidence(ctx context.Context, project string) string {
	raw, err := e.pane.CapturePane(ctx, project, paneTail)
	if err != nil {
		slog.Debug("pane unavailable for evaluation", "project", project, "error", err)
		return ""
	}
	return e.redactor.Redact(StripANSI(raw))
}

// judge runs the constrained-decoding evaluation call and fills ev from
// the verdict. Any failure, parse trouble included, reports an error so
// the caller can fall back.
func (e *Evaluator) judge(ctx context.Context, ev *models.Evaluation, session models.SessionInfo, pane string) error {
	out, err := e.gateway.CallGated(ctx, judgePrompt(*ev, session.Prompt, pane), llm.CallOptions{
		MaxTurns:   1,
		JSONSchema: prompt.EvaluationSchema,
		Timeout:    judgeTimeout,
	})
	if err != nil {
		return err
	}

	repaired, err := jsonrepair.JSONRepair(out)
	if err != nil {
		return fmt.Errorf("failed to repair judge response: %w", err)
	}
	var v verdict
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return fmt.Errorf("failed to decode judge response: %w", err)
	}
	if v.Score < 1 || v.Score > 5 {
		return fmt.Errorf("judge score %d outside 1..5", v.Score)
	}
	rec := models.EvalRecommendation(v.Recommendation)
	if !rec.IsValid() {
		return fmt.Errorf("judge recommendation %q not recognized", v.Recommendation)
	}

	ev.Score = v.Score
	ev.Recommendation = rec
	ev.Accomplishments = v.Accomplishments
	ev.Failures = v.Failures
	ev.Reasoning = v.Reasoning
	return nil
}

// applyFallback scores from commit count alone: nothing landed is a 1,
// a trickle is a 3, steady output is a 4. A silent session is worth
// retrying; anything else keeps going.
func applyFallback(ev *models.Evaluation, cause error) {
	switch c := ev.GitProgress.CommitCount; {
	case c == 0:
		ev.Score = 1
		ev.Recommendation = models.EvalRetry
	case c <= 2:
		ev.Score = 3
		ev.Recommendation = models.EvalContinue
	default:
		ev.Score = 4
		ev.Recommendation = models.EvalContinue
	}
	ev.Reasoning = fmt.Sprintf("LLM evaluation unavailable (%v); scored from git activity.", cause)
}

func writeEvaluationFile(dir string, ev models.Evaluation) error {
	metaDir := filepath.Join(dir, orchestratorDir)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", orchestratorDir, err)
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, evaluationFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write evaluation file: %w", err)
	}
	return nil
}

func judgePrompt(ev models.Evaluation, sessionPrompt, pane string) string {
	var b strings.Builder
	b.WriteString("You are judging a finished autonomous coding session.\n\n")
	fmt.Fprintf(&b, "Project: %s\n", ev.ProjectName)
	fmt.Fprintf(&b, "Session duration: %d minutes\n\n", ev.DurationMinutes)

	b.WriteString("Original session prompt:\n")
	if sessionPrompt == "" {
		sessionPrompt = "(none recorded)"
	}
	b.WriteString(sessionPrompt + "\n\n")

	b.WriteString("Git activity since session start:\n")
	if ev.GitProgress.NoGit {
		b.WriteString("- not a git repository; no commit evidence\n")
	} else {
		fmt.Fprintf(&b, "- commits: %d\n", ev.GitProgress.CommitCount)
		fmt.Fprintf(&b, "- lines: +%d / -%d across %d files\n",
			ev.GitProgress.Insertions, ev.GitProgress.Deletions, ev.GitProgress.FilesChanged)
		if ev.GitProgress.LastCommitMessage != "" {
			fmt.Fprintf(&b, "- last commit: %q\n", ev.GitProgress.LastCommitMessage)
		}
	}
	b.WriteString("\nTerminal output (tail):\n")
	if pane == "" {
		pane = "(pane unavailable)"
	}
	b.WriteString(pane + "\n\n")

	b.WriteString(scoringRubric)
	return b.String()
}

const scoringRubric = `Score the session against this rubric:
1 - No meaningful progress: no commits, output shows errors or idling.
2 - Minor progress: edits happened but the goal did not move.
3 - Moderate progress: some commits landed, partial movement on the goal.
4 - Good progress: steady commits, clear movement toward the goal.
5 - Goal complete: the session finished its objective with working changes.

Recommendation: continue (more sessions will help), retry (start over with a different approach), escalate (a human needs to look), complete (nothing left to do).

Respond with a single JSON object: {"score": 1-5, "recommendation": "...", "accomplishments": [...], "failures": [...], "reasoning": "..."}.`
