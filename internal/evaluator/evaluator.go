// Package evaluator scores how relevant shown lessons actually were to the
// sessions that saw them. It feeds the per-tag EMA table that drives the
// retrieval gate and EMA-based auto-pinning.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/engrammar/internal/llm"
	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/types"
)

// Weight is the EMA fold weight for evaluator-sourced scores.
const Weight = 1.0

// Store is the persistence surface the evaluator needs.
type Store interface {
	UnprocessedAudits(ctx context.Context, limit int) ([]types.SessionAudit, error)
	Get(ctx context.Context, id int64) (*types.Engram, error)
	UpdateTagRelevance(ctx context.Context, id int64, scores map[string]float64, weight float64) error
	MarkSessionProcessed(ctx context.Context, session string, status types.SessionStatus) error
}

// Result summarises a run.
type Result struct {
	Sessions  int
	Completed int
	Failed    int
}

// Evaluator processes session audits through the external scorer.
type Evaluator struct {
	store         Store
	client        llm.Client
	transcriptDir string
	logger        *slog.Logger
}

// New wires an evaluator. transcriptDir is the fallback location scanned
// when an audit carries no usable transcript path.
func New(st Store, client llm.Client, transcriptDir string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:         st,
		client:        client,
		transcriptDir: transcriptDir,
		logger:        logger.With("component", "evaluator"),
	}
}

// Run evaluates up to limit unprocessed sessions in creation order. A
// session failure marks it failed and moves on; only store errors abort.
func (ev *Evaluator) Run(ctx context.Context, limit int) (*Result, error) {
	audits, err := ev.store.UnprocessedAudits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load audits: %w", err)
	}

	result := &Result{Sessions: len(audits)}
	for _, audit := range audits {
		if err := ev.evaluateSession(ctx, audit); err != nil {
			ev.logger.Warn("session evaluation failed", "session", audit.SessionID, "error", err)
			if merr := ev.store.MarkSessionProcessed(ctx, audit.SessionID, types.SessionFailed); merr != nil {
				return result, merr
			}
			result.Failed++
			continue
		}
		if err := ev.store.MarkSessionProcessed(ctx, audit.SessionID, types.SessionCompleted); err != nil {
			return result, err
		}
		result.Completed++
	}

	ev.logger.Info("evaluator run finished",
		"sessions", result.Sessions,
		"completed", result.Completed,
		"failed", result.Failed)
	return result, nil
}

// evaluateSession scores one audit and folds the results into the EMA table.
func (ev *Evaluator) evaluateSession(ctx context.Context, audit types.SessionAudit) error {
	shown := make(map[int64]bool, len(audit.ShownEngramIDs))
	var lessons []types.Engram
	for _, id := range audit.ShownEngramIDs {
		e, err := ev.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load engram %d: %w", id, err)
		}
		if e.Deprecated {
			continue
		}
		shown[e.ID] = true
		lessons = append(lessons, *e)
	}
	if len(lessons) == 0 {
		// Nothing left to score; the session is trivially complete.
		return nil
	}

	excerpt := ev.transcriptExcerpt(audit)

	out, err := ev.client.Complete(ctx, renderPrompt(lessons, audit, excerpt))
	if err != nil {
		return err
	}

	var resp types.EvaluatorResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &resp); err != nil {
		return fmt.Errorf("parse evaluator response: %w", err)
	}
	if len(resp) == 0 {
		return fmt.Errorf("evaluator returned no scores")
	}

	for _, entry := range resp {
		if !shown[entry.EngramID] {
			ev.logger.Warn("score for engram not shown in session",
				"session", audit.SessionID, "engram", entry.EngramID)
			continue
		}
		scores := make(map[string]float64, len(entry.TagScores))
		for tag, raw := range entry.TagScores {
			if raw < -1 || raw > 1 {
				ev.logger.Warn("score out of range",
					"session", audit.SessionID, "engram", entry.EngramID, "tag", tag, "raw", raw)
				continue
			}
			scores[tag] = raw
		}
		if len(scores) == 0 {
			continue
		}
		if err := ev.store.UpdateTagRelevance(ctx, entry.EngramID, scores, Weight); err != nil {
			return fmt.Errorf("update tag relevance for %d: %w", entry.EngramID, err)
		}
	}
	return nil
}

// scorerPrompt is the fixed instruction block for the relevance scorer.
const scorerPrompt = `You judge whether lessons shown to a coding assistant were relevant to the
session below.

For each lesson, score each environment tag from -1.0 (the lesson was
irrelevant or misleading in this context) to 1.0 (the lesson clearly applied
and helped), 0.0 when the transcript gives no signal.

Respond with strict JSON only, no prose:
[{"engram_id": 1, "tag_scores": {"frontend": 0.5}, "reason": "..."}]`

func renderPrompt(lessons []types.Engram, audit types.SessionAudit, excerpt string) string {
	var sb strings.Builder
	sb.WriteString(scorerPrompt)
	sb.WriteString("\n\nLESSONS:\n")
	for _, l := range lessons {
		fmt.Fprintf(&sb, "[%d] %s\n", l.ID, l.Text)
	}
	fmt.Fprintf(&sb, "\nENVIRONMENT TAGS: %s\n", strings.Join(audit.EnvTags, ", "))
	if audit.Repo != "" {
		fmt.Fprintf(&sb, "REPOSITORY: %s\n", audit.Repo)
	}
	sb.WriteString("\nTRANSCRIPT EXCERPT:\n")
	if excerpt == "" {
		sb.WriteString("(no transcript available)\n")
	} else {
		sb.WriteString(excerpt)
		sb.WriteString("\n")
	}
	return sb.String()
}
