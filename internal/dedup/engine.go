// Package dedup finds and merges duplicate engrams. Candidates come from
// embedding similarity; an external LLM judges which candidates are true
// duplicates; merges are applied atomically through the store with a
// deterministically chosen survivor.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/engrammar/internal/embedding"
	"github.com/hyperengineering/engrammar/internal/llm"
	"github.com/hyperengineering/engrammar/internal/types"
)

// Engine policy constants.
const (
	// MinVerifiedPool is the verified-pool size below which a run uses
	// bootstrap mode.
	MinVerifiedPool = 3
	// TopKCandidates bounds similar neighbours per engram.
	TopKCandidates = 8
	// MinSimilarity is the cosine floor for a candidate edge.
	MinSimilarity = 0.50
	// CharBudget bounds the engram text volume per LLM batch.
	CharBudget = 6000
	// MaxPasses bounds the convergence loop.
	MaxPasses = 10
	// MaxReasonLen truncates scorer-provided merge reasons.
	MaxReasonLen = 200
)

// Store is the persistence surface the engine needs.
type Store interface {
	ActiveEngrams(ctx context.Context) ([]types.Engram, error)
	UnverifiedEngrams(ctx context.Context, limit int) ([]types.Engram, error)
	VerifiedEngrams(ctx context.Context) ([]types.Engram, error)
	MarkDedupVerified(ctx context.Context, ids []int64) error
	RecordDedupError(ctx context.Context, id int64, msg string) error
	MergeGroup(ctx context.Context, survivor int64, absorbed []int64, canonicalText, runID string, confidence float64, reason string) error
}

// Options tune a run.
type Options struct {
	// Limit bounds the unverified engrams considered per incremental pass.
	Limit int
	// SinglePass stops after one pass regardless of merges.
	SinglePass bool
}

// Result summarises a run.
type Result struct {
	Passes   int
	Merges   int
	Verified int
	Failed   int
}

// Engine runs dedup passes until convergence.
type Engine struct {
	store    Store
	embedder embedding.Embedder
	client   llm.Client
	rebuild  func(ctx context.Context) error
	logger   *slog.Logger
}

// New wires an engine. rebuild, when non-nil, regenerates the vector
// indices after any pass that merged engrams.
func New(store Store, embedder embedding.Embedder, client llm.Client, rebuild func(ctx context.Context) error, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		client:   client,
		rebuild:  rebuild,
		logger:   logger.With("component", "dedup"),
	}
}

// Run executes passes until a pass merges nothing, the pass cap is hit, or
// single-pass mode stops early. Indices are rebuilt after each merging pass
// so the next pass sees post-merge vectors.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()

	for pass := 0; pass < MaxPasses; pass++ {
		merges, err := e.pass(ctx, runID, opts.Limit, result)
		if err != nil {
			return result, err
		}
		result.Passes++

		if merges > 0 && e.rebuild != nil {
			if err := e.rebuild(ctx); err != nil {
				return result, fmt.Errorf("rebuild index: %w", err)
			}
		}
		if merges == 0 || opts.SinglePass {
			break
		}
	}

	e.logger.Info("dedup run finished",
		"run_id", runID,
		"passes", result.Passes,
		"merges", result.Merges,
		"verified", result.Verified,
		"failed", result.Failed)
	return result, nil
}

// pass runs one bootstrap or incremental pass and returns the merge count.
func (e *Engine) pass(ctx context.Context, runID string, limit int, result *Result) (int, error) {
	verified, err := e.store.VerifiedEngrams(ctx)
	if err != nil {
		return 0, fmt.Errorf("load verified pool: %w", err)
	}

	var batches []batch
	if len(verified) < MinVerifiedPool {
		batches, err = e.bootstrapBatches(ctx, result)
	} else {
		batches, err = e.incrementalBatches(ctx, limit, verified, result)
	}
	if err != nil {
		return 0, err
	}

	merges := 0
	for _, b := range batches {
		n, err := e.processBatch(ctx, runID, b, result)
		if err != nil {
			return merges, err
		}
		merges += n
	}
	return merges, nil
}

// processBatch runs one batch through the scorer and applies the outcome.
// Scorer failures are recorded per engram and never abort the pass; only
// store errors propagate.
func (e *Engine) processBatch(ctx context.Context, runID string, b batch, result *Result) (int, error) {
	resp, err := e.score(ctx, b)
	if err != nil {
		e.logger.Warn("dedup batch failed", "error", err, "unverified", len(b.unverified))
		if err := e.failBatch(ctx, b, err.Error(), result); err != nil {
			return 0, err
		}
		return 0, nil
	}

	groups, verifyIDs, problems := validate(resp, b)
	for _, p := range problems {
		e.logger.Warn("dedup response problem", "problem", p)
	}

	accounted := make(map[int64]struct{})
	merges := 0
	for _, g := range groups {
		survivor, absorbed := chooseSurvivor(g.IDs, b)
		err := e.store.MergeGroup(ctx, survivor, absorbed, g.CanonicalText, runID, g.Confidence, g.Reason)
		if err != nil {
			return merges, fmt.Errorf("merge group into %d: %w", survivor, err)
		}
		merges++
		result.Merges++
		for _, id := range g.IDs {
			accounted[id] = struct{}{}
		}
	}

	var toVerify []int64
	for _, id := range verifyIDs {
		if _, ok := accounted[id]; ok {
			continue
		}
		accounted[id] = struct{}{}
		toVerify = append(toVerify, id)
	}
	if err := e.store.MarkDedupVerified(ctx, toVerify); err != nil {
		return merges, fmt.Errorf("mark verified: %w", err)
	}
	result.Verified += len(toVerify)

	// Unverified engrams the scorer left unaccounted stay unverified and
	// carry an error so the next run retries them.
	for _, u := range b.unverified {
		if _, ok := accounted[u.ID]; ok {
			continue
		}
		result.Failed++
		if err := e.store.RecordDedupError(ctx, u.ID, "dedup response left engram unaccounted"); err != nil {
			return merges, err
		}
	}
	return merges, nil
}

// failBatch records a scorer failure against every unverified batch member.
func (e *Engine) failBatch(ctx context.Context, b batch, msg string, result *Result) error {
	if len(msg) > MaxReasonLen {
		msg = msg[:MaxReasonLen]
	}
	for _, u := range b.unverified {
		result.Failed++
		if err := e.store.RecordDedupError(ctx, u.ID, msg); err != nil {
			return err
		}
	}
	return nil
}

// score renders the batch prompt, invokes the scorer, and parses the reply.
func (e *Engine) score(ctx context.Context, b batch) (*types.DedupResponse, error) {
	out, err := e.client.Complete(ctx, renderPrompt(b))
	if err != nil {
		return nil, err
	}

	var resp types.DedupResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &resp); err != nil {
		return nil, fmt.Errorf("parse dedup response: %w", err)
	}
	return &resp, nil
}

// chooseSurvivor picks the merge survivor deterministically: verified over
// unverified, then highest occurrence count, then lowest id.
func chooseSurvivor(ids []int64, b batch) (int64, []int64) {
	best := ids[0]
	for _, id := range ids[1:] {
		a, c := b.members[best], b.members[id]
		switch {
		case c.DedupVerified != a.DedupVerified:
			if c.DedupVerified {
				best = id
			}
		case c.OccurrenceCount != a.OccurrenceCount:
			if c.OccurrenceCount > a.OccurrenceCount {
				best = id
			}
		case id < best:
			best = id
		}
	}

	absorbed := make([]int64, 0, len(ids)-1)
	for _, id := range ids {
		if id != best {
			absorbed = append(absorbed, id)
		}
	}
	return best, absorbed
}
