// Package search implements hybrid engram retrieval: a dense embedding leg
// and a lexical BM25 leg fused by reciprocal rank, followed by prerequisite,
// category, and tag-relevance filtering.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/internal/vecindex"
)

// Retrieval policy constants.
const (
	// LegTopK bounds each ranking leg before fusion.
	LegTopK = 10
	// DropAvgThreshold and DropMinEvidence gate candidates on learned tag
	// relevance: a sufficiently evidenced negative average drops the row.
	DropAvgThreshold = -0.1
	DropMinEvidence  = 3
	// BonusFactor scales the positive-average relevance bonus on the fused
	// score.
	BonusFactor = 0.05
)

// VectorIndex is the dense leg capability.
type VectorIndex interface {
	Search(query []float32, topK int) []vecindex.Match
}

// Embedder turns the query string into a vector for the dense leg.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// EngramStore is the persistence capability the retriever needs.
type EngramStore interface {
	ActiveEngrams(ctx context.Context) ([]types.Engram, error)
	AllTagRelevance(ctx context.Context) (map[int64][]types.TagRelevance, error)
	UpdateMatchStats(ctx context.Context, id int64, repo string, tags []string) error
	RecordShown(ctx context.Context, session string, id int64, hookEvent string) error
}

// EnvironmentProbe supplies the current environment snapshot.
type EnvironmentProbe interface {
	Detect() types.Environment
}

// Options narrow a retrieval call.
type Options struct {
	// TopK overrides the retriever default when positive.
	TopK int
	// CategoryFilter keeps engrams whose primary or extra category starts
	// with the filter string.
	CategoryFilter string
	// TagFilter requires each result to declare all listed prerequisite tags.
	TagFilter []string
	// Session, when set, records returned engrams as shown for that session.
	Session string
	// HookEvent labels the shown-lesson rows.
	HookEvent string
}

// Retriever composes the capabilities into the hybrid search operation.
type Retriever struct {
	store    EngramStore
	index    VectorIndex
	embedder Embedder
	probe    EnvironmentProbe
	topK     int
	logger   *slog.Logger
}

// NewRetriever wires a retriever with a default result count.
func NewRetriever(store EngramStore, index VectorIndex, embedder Embedder, probe EnvironmentProbe, topK int, logger *slog.Logger) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		index:    index,
		embedder: embedder,
		probe:    probe,
		topK:     topK,
		logger:   logger.With("component", "search"),
	}
}

// Search runs the hybrid retrieval pipeline and returns at most topK
// results in fused-score order. Side effects: match statistics are updated
// and, when a session is given, each returned engram is recorded as shown —
// both before the results are returned.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]types.SearchResult, error) {
	engrams, err := r.store.ActiveEngrams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engrams: %w", err)
	}
	env := r.probe.Detect()

	candidates := make([]types.Engram, 0, len(engrams))
	for _, e := range engrams {
		if !e.Prerequisites.StructuralMatches(env) {
			continue
		}
		if !declaresAll(e.Prerequisites.Tags, opts.TagFilter) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return []types.SearchResult{}, nil
	}

	byID := make(map[int64]types.Engram, len(candidates))
	for _, e := range candidates {
		byID[e.ID] = e
	}

	var denseIDs, lexicalIDs []int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := r.denseLeg(gctx, query, byID)
		if err != nil {
			// Dense failures degrade to lexical-only ranking.
			r.logger.Warn("dense leg failed", "error", err)
			return nil
		}
		denseIDs = ids
		return nil
	})
	g.Go(func() error {
		lexicalIDs = lexicalLeg(query, candidates)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseRRF(denseIDs, lexicalIDs)
	if len(fused) == 0 {
		return []types.SearchResult{}, nil
	}

	relevance, err := r.store.AllTagRelevance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tag relevance: %w", err)
	}

	results := make([]types.SearchResult, 0, len(fused))
	for id, score := range fused {
		e := byID[id]
		if !matchesCategory(e, opts.CategoryFilter) {
			continue
		}

		if rows := relevance[id]; len(rows) > 0 && len(env.Tags) > 0 {
			avg, evidence := requestedRelevance(rows, env.Tags)
			if avg <= DropAvgThreshold && evidence >= DropMinEvidence {
				continue
			}
			if avg > 0 {
				score += BonusFactor * avg
			}
		}
		results = append(results, types.SearchResult{Engram: e, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	topK := opts.TopK
	if topK <= 0 {
		topK = r.topK
	}
	if len(results) > topK {
		results = results[:topK]
	}

	for _, res := range results {
		if err := r.store.UpdateMatchStats(ctx, res.ID, env.Repo, env.Tags); err != nil {
			return nil, fmt.Errorf("update match stats: %w", err)
		}
		if opts.Session != "" {
			if err := r.store.RecordShown(ctx, opts.Session, res.ID, opts.HookEvent); err != nil {
				return nil, fmt.Errorf("record shown: %w", err)
			}
		}
	}
	return results, nil
}

// denseLeg embeds the query and ranks candidates by cosine similarity.
// Index hits outside the candidate set are skipped without consuming rank
// positions in the fused ordering.
func (r *Retriever) denseLeg(ctx context.Context, query string, byID map[int64]types.Engram) ([]int64, error) {
	if r.embedder == nil || r.index == nil {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch so prerequisite-filtered rows do not starve the leg.
	matches := r.index.Search(vec, LegTopK+len(byID))
	ids := make([]int64, 0, LegTopK)
	for _, m := range matches {
		if _, ok := byID[m.ID]; !ok {
			continue
		}
		ids = append(ids, m.ID)
		if len(ids) == LegTopK {
			break
		}
	}
	return ids, nil
}

// lexicalLeg ranks candidates with BM25 over text plus category.
func lexicalLeg(query string, candidates []types.Engram) []int64 {
	docs := make([][]string, len(candidates))
	for i, e := range candidates {
		docs[i] = Tokenize(e.Text + " " + e.Category)
	}
	hits := newBM25(docs).search(Tokenize(query), LegTopK)

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = candidates[h.doc].ID
	}
	return ids
}

// requestedRelevance averages the EMA over the requested tags — the
// denominator is the requested-tag count, so tags without data pull the
// average toward zero — and sums evidence across the matched rows.
func requestedRelevance(rows []types.TagRelevance, requested []string) (avg float64, evidence int) {
	byTag := make(map[string]types.TagRelevance, len(rows))
	for _, row := range rows {
		byTag[row.Tag] = row
	}

	var sum float64
	for _, tag := range requested {
		row, ok := byTag[tag]
		if !ok {
			continue
		}
		sum += row.EMA
		evidence += row.Evidence()
	}
	return sum / float64(len(requested)), evidence
}

func matchesCategory(e types.Engram, filter string) bool {
	if filter == "" {
		return true
	}
	if strings.HasPrefix(e.Category, filter) {
		return true
	}
	for _, c := range e.ExtraCategories {
		if strings.HasPrefix(c, filter) {
			return true
		}
	}
	return false
}

func declaresAll(declared, required []string) bool {
	for _, tag := range required {
		found := false
		for _, d := range declared {
			if d == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
