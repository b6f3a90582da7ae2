package dedup

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/internal/vecindex"
)

// edge is a candidate duplicate pair with its cosine similarity.
type edge struct {
	from int64
	to   int64
	sim  float32
}

// batch is one unit of scorer work: unverified engrams, the union of their
// candidates, and the candidate edges between them.
type batch struct {
	unverified []types.Engram
	candidates []types.Engram
	edges      []edge
	members    map[int64]types.Engram
	bootstrap  bool
}

// perEngramOverhead approximates the prompt framing around each engram text
// when charging against the batch budget.
const perEngramOverhead = 16

func charCost(e types.Engram) int {
	return len(e.Text) + perEngramOverhead
}

// incrementalBatches builds batches comparing unverified engrams against the
// verified pool. Unverified engrams with no candidate above the similarity
// floor are marked verified immediately and excluded.
func (e *Engine) incrementalBatches(ctx context.Context, limit int, verified []types.Engram, result *Result) ([]batch, error) {
	unverified, err := e.store.UnverifiedEngrams(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load unverified engrams: %w", err)
	}
	if len(unverified) == 0 {
		return nil, nil
	}

	unvVecs, err := e.embedTexts(ctx, unverified)
	if err != nil {
		return nil, err
	}
	verVecs, err := e.embedTexts(ctx, verified)
	if err != nil {
		return nil, err
	}

	type withEdges struct {
		engram types.Engram
		edges  []edge
	}
	var pending []withEdges
	var noCandidates []int64
	for i, u := range unverified {
		edges := topEdges(u.ID, unvVecs[i], verified, verVecs)
		if len(edges) == 0 {
			noCandidates = append(noCandidates, u.ID)
			continue
		}
		pending = append(pending, withEdges{engram: u, edges: edges})
	}

	if err := e.store.MarkDedupVerified(ctx, noCandidates); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	result.Verified += len(noCandidates)

	verifiedByID := make(map[int64]types.Engram, len(verified))
	for _, v := range verified {
		verifiedByID[v.ID] = v
	}

	// Deterministic batching: unverified ids ascending, flushing when the
	// next engram plus its not-yet-included candidates would blow the
	// budget. A single oversized engram still ships alone.
	var batches []batch
	var cur batch
	curCost := 0
	included := make(map[int64]struct{})

	flush := func() {
		if len(cur.unverified) == 0 {
			return
		}
		finishBatch(&cur)
		batches = append(batches, cur)
		cur = batch{}
		curCost = 0
		included = make(map[int64]struct{})
	}

	for _, p := range pending {
		cost := charCost(p.engram)
		for _, ed := range p.edges {
			if _, ok := included[ed.to]; !ok {
				cost += charCost(verifiedByID[ed.to])
			}
		}
		if curCost+cost > CharBudget {
			flush()
			// recompute against the empty batch
			cost = charCost(p.engram)
			for _, ed := range p.edges {
				cost += charCost(verifiedByID[ed.to])
			}
		}

		cur.unverified = append(cur.unverified, p.engram)
		cur.edges = append(cur.edges, p.edges...)
		for _, ed := range p.edges {
			if _, ok := included[ed.to]; ok {
				continue
			}
			included[ed.to] = struct{}{}
			cur.candidates = append(cur.candidates, verifiedByID[ed.to])
		}
		curCost += cost
	}
	flush()
	return batches, nil
}

// bootstrapBatches builds batches over all active engrams using all-pairs
// similarity. Engrams with no neighbour above the floor are verified
// immediately; the rest are grouped by connected component so no candidate
// edge spans two batches.
func (e *Engine) bootstrapBatches(ctx context.Context, result *Result) ([]batch, error) {
	pool, err := e.store.ActiveEngrams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engrams: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	vecs, err := e.embedTexts(ctx, pool)
	if err != nil {
		return nil, err
	}

	neighbours := make(map[int64][]edge, len(pool))
	var isolated []int64
	for i, a := range pool {
		others := make([]types.Engram, 0, len(pool)-1)
		otherVecs := make([][]float32, 0, len(pool)-1)
		for j, b := range pool {
			if i == j {
				continue
			}
			others = append(others, b)
			otherVecs = append(otherVecs, vecs[j])
		}
		edges := topEdges(a.ID, vecs[i], others, otherVecs)
		if len(edges) == 0 {
			isolated = append(isolated, a.ID)
			continue
		}
		neighbours[a.ID] = edges
	}

	if err := e.store.MarkDedupVerified(ctx, isolated); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	result.Verified += len(isolated)

	byID := make(map[int64]types.Engram, len(pool))
	for _, p := range pool {
		byID[p.ID] = p
	}

	// Connected components over the neighbour graph, visited in ascending
	// id order for determinism.
	ids := make([]int64, 0, len(neighbours))
	for id := range neighbours {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[int64]struct{})
	var batches []batch
	var cur batch
	curCost := 0

	flush := func() {
		if len(cur.unverified) == 0 {
			return
		}
		cur.bootstrap = true
		finishBatch(&cur)
		batches = append(batches, cur)
		cur = batch{}
		curCost = 0
	}

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		component, compEdges := collectComponent(id, neighbours, seen)

		cost := 0
		for _, cid := range component {
			cost += charCost(byID[cid])
		}
		if curCost+cost > CharBudget {
			flush()
		}
		for _, cid := range component {
			cur.unverified = append(cur.unverified, byID[cid])
		}
		cur.edges = append(cur.edges, compEdges...)
		curCost += cost
	}
	flush()
	return batches, nil
}

// collectComponent walks the neighbour graph from start and returns the
// component's member ids (ascending) and its edges (deduplicated, from < to).
func collectComponent(start int64, neighbours map[int64][]edge, seen map[int64]struct{}) ([]int64, []edge) {
	var members []int64
	edgeSet := make(map[[2]int64]edge)

	stack := []int64{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)

		for _, ed := range neighbours[id] {
			key := [2]int64{ed.from, ed.to}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			if _, ok := edgeSet[key]; !ok {
				edgeSet[key] = edge{from: key[0], to: key[1], sim: ed.sim}
			}
			if _, ok := seen[ed.to]; !ok {
				stack = append(stack, ed.to)
			}
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	edges := make([]edge, 0, len(edgeSet))
	for _, ed := range edgeSet {
		edges = append(edges, ed)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})
	return members, edges
}

// topEdges returns up to TopKCandidates neighbours of vec among pool with
// similarity at or above the floor, most similar first.
func topEdges(fromID int64, vec []float32, pool []types.Engram, poolVecs [][]float32) []edge {
	var edges []edge
	for i, p := range pool {
		sim := vecindex.Cosine(vec, poolVecs[i])
		if sim >= MinSimilarity {
			edges = append(edges, edge{from: fromID, to: p.ID, sim: sim})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].sim != edges[j].sim {
			return edges[i].sim > edges[j].sim
		}
		return edges[i].to < edges[j].to
	})
	if len(edges) > TopKCandidates {
		edges = edges[:TopKCandidates]
	}
	return edges
}

// finishBatch derives the member lookup once the batch contents are final.
func finishBatch(b *batch) {
	b.members = make(map[int64]types.Engram, len(b.unverified)+len(b.candidates))
	for _, u := range b.unverified {
		b.members[u.ID] = u
	}
	for _, c := range b.candidates {
		b.members[c.ID] = c
	}
}

func (e *Engine) embedTexts(ctx context.Context, engrams []types.Engram) ([][]float32, error) {
	if len(engrams) == 0 {
		return nil, nil
	}
	texts := make([]string, len(engrams))
	for i, e := range engrams {
		texts[i] = e.Text
	}
	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed engrams: %w", err)
	}
	return vecs, nil
}
