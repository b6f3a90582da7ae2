package search

import (
	"math"
	"sort"
)

// Okapi BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is an in-memory lexical index over a candidate set. It is built
// per query: candidate sets are small (the active engram pool) and the
// structural prerequisite filter runs first, so indexing ahead of time would
// only index rows the query can never return.
type bm25Index struct {
	docs   [][]string
	df     map[string]int
	length []int
	avgLen float64
}

func newBM25(docs [][]string) *bm25Index {
	ix := &bm25Index{
		docs:   docs,
		df:     make(map[string]int),
		length: make([]int, len(docs)),
	}
	var total int
	for i, doc := range docs {
		ix.length[i] = len(doc)
		total += len(doc)
		seen := make(map[string]struct{}, len(doc))
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			ix.df[term]++
		}
	}
	if len(docs) > 0 {
		ix.avgLen = float64(total) / float64(len(docs))
	}
	return ix
}

// ranked is a document index with a relevance score.
type ranked struct {
	doc   int
	score float64
}

// search scores every document against the query terms and returns the topK
// positive-scoring documents, best first, ties broken by document order.
func (ix *bm25Index) search(query []string, topK int) []ranked {
	if len(ix.docs) == 0 || len(query) == 0 || topK <= 0 {
		return nil
	}

	n := float64(len(ix.docs))
	var out []ranked
	for i, doc := range ix.docs {
		tf := make(map[string]int, len(doc))
		for _, term := range doc {
			tf[term]++
		}

		var score float64
		for _, term := range query {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			df := float64(ix.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(ix.length[i])/ix.avgLen
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*norm)
		}
		if score > 0 {
			out = append(out, ranked{doc: i, score: score})
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].score > out[b].score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
