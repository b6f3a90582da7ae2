package vecindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperengineering/engrammar/internal/embedding"
	"github.com/hyperengineering/engrammar/internal/types"
)

// embedBatchSize bounds the texts sent per embedding API call.
const embedBatchSize = 64

// EngramSource supplies the rows to index.
type EngramSource interface {
	ActiveEngrams(ctx context.Context) ([]types.Engram, error)
}

// Rebuild regenerates both matrices from the active engram set: the text
// matrix over `text + " " + category` per engram, and the tag matrix over
// the union of prerequisite tag strings. Both replacements are atomic, so a
// concurrent reader sees either the old or the new index.
func Rebuild(ctx context.Context, src EngramSource, emb embedding.Embedder, path, idsPath, tagPath, tagIDsPath string) error {
	engrams, err := src.ActiveEngrams(ctx)
	if err != nil {
		return fmt.Errorf("load engrams: %w", err)
	}

	ids := make([]int64, len(engrams))
	texts := make([]string, len(engrams))
	tagSet := make(map[string]struct{})
	for i, e := range engrams {
		ids[i] = e.ID
		texts[i] = e.Text + " " + e.Category
		for _, t := range e.Prerequisites.Tags {
			tagSet[t] = struct{}{}
		}
	}

	vectors, err := embedAll(ctx, emb, texts)
	if err != nil {
		return fmt.Errorf("embed engrams: %w", err)
	}
	if err := Build(path, idsPath, ids, vectors); err != nil {
		return err
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	tagVectors, err := embedAll(ctx, emb, tags)
	if err != nil {
		return fmt.Errorf("embed tags: %w", err)
	}
	return BuildTags(tagPath, tagIDsPath, tags, tagVectors)
}

func embedAll(ctx context.Context, emb embedding.Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := emb.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
