package vecindex

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/hyperengineering/engrammar/internal/embedding"
)

// TagMatch is one tag-index search hit.
type TagMatch struct {
	Tag   string
	Score float32
}

// BuildTags writes the tag matrix: one row per distinct tag string, with a
// JSON string-array sidecar. Same file format and atomicity as Build.
func BuildTags(path, idsPath string, tags []string, vectors [][]float32) error {
	if len(tags) != len(vectors) {
		return ErrSidecarMismatch
	}
	if tags == nil {
		tags = []string{}
	}
	return buildFiles(path, idsPath, tags, vectors)
}

// TagIndex is a read-only view of a tag matrix. The zero value is empty.
type TagIndex struct {
	tags []string
	data []byte
	rows int
	dims int

	mapped []byte
}

// OpenTags memory-maps the tag matrix. Missing or corrupt files yield an
// empty index.
func OpenTags(path, idsPath string) (*TagIndex, error) {
	mapped, rows, dims, ok := openMatrix(path)
	if !ok {
		return &TagIndex{}, nil
	}

	ix := &TagIndex{mapped: mapped, rows: rows, dims: dims, data: mapped[headerSize:]}
	idsJSON, err := os.ReadFile(idsPath)
	if err != nil || json.Unmarshal(idsJSON, &ix.tags) != nil || len(ix.tags) != ix.rows {
		ix.Close()
		return &TagIndex{}, nil
	}
	return ix, nil
}

// Close unmaps the matrix. Safe on the zero value.
func (ix *TagIndex) Close() error {
	if ix.mapped == nil {
		return nil
	}
	m := ix.mapped
	ix.mapped = nil
	ix.data = nil
	ix.rows = 0
	ix.tags = nil
	return munmap(m)
}

// Len returns the number of indexed tags.
func (ix *TagIndex) Len() int {
	return ix.rows
}

// Tags returns the indexed tag strings in row order.
func (ix *TagIndex) Tags() []string {
	return ix.tags
}

// Search returns the topK tags most similar to the query vector.
func (ix *TagIndex) Search(query []float32, topK int) []TagMatch {
	if ix.rows == 0 || topK <= 0 || len(query) != ix.dims {
		return nil
	}

	q := append([]float32(nil), query...)
	Normalize(q)

	matches := make([]TagMatch, 0, ix.rows)
	for i := 0; i < ix.rows; i++ {
		var dot float32
		off := i * ix.dims * 4
		for j := range q {
			dot += q[j] * math.Float32frombits(binary.LittleEndian.Uint32(ix.data[off+j*4:]))
		}
		matches = append(matches, TagMatch{Tag: ix.tags[i], Score: dot})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Tag < matches[j].Tag
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// SuggestTags embeds the text and returns the indexed tags scoring at least
// minScore among the topK nearest, best first. A missing or empty tag matrix
// suggests nothing.
func SuggestTags(ctx context.Context, emb embedding.Embedder, path, idsPath, text string, topK int, minScore float32) ([]string, error) {
	ix, err := OpenTags(path, idsPath)
	if err != nil {
		return nil, err
	}
	defer ix.Close()
	if ix.Len() == 0 {
		return nil, nil
	}

	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}

	var tags []string
	for _, m := range ix.Search(vec, topK) {
		if m.Score < minScore {
			break
		}
		tags = append(tags, m.Tag)
	}
	return tags, nil
}
