package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Compile-time interface check
var _ Embedder = (*Static)(nil)

// Static is a deterministic offline embedder: each text hashes to a fixed
// unit vector, so identical texts are identical vectors and distinct texts
// are almost surely dissimilar. It backs tests and any run without an API
// key where retrieval should degrade to lexical ranking rather than fail.
type Static struct {
	Dimensions int
}

// NewStatic returns a Static embedder producing vectors of the given size.
func NewStatic(dimensions int) *Static {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &Static{Dimensions: dimensions}
}

// Embed derives a unit vector from the text's FNV hash stream.
func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.Dimensions)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range vec {
		// xorshift over the seed gives a reproducible pseudo-random stream
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (s *Static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// ModelName identifies the offline embedder.
func (s *Static) ModelName() string {
	return "static"
}
