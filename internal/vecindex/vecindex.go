// Package vecindex persists dense embedding matrices for engram retrieval.
// A matrix file carries a small header followed by row-major float32 data;
// a JSON sidecar lists the engram id for each row. Builds replace both files
// atomically; readers memory-map the matrix and hold no locks.
package vecindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// File header: magic, format version, row count, dimensions.
const (
	magic      = "EGMX"
	version    = 1
	headerSize = 16
)

// ErrSidecarMismatch reports a row count that disagrees with the id sidecar.
var ErrSidecarMismatch = errors.New("vecindex: id sidecar does not match row count")

// Match is one search hit.
type Match struct {
	ID    int64
	Score float32
}

// Build writes the matrix and id sidecar atomically via temp-file rename.
// Vectors are L2-normalized on write so searches reduce to dot products.
// All vectors must share a dimension; zero rows produces a valid empty index.
func Build(path, idsPath string, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("build index: %d ids for %d vectors", len(ids), len(vectors))
	}
	if ids == nil {
		ids = []int64{}
	}
	return buildFiles(path, idsPath, ids, vectors)
}

// buildFiles encodes the matrix and writes both files; sidecar is any
// JSON-encodable id list aligned with the rows.
func buildFiles(path, idsPath string, sidecar any, vectors [][]float32) error {
	dims := 0
	for _, v := range vectors {
		if dims == 0 {
			dims = len(v)
		}
		if len(v) != dims {
			return fmt.Errorf("build index: inconsistent vector dimensions %d and %d", dims, len(v))
		}
	}

	buf := make([]byte, headerSize+len(vectors)*dims*4)
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[4:], version)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(dims))

	off := headerSize
	for _, vec := range vectors {
		norm := normOf(vec)
		for _, v := range vec {
			if norm > 0 {
				v /= norm
			}
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}

	idsJSON, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("marshal index ids: %w", err)
	}

	if err := writeAtomic(path, buf); err != nil {
		return fmt.Errorf("write matrix: %w", err)
	}
	if err := writeAtomic(idsPath, idsJSON); err != nil {
		return fmt.Errorf("write ids: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Index is a read-only view of a built matrix. The zero value is an empty
// index; searches against it return no matches.
type Index struct {
	ids  []int64
	data []byte
	rows int
	dims int

	mapped []byte
}

// Open memory-maps the matrix at path. A missing or unreadable file yields
// an empty index rather than an error: retrieval degrades to lexical
// ranking until the next build.
func Open(path, idsPath string) (*Index, error) {
	mapped, rows, dims, ok := openMatrix(path)
	if !ok {
		return &Index{}, nil
	}

	ix := &Index{mapped: mapped, rows: rows, dims: dims, data: mapped[headerSize:]}
	idsJSON, err := os.ReadFile(idsPath)
	if err != nil || json.Unmarshal(idsJSON, &ix.ids) != nil || len(ix.ids) != ix.rows {
		ix.Close()
		return &Index{}, nil
	}
	return ix, nil
}

// openMatrix maps the matrix file and validates its header.
func openMatrix(path string) (mapped []byte, rows, dims int, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() < headerSize {
		return nil, 0, 0, false
	}

	mapped, err = unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, 0, false
	}

	if string(mapped[:4]) != magic || binary.LittleEndian.Uint32(mapped[4:]) != version {
		unix.Munmap(mapped)
		return nil, 0, 0, false
	}
	rows = int(binary.LittleEndian.Uint32(mapped[8:]))
	dims = int(binary.LittleEndian.Uint32(mapped[12:]))
	if int64(headerSize+rows*dims*4) > info.Size() {
		unix.Munmap(mapped)
		return nil, 0, 0, false
	}
	return mapped, rows, dims, true
}

// Close unmaps the matrix. Safe on the zero value and after a failed Open.
func (ix *Index) Close() error {
	if ix.mapped == nil {
		return nil
	}
	m := ix.mapped
	ix.mapped = nil
	ix.data = nil
	ix.rows = 0
	ix.ids = nil
	return munmap(m)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

// Len returns the number of indexed rows.
func (ix *Index) Len() int {
	return ix.rows
}

// IDs returns the engram id for each row, in row order.
func (ix *Index) IDs() []int64 {
	return ix.ids
}

// Row decodes row i into a freshly allocated vector.
func (ix *Index) Row(i int) []float32 {
	out := make([]float32, ix.dims)
	off := i * ix.dims * 4
	for j := range out {
		out[j] = math.Float32frombits(binary.LittleEndian.Uint32(ix.data[off+j*4:]))
	}
	return out
}

// Search returns the topK rows most similar to the query by cosine
// similarity, highest first, ties broken by ascending id. A query whose
// dimension does not match the index returns no matches.
func (ix *Index) Search(query []float32, topK int) []Match {
	if ix.rows == 0 || topK <= 0 || len(query) != ix.dims {
		return nil
	}

	q := append([]float32(nil), query...)
	Normalize(q)

	matches := make([]Match, 0, ix.rows)
	for i := 0; i < ix.rows; i++ {
		var dot float32
		off := i * ix.dims * 4
		for j := range q {
			dot += q[j] * math.Float32frombits(binary.LittleEndian.Uint32(ix.data[off+j*4:]))
		}
		matches = append(matches, Match{ID: ix.ids[i], Score: dot})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Normalize scales vec to unit length in place. The zero vector is left
// unchanged.
func Normalize(vec []float32) {
	norm := normOf(vec)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine computes cosine similarity between two vectors of equal length.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func normOf(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}
