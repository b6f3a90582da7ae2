package search

import "testing"

func TestBM25_RanksMatchingDocsFirst(t *testing.T) {
	docs := [][]string{
		Tokenize("always run migrations before tests"),
		Tokenize("prefer table driven tests in go"),
		Tokenize("never force push to main"),
	}
	hits := newBM25(docs).search(Tokenize("force push"), 10)

	if len(hits) != 1 {
		t.Fatalf("expected one positive-scoring doc, got %d", len(hits))
	}
	if hits[0].doc != 2 {
		t.Errorf("expected doc 2 first, got %d", hits[0].doc)
	}
}

func TestBM25_RareTermOutweighsCommon(t *testing.T) {
	docs := [][]string{
		Tokenize("tests tests tests"),
		Tokenize("tests with sqlite fixtures"),
		Tokenize("tests again"),
	}
	hits := newBM25(docs).search(Tokenize("sqlite tests"), 10)

	if len(hits) != 3 {
		t.Fatalf("expected all docs to score, got %d", len(hits))
	}
	if hits[0].doc != 1 {
		t.Errorf("doc with the rare term should rank first, got %d", hits[0].doc)
	}
}

func TestBM25_TopKAndEmpty(t *testing.T) {
	docs := [][]string{
		Tokenize("go build"),
		Tokenize("go test"),
		Tokenize("go vet"),
	}
	hits := newBM25(docs).search(Tokenize("go"), 2)
	if len(hits) != 2 {
		t.Errorf("expected topK to cap results, got %d", len(hits))
	}

	if hits := newBM25(nil).search(Tokenize("go"), 5); hits != nil {
		t.Errorf("expected nil for empty index, got %v", hits)
	}
	if hits := newBM25(docs).search(nil, 5); hits != nil {
		t.Errorf("expected nil for empty query, got %v", hits)
	}
}

func TestFuseRRF(t *testing.T) {
	fused := fuseRRF([]int64{1, 2, 3}, []int64{2, 4})

	// Id 2 appears in both lists and must outscore every single-list id.
	for _, id := range []int64{1, 3, 4} {
		if fused[2] <= fused[id] {
			t.Errorf("expected id 2 to outscore id %d (%f vs %f)", id, fused[2], fused[id])
		}
	}
	// First-ranked single-list ids beat lower-ranked ones.
	if fused[1] <= fused[3] {
		t.Errorf("expected rank order preserved within a list")
	}

	want := 1.0/61 + 1.0/61
	if diff := fused[2] - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("unexpected score for id 2: %f want %f", fused[2], want)
	}

	if len(fuseRRF(nil, nil)) != 0 {
		t.Error("expected empty fusion for empty lists")
	}
}
