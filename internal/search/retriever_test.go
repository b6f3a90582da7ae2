package search

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/engrammar/internal/types"
	"github.com/hyperengineering/engrammar/internal/vecindex"
)

type fakeStore struct {
	engrams   []types.Engram
	relevance map[int64][]types.TagRelevance

	matched []int64
	shown   []int64
}

func (f *fakeStore) ActiveEngrams(ctx context.Context) ([]types.Engram, error) {
	return f.engrams, nil
}

func (f *fakeStore) AllTagRelevance(ctx context.Context) (map[int64][]types.TagRelevance, error) {
	if f.relevance == nil {
		return map[int64][]types.TagRelevance{}, nil
	}
	return f.relevance, nil
}

func (f *fakeStore) UpdateMatchStats(ctx context.Context, id int64, repo string, tags []string) error {
	f.matched = append(f.matched, id)
	return nil
}

func (f *fakeStore) RecordShown(ctx context.Context, session string, id int64, hookEvent string) error {
	f.shown = append(f.shown, id)
	return nil
}

type fakeIndex struct {
	matches []vecindex.Match
}

func (f *fakeIndex) Search(query []float32, topK int) []vecindex.Match {
	if len(f.matches) > topK {
		return f.matches[:topK]
	}
	return f.matches
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeProbe struct {
	env types.Environment
}

func (f *fakeProbe) Detect() types.Environment { return f.env }

func engram(id int64, text, category string, prereq types.Prerequisites) types.Engram {
	return types.Engram{ID: id, Text: text, Category: category, Prerequisites: prereq}
}

func TestRetriever_PrerequisiteGate(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "lesson for api repo", "general", types.Prerequisites{Repos: []string{"api"}}),
		engram(2, "lesson for any repo", "general", types.Prerequisites{}),
		engram(3, "lesson for darwin", "general", types.Prerequisites{OS: []string{"darwin"}}),
	}}
	probe := &fakeProbe{env: types.Environment{OS: "linux", Repo: ""}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, probe, 5, nil)

	results, err := r.Search(context.Background(), "lesson repo", Options{})
	if err != nil {
		t.Fatal(err)
	}
	// Repo prerequisite fails closed on unknown repo; OS prerequisite fails on
	// mismatch; only the unconstrained engram survives.
	if len(results) != 1 || results[0].ID != 2 {
		t.Fatalf("expected only engram 2, got %v", results)
	}
}

func TestRetriever_TagFilterRequiresDeclaration(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "golang lesson", "general", types.Prerequisites{Tags: []string{"golang"}}),
		engram(2, "generic lesson", "general", types.Prerequisites{}),
	}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "lesson", Options{TagFilter: []string{"golang"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("expected only the declaring engram, got %v", results)
	}

	// No declaring engram at all: empty result, not an error.
	results, err = r.Search(context.Background(), "lesson", Options{TagFilter: []string{"rust"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result, got %v", results)
	}
}

func TestRetriever_CategoryFilter(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "testing lesson", "testing/unit", types.Prerequisites{}),
		{ID: 2, Text: "deploy lesson", Category: "deploy", ExtraCategories: []string{"testing/integration"}},
		engram(3, "other lesson", "style", types.Prerequisites{}),
	}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "lesson", Options{CategoryFilter: "testing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected primary and extra category matches, got %v", results)
	}
	for _, res := range results {
		if res.ID == 3 {
			t.Error("engram 3 should be filtered out")
		}
	}
}

func TestRetriever_DenseFailureDegradesToLexical(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "never force push to main", "git", types.Prerequisites{}),
		engram(2, "prefer table driven tests", "testing", types.Prerequisites{}),
	}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{err: errors.New("embedding api down")}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "force push", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("expected lexical-only result, got %v", results)
	}
}

func TestRetriever_DenseLegSkipsFilteredRows(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(2, "surviving lesson", "general", types.Prerequisites{}),
	}}
	// The index still knows a row that prerequisites removed; it must not
	// consume a rank slot.
	index := &fakeIndex{matches: []vecindex.Match{
		{ID: 1, Score: 0.99},
		{ID: 2, Score: 0.5},
	}}
	r := NewRetriever(st, index, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "surviving", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 2 {
		t.Fatalf("expected engram 2, got %v", results)
	}
}

func TestRetriever_RelevancePenaltyDropsCandidate(t *testing.T) {
	st := &fakeStore{
		engrams: []types.Engram{
			engram(1, "outdated advice about tests", "general", types.Prerequisites{}),
			engram(2, "solid advice about tests", "general", types.Prerequisites{}),
		},
		relevance: map[int64][]types.TagRelevance{
			1: {{EngramID: 1, Tag: "golang", EMA: -0.6, PositiveEvals: 0, NegativeEvals: 4}},
			2: {{EngramID: 2, Tag: "golang", EMA: 0.8, PositiveEvals: 4, NegativeEvals: 0}},
		},
	}
	probe := &fakeProbe{env: types.Environment{Tags: []string{"golang"}}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, probe, 5, nil)

	results, err := r.Search(context.Background(), "advice about tests", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 2 {
		t.Fatalf("expected negative-relevance engram dropped, got %v", results)
	}
}

func TestRetriever_RelevanceBonusReorders(t *testing.T) {
	st := &fakeStore{
		engrams: []types.Engram{
			engram(1, "tests advice", "general", types.Prerequisites{}),
			engram(2, "tests advice", "general", types.Prerequisites{}),
		},
		relevance: map[int64][]types.TagRelevance{
			2: {{EngramID: 2, Tag: "golang", EMA: 0.9, PositiveEvals: 3}},
		},
	}
	probe := &fakeProbe{env: types.Environment{Tags: []string{"golang"}}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, probe, 5, nil)

	results, err := r.Search(context.Background(), "tests advice", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both engrams, got %v", results)
	}
	if results[0].ID != 2 {
		t.Errorf("expected relevance bonus to promote engram 2, got order %v", results)
	}
}

func TestRetriever_TopKAndSideEffects(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "go lesson one", "general", types.Prerequisites{}),
		engram(2, "go lesson two", "general", types.Prerequisites{}),
		engram(3, "go lesson three", "general", types.Prerequisites{}),
	}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "go lesson", Options{
		TopK:      2,
		Session:   "sess-1",
		HookEvent: "prompt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected topK to cap results, got %d", len(results))
	}
	if len(st.matched) != 2 {
		t.Errorf("match stats must cover returned results only, got %v", st.matched)
	}
	if len(st.shown) != 2 {
		t.Errorf("shown records must cover returned results only, got %v", st.shown)
	}
}

func TestRetriever_NoSessionSkipsShown(t *testing.T) {
	st := &fakeStore{engrams: []types.Engram{
		engram(1, "go lesson", "general", types.Prerequisites{}),
	}}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	if _, err := r.Search(context.Background(), "go lesson", Options{}); err != nil {
		t.Fatal(err)
	}
	if len(st.shown) != 0 {
		t.Errorf("expected no shown records without a session, got %v", st.shown)
	}
	if len(st.matched) != 1 {
		t.Errorf("match stats still apply without a session, got %v", st.matched)
	}
}

func TestRetriever_EmptyCandidates(t *testing.T) {
	st := &fakeStore{}
	r := NewRetriever(st, &fakeIndex{}, &fakeEmbedder{}, &fakeProbe{}, 5, nil)

	results, err := r.Search(context.Background(), "anything", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result, got %v", results)
	}
}
