package inject

import (
	"strings"
	"testing"

	"github.com/hyperengineering/engrammar/internal/types"
)

func TestBlock_Empty(t *testing.T) {
	if got := Block(nil, true); got != "" {
		t.Errorf("expected empty block for no engrams, got %q", got)
	}
}

func TestBlock_Format(t *testing.T) {
	engrams := []types.Engram{
		{ID: 7, Category: "testing/unit", Text: "prefer table driven tests"},
		{ID: 12, Category: "git", Text: "never force push to main"},
	}

	block := Block(engrams, true)
	lines := strings.Split(block, "\n")

	if lines[0] != BlockOpen {
		t.Errorf("expected opening delimiter, got %q", lines[0])
	}
	if lines[len(lines)-1] != BlockClose {
		t.Errorf("expected closing delimiter, got %q", lines[len(lines)-1])
	}
	if lines[1] != "- [EG#7][testing/unit] prefer table driven tests" {
		t.Errorf("unexpected first lesson line %q", lines[1])
	}
	if lines[2] != "- [EG#12][git] never force push to main" {
		t.Errorf("unexpected second lesson line %q", lines[2])
	}
	if !strings.Contains(block, "feedback") {
		t.Error("block should carry the feedback instruction")
	}
}

func TestBlock_WithoutCategories(t *testing.T) {
	block := Block([]types.Engram{{ID: 3, Category: "git", Text: "squash before merge"}}, false)
	if !strings.Contains(block, "- [EG#3] squash before merge") {
		t.Errorf("expected id-only line, got %q", block)
	}
	if strings.Contains(block, "[git]") {
		t.Errorf("category must be hidden, got %q", block)
	}
}

func TestFromResults(t *testing.T) {
	results := []types.SearchResult{
		{Engram: types.Engram{ID: 1, Text: "a"}, Score: 0.9},
		{Engram: types.Engram{ID: 2, Text: "b"}, Score: 0.1},
	}
	engrams := FromResults(results)
	if len(engrams) != 2 || engrams[0].ID != 1 || engrams[1].ID != 2 {
		t.Fatalf("unexpected engrams %v", engrams)
	}
}

func TestMergePinned(t *testing.T) {
	pinned := []types.Engram{
		{ID: 5, Text: "pinned lesson", Pinned: true},
		{ID: 5, Text: "pinned lesson", Pinned: true}, // duplicate pin collapses
	}
	results := []types.SearchResult{
		{Engram: types.Engram{ID: 5, Text: "pinned lesson"}, Score: 0.9},
		{Engram: types.Engram{ID: 2, Text: "ranked lesson"}, Score: 0.4},
	}

	merged := MergePinned(pinned, results)
	if len(merged) != 2 {
		t.Fatalf("expected pins deduped against results, got %v", merged)
	}
	if merged[0].ID != 5 || merged[1].ID != 2 {
		t.Errorf("pins must lead the block, got %v", merged)
	}
}

func TestMergePinned_NoPins(t *testing.T) {
	results := []types.SearchResult{{Engram: types.Engram{ID: 2, Text: "b"}, Score: 0.4}}
	merged := MergePinned(nil, results)
	if len(merged) != 1 || merged[0].ID != 2 {
		t.Fatalf("unexpected engrams %v", merged)
	}
}
