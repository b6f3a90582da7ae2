package store

import (
	"context"
	"errors"
	"testing"
)

func TestUnverifiedEngrams_ExcludesVerifiedAndDeprecated(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	a, _ := db.Add(ctx, "lesson a", "general", AddOptions{})
	b, _ := db.Add(ctx, "lesson b", "general", AddOptions{})
	c, _ := db.Add(ctx, "lesson c", "general", AddOptions{})

	if err := db.MarkDedupVerified(ctx, []int64{a}); err != nil {
		t.Fatal(err)
	}
	if err := db.Deprecate(ctx, b); err != nil {
		t.Fatal(err)
	}

	unverified, err := db.UnverifiedEngrams(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(unverified) != 1 || unverified[0].ID != c {
		t.Fatalf("expected only engram %d unverified, got %v", c, unverified)
	}

	verified, err := db.VerifiedEngrams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 1 || verified[0].ID != a {
		t.Fatalf("expected only engram %d verified, got %v", a, verified)
	}
}

func TestRecordDedupError(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})
	if err := db.RecordDedupError(ctx, id, "scorer unavailable"); err != nil {
		t.Fatal(err)
	}

	// The engram stays in the unverified pool for the next run.
	unverified, _ := db.UnverifiedEngrams(ctx, 0)
	if len(unverified) != 1 {
		t.Fatalf("errored engram must stay unverified, got %v", unverified)
	}

	if err := db.RecordDedupError(ctx, 9999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMergeGroup(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	survivor, _ := db.Add(ctx, "original text", "general", AddOptions{
		SourceSessions:  []string{"sess-1"},
		OccurrenceCount: 2,
	})
	dupA, _ := db.Add(ctx, "duplicate a", "general", AddOptions{
		SourceSessions:  []string{"sess-2"},
		OccurrenceCount: 1,
	})
	dupB, _ := db.Add(ctx, "duplicate b", "general", AddOptions{
		SourceSessions:  []string{"sess-1", "sess-3"},
		OccurrenceCount: 3,
	})

	err := db.MergeGroup(ctx, survivor, []int64{dupA, dupB}, "canonical text", "run-1", 0.9, "same action")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := db.Get(ctx, survivor)
	if got.Text != "canonical text" {
		t.Errorf("expected canonical text, got %q", got.Text)
	}
	if got.OccurrenceCount != 6 {
		t.Errorf("expected summed occurrence 6, got %d", got.OccurrenceCount)
	}
	wantSessions := []string{"sess-1", "sess-2", "sess-3"}
	if len(got.SourceSessions) != len(wantSessions) {
		t.Fatalf("expected session union %v, got %v", wantSessions, got.SourceSessions)
	}
	for i, s := range wantSessions {
		if got.SourceSessions[i] != s {
			t.Errorf("expected session union %v, got %v", wantSessions, got.SourceSessions)
			break
		}
	}
	if !got.DedupVerified {
		t.Error("survivor must come out verified")
	}

	for _, id := range []int64{dupA, dupB} {
		absorbed, _ := db.Get(ctx, id)
		if !absorbed.Deprecated {
			t.Errorf("absorbed engram %d must be deprecated", id)
		}
		if absorbed.MergedInto == nil || *absorbed.MergedInto != survivor {
			t.Errorf("absorbed engram %d must point at survivor", id)
		}
	}
}

func TestMergeGroup_RepointsMergeChains(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	first, _ := db.Add(ctx, "first survivor", "general", AddOptions{})
	old, _ := db.Add(ctx, "old duplicate", "general", AddOptions{})
	if err := db.MergeGroup(ctx, first, []int64{old}, "", "run-1", 0.9, ""); err != nil {
		t.Fatal(err)
	}

	final, _ := db.Add(ctx, "final survivor", "general", AddOptions{})
	if err := db.MergeGroup(ctx, final, []int64{first}, "", "run-2", 0.9, ""); err != nil {
		t.Fatal(err)
	}

	// old → first → final collapses to old → final.
	got, _ := db.Get(ctx, old)
	if got.MergedInto == nil || *got.MergedInto != final {
		t.Errorf("expected one-hop chain to final survivor, got %v", got.MergedInto)
	}
}

func TestMergeGroup_EmptyCanonicalKeepsSurvivorText(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	survivor, _ := db.Add(ctx, "keep me", "general", AddOptions{})
	dup, _ := db.Add(ctx, "duplicate", "general", AddOptions{})

	if err := db.MergeGroup(ctx, survivor, []int64{dup}, "   ", "run-1", 0.8, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get(ctx, survivor)
	if got.Text != "keep me" {
		t.Errorf("expected survivor text preserved, got %q", got.Text)
	}
}

func TestMergeGroup_Invalid(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})

	if err := db.MergeGroup(ctx, id, nil, "", "run-1", 0.9, ""); !errors.Is(err, ErrInvalidMerge) {
		t.Errorf("expected ErrInvalidMerge for empty group, got %v", err)
	}
	if err := db.MergeGroup(ctx, id, []int64{id}, "", "run-1", 0.9, ""); !errors.Is(err, ErrInvalidMerge) {
		t.Errorf("expected ErrInvalidMerge for self-merge, got %v", err)
	}
	if err := db.MergeGroup(ctx, id, []int64{9999}, "", "run-1", 0.9, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing absorbed engram, got %v", err)
	}

	// The failed merge must leave the survivor untouched.
	got, _ := db.Get(ctx, id)
	if got.Deprecated || got.DedupVerified {
		t.Errorf("failed merge mutated the survivor: %+v", got)
	}
}
