package store

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/hyperengineering/engrammar/internal/autopin"
)

func TestUpdateMatchStats_Counters(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})
	for i := 0; i < 3; i++ {
		if err := db.UpdateMatchStats(ctx, id, "api", []string{"golang", "web"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.TimesMatched != 3 {
		t.Errorf("expected 3 matches, got %d", got.TimesMatched)
	}
	if got.LastMatched == nil {
		t.Error("expected last_matched to be set")
	}
	if got.Pinned {
		t.Error("engram should not be pinned yet")
	}
}

func TestUpdateMatchStats_NotFound(t *testing.T) {
	db := newTestStore(t)

	err := db.UpdateMatchStats(context.Background(), 42, "api", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoPin_RepoThreshold(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "repo-local lesson", "general", AddOptions{})

	for i := 0; i < autopin.RepoPinThreshold-1; i++ {
		if err := db.UpdateMatchStats(ctx, id, "billing", nil); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := db.Get(ctx, id)
	if got.Pinned {
		t.Fatalf("engram pinned one match early")
	}

	if err := db.UpdateMatchStats(ctx, id, "billing", nil); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get(ctx, id)
	if !got.Pinned {
		t.Fatal("expected auto-pin at repo threshold")
	}
	if !got.Prerequisites.AutoPinned {
		t.Error("expected auto_pinned marker")
	}
	if len(got.Prerequisites.Repos) != 1 || got.Prerequisites.Repos[0] != "billing" {
		t.Errorf("expected repo prerequisite, got %+v", got.Prerequisites)
	}
}

func TestAutoPin_TagSubset(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "tag-scoped lesson", "general", AddOptions{})

	// Two distinct tag sets sharing one tag. Neither alone reaches the
	// threshold; their common tag does.
	for i := 0; i < 8; i++ {
		if err := db.UpdateMatchStats(ctx, id, "", []string{"golang", "web"}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := db.Get(ctx, id)
	if got.Pinned {
		t.Fatal("engram pinned before subset coverage reached threshold")
	}

	for i := 0; i < 7; i++ {
		if err := db.UpdateMatchStats(ctx, id, "", []string{"golang", "cli"}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = db.Get(ctx, id)
	if !got.Pinned {
		t.Fatal("expected auto-pin once common-tag coverage reached threshold")
	}
	if len(got.Prerequisites.Tags) != 1 || got.Prerequisites.Tags[0] != "golang" {
		t.Errorf("expected minimal subset [golang], got %v", got.Prerequisites.Tags)
	}
	if !got.Prerequisites.AutoPinned {
		t.Error("expected auto_pinned marker")
	}
}

func TestUpdateTagRelevance_EMA(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})

	if err := db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 1}, 1); err != nil {
		t.Fatal(err)
	}
	rel, err := db.TagRelevanceFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rel) != 1 {
		t.Fatalf("expected one relevance row, got %d", len(rel))
	}
	if math.Abs(rel[0].EMA-0.3) > 1e-9 {
		t.Errorf("expected EMA 0.3 after first positive, got %f", rel[0].EMA)
	}
	if rel[0].PositiveEvals != 1 || rel[0].NegativeEvals != 0 {
		t.Errorf("unexpected evidence %+v", rel[0])
	}

	if err := db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": -1}, 1); err != nil {
		t.Fatal(err)
	}
	rel, _ = db.TagRelevanceFor(ctx, id)
	// 0.3*0.7 - 0.3 = -0.09
	if math.Abs(rel[0].EMA-(-0.09)) > 1e-9 {
		t.Errorf("expected EMA -0.09, got %f", rel[0].EMA)
	}
	if rel[0].PositiveEvals != 1 || rel[0].NegativeEvals != 1 {
		t.Errorf("unexpected evidence %+v", rel[0])
	}
}

func TestUpdateTagRelevance_ZeroScoreDecaysWithoutEvidence(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})
	db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 1}, 1)
	db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 0}, 1)

	rel, _ := db.TagRelevanceFor(ctx, id)
	if math.Abs(rel[0].EMA-0.21) > 1e-9 {
		t.Errorf("expected EMA to decay to 0.21, got %f", rel[0].EMA)
	}
	if rel[0].Evidence() != 1 {
		t.Errorf("zero score must not move evidence, got %d", rel[0].Evidence())
	}
}

func TestUpdateTagRelevance_ClampsRawScore(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "lesson", "general", AddOptions{})
	if err := db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 5}, 1); err != nil {
		t.Fatal(err)
	}

	rel, _ := db.TagRelevanceFor(ctx, id)
	if math.Abs(rel[0].EMA-0.3) > 1e-9 {
		t.Errorf("expected out-of-range score clamped to 1, got EMA %f", rel[0].EMA)
	}
}

func TestAutoPin_EMAPromotion(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "consistently useful", "general", AddOptions{})

	for i := 0; i < autopin.MinEvidenceForPin-1; i++ {
		if err := db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 1}, 1); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := db.Get(ctx, id)
	if got.Pinned {
		t.Fatal("pinned before evidence floor")
	}

	if err := db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 1}, 1); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get(ctx, id)
	if !got.Pinned {
		t.Fatal("expected EMA-driven auto-pin")
	}
	if len(got.Prerequisites.Tags) != 1 || got.Prerequisites.Tags[0] != "golang" {
		t.Errorf("expected tag prerequisite from positive tags, got %v", got.Prerequisites.Tags)
	}
	if !got.Prerequisites.AutoPinned {
		t.Error("expected auto_pinned marker")
	}
}

func TestAutoPin_EMADemotion(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "was useful once", "general", AddOptions{})

	for i := 0; i < autopin.MinEvidenceForPin; i++ {
		db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": 1}, 1)
	}
	got, _ := db.Get(ctx, id)
	if !got.Pinned {
		t.Fatal("expected auto-pin before demotion phase")
	}

	// Drive the EMA below the unpin threshold.
	for i := 0; i < 10; i++ {
		db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": -1}, 1)
	}
	got, _ = db.Get(ctx, id)
	if got.Pinned {
		t.Fatal("expected auto-unpin after sustained negative feedback")
	}
	if got.Prerequisites.AutoPinned {
		t.Error("auto_pinned marker should clear on demotion")
	}
}

func TestAutoPin_ManualPinSurvivesNegativeFeedback(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	id, _ := db.Add(ctx, "deliberately pinned", "general", AddOptions{})
	if err := db.Pin(ctx, id); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		db.UpdateTagRelevance(ctx, id, map[string]float64{"golang": -1}, 1)
	}
	got, _ := db.Get(ctx, id)
	if !got.Pinned {
		t.Error("manual pin must survive negative feedback")
	}
}

func TestAllTagRelevance_GroupsByEngram(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	a, _ := db.Add(ctx, "lesson a", "general", AddOptions{})
	b, _ := db.Add(ctx, "lesson b", "general", AddOptions{})
	db.UpdateTagRelevance(ctx, a, map[string]float64{"golang": 1, "web": -1}, 1)
	db.UpdateTagRelevance(ctx, b, map[string]float64{"rust": 1}, 1)

	all, err := db.AllTagRelevance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all[a]) != 2 {
		t.Errorf("expected 2 rows for engram %d, got %d", a, len(all[a]))
	}
	if len(all[b]) != 1 {
		t.Errorf("expected 1 row for engram %d, got %d", b, len(all[b]))
	}
}
