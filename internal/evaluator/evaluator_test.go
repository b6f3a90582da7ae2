package evaluator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/engrammar/internal/llm"
	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/types"
)

type relevanceCall struct {
	id     int64
	scores map[string]float64
	weight float64
}

type fakeStore struct {
	audits  []types.SessionAudit
	engrams map[int64]*types.Engram

	relevance []relevanceCall
	processed map[string]types.SessionStatus
}

func newFakeStore(audits []types.SessionAudit, engrams ...types.Engram) *fakeStore {
	s := &fakeStore{
		audits:    audits,
		engrams:   map[int64]*types.Engram{},
		processed: map[string]types.SessionStatus{},
	}
	for _, e := range engrams {
		copied := e
		s.engrams[e.ID] = &copied
	}
	return s
}

func (s *fakeStore) UnprocessedAudits(ctx context.Context, limit int) ([]types.SessionAudit, error) {
	if limit > 0 && len(s.audits) > limit {
		return s.audits[:limit], nil
	}
	return s.audits, nil
}

func (s *fakeStore) Get(ctx context.Context, id int64) (*types.Engram, error) {
	e, ok := s.engrams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) UpdateTagRelevance(ctx context.Context, id int64, scores map[string]float64, weight float64) error {
	s.relevance = append(s.relevance, relevanceCall{id: id, scores: scores, weight: weight})
	return nil
}

func (s *fakeStore) MarkSessionProcessed(ctx context.Context, session string, status types.SessionStatus) error {
	s.processed[session] = status
	return nil
}

func audit(session string, shown []int64, tags ...string) types.SessionAudit {
	return types.SessionAudit{SessionID: session, ShownEngramIDs: shown, EnvTags: tags}
}

func TestRun_ScoresSession(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{audit("sess-1", []int64{1, 2}, "golang", "backend")},
		types.Engram{ID: 1, Text: "prefer table driven tests"},
		types.Engram{ID: 2, Text: "never force push"},
	)
	script := llm.NewScript(`[
  {"engram_id": 1, "tag_scores": {"golang": 0.8, "backend": 0.2}},
  {"engram_id": 2, "tag_scores": {"golang": -0.5}}
]`)

	ev := New(st, script, "", nil)
	result, err := ev.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Sessions != 1 || result.Completed != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if st.processed["sess-1"] != types.SessionCompleted {
		t.Errorf("expected session completed, got %v", st.processed)
	}
	if len(st.relevance) != 2 {
		t.Fatalf("expected two relevance updates, got %v", st.relevance)
	}
	if st.relevance[0].id != 1 || st.relevance[0].scores["golang"] != 0.8 || st.relevance[0].weight != Weight {
		t.Errorf("unexpected first update %+v", st.relevance[0])
	}

	// The prompt carried lessons, tags, and the missing-transcript marker.
	prompt := script.Prompts[0]
	for _, want := range []string{"[1] prefer table driven tests", "[2] never force push", "golang, backend", "(no transcript available)"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRun_SkipsDeprecatedAndMissingEngrams(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{audit("sess-1", []int64{1, 2, 3}, "golang")},
		types.Engram{ID: 1, Text: "stale lesson", Deprecated: true},
		types.Engram{ID: 3, Text: "live lesson"},
	)
	script := llm.NewScript(`[{"engram_id": 3, "tag_scores": {"golang": 1}}]`)

	ev := New(st, script, "", nil)
	if _, err := ev.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	prompt := script.Prompts[0]
	if strings.Contains(prompt, "stale lesson") {
		t.Error("deprecated lesson must not reach the scorer")
	}
	if !strings.Contains(prompt, "[3] live lesson") {
		t.Errorf("expected live lesson in prompt:\n%s", prompt)
	}
	if len(st.relevance) != 1 || st.relevance[0].id != 3 {
		t.Errorf("unexpected relevance updates %v", st.relevance)
	}
}

func TestRun_EmptySessionTriviallyCompletes(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{audit("sess-1", []int64{9}, "golang")},
	)
	script := llm.NewScript()

	ev := New(st, script, "", nil)
	result, err := ev.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Completed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(script.Prompts) != 0 {
		t.Error("no scorer call expected when nothing is left to score")
	}
	if st.processed["sess-1"] != types.SessionCompleted {
		t.Errorf("expected session completed, got %v", st.processed)
	}
}

func TestRun_ScorerFailureMarksSessionFailedAndContinues(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{
			audit("sess-1", []int64{1}, "golang"),
			audit("sess-2", []int64{1}, "golang"),
		},
		types.Engram{ID: 1, Text: "a lesson"},
	)
	script := llm.NewScript().
		Fail(errors.New("model unavailable")).
		Respond(`[{"engram_id": 1, "tag_scores": {"golang": 0.5}}]`)

	ev := New(st, script, "", nil)
	result, err := ev.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 || result.Completed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if st.processed["sess-1"] != types.SessionFailed {
		t.Errorf("expected sess-1 failed, got %v", st.processed)
	}
	if st.processed["sess-2"] != types.SessionCompleted {
		t.Errorf("expected sess-2 completed, got %v", st.processed)
	}
}

func TestRun_MalformedResponseFailsSession(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{audit("sess-1", []int64{1}, "golang")},
		types.Engram{ID: 1, Text: "a lesson"},
	)
	script := llm.NewScript("this is not json at all")

	ev := New(st, script, "", nil)
	result, err := ev.Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if st.processed["sess-1"] != types.SessionFailed {
		t.Errorf("expected session failed, got %v", st.processed)
	}
}

func TestRun_DropsOutOfRangeAndUnshownScores(t *testing.T) {
	st := newFakeStore(
		[]types.SessionAudit{audit("sess-1", []int64{1}, "golang")},
		types.Engram{ID: 1, Text: "a lesson"},
	)
	script := llm.NewScript(`[
  {"engram_id": 1, "tag_scores": {"golang": 2.0, "backend": 0.4}},
  {"engram_id": 99, "tag_scores": {"golang": 1.0}}
]`)

	ev := New(st, script, "", nil)
	if _, err := ev.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if len(st.relevance) != 1 {
		t.Fatalf("expected one relevance update, got %v", st.relevance)
	}
	call := st.relevance[0]
	if call.id != 1 {
		t.Errorf("unexpected engram %d", call.id)
	}
	if _, ok := call.scores["golang"]; ok {
		t.Error("out-of-range score must be dropped")
	}
	if call.scores["backend"] != 0.4 {
		t.Errorf("expected in-range score kept, got %v", call.scores)
	}
}

func TestTranscriptExcerpt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	content := strings.Join([]string{
		`{"type": "user", "role": "user", "content": "how do I run the tests?"}`,
		`{"message": {"role": "assistant", "content": [{"type": "text", "text": "use go test ./..."}]}}`,
		`{"type": "system", "content": "internal marker"}`,
		`not json`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := New(newFakeStore(nil), llm.NewScript(), dir, nil)

	// Audit path wins when it exists.
	got := ev.transcriptExcerpt(types.SessionAudit{SessionID: "sess-1", TranscriptPath: path})
	if !strings.Contains(got, "user: how do I run the tests?") {
		t.Errorf("missing user line in %q", got)
	}
	if !strings.Contains(got, "assistant: use go test ./...") {
		t.Errorf("missing assistant line in %q", got)
	}
	if strings.Contains(got, "internal marker") {
		t.Errorf("system lines must be skipped, got %q", got)
	}

	// Falls back to a directory scan by file name.
	got = ev.transcriptExcerpt(types.SessionAudit{SessionID: "sess-1", TranscriptPath: filepath.Join(dir, "missing.jsonl")})
	if !strings.Contains(got, "go test") {
		t.Errorf("expected directory fallback to find transcript, got %q", got)
	}

	// Nothing anywhere: empty.
	if got := ev.transcriptExcerpt(types.SessionAudit{SessionID: "sess-unknown"}); got != "" {
		t.Errorf("expected empty excerpt, got %q", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 4); got != "cdef" {
		t.Errorf("unexpected tail %q", got)
	}
	if got := tail("ab", 4); got != "ab" {
		t.Errorf("short input must pass through, got %q", got)
	}
}
