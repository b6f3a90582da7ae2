// Package extractor turns finished sessions into new engrams: it reads
// facet summaries or raw transcripts, asks the external model for concrete
// reusable lessons, and inserts the ones that are not lexically duplicates
// of engrams already stored.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/engrammar/internal/llm"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/types"
)

const (
	// JaccardThreshold is the token-overlap similarity at or above which a
	// candidate lesson counts as a duplicate of an existing engram.
	JaccardThreshold = 0.6
	// sourceTailBytes bounds the session material handed to the model.
	sourceTailBytes = 8192
)

// Store is the persistence surface the extractor needs.
type Store interface {
	ActiveEngrams(ctx context.Context) ([]types.Engram, error)
	Add(ctx context.Context, text, category string, opts store.AddOptions) (int64, error)
	SessionAudit(ctx context.Context, session string) (*types.SessionAudit, error)
	SessionExtracted(ctx context.Context, session string) (bool, error)
	MarkSessionExtracted(ctx context.Context, session string, lessons int) error
}

// Result summarises a run.
type Result struct {
	Sessions   int
	Inserted   int
	Duplicates int
	Failed     int
}

// TagSuggester proposes known environment tags for a lesson text.
type TagSuggester func(ctx context.Context, text string) ([]string, error)

// Extractor drives lesson extraction over unconsumed sessions.
type Extractor struct {
	store         Store
	client        llm.Client
	facetsDir     string
	transcriptDir string
	sessionLimit  int
	suggest       TagSuggester
	rebuild       func(ctx context.Context) error
	logger        *slog.Logger
}

// New wires an extractor. Facet files take precedence over transcripts for
// a session; suggest, when non-nil, proposes extra prerequisite tags per
// lesson; rebuild, when non-nil, refreshes the vector indices after a run
// that inserted engrams.
func New(st Store, client llm.Client, facetsDir, transcriptDir string, sessionLimit int, suggest TagSuggester, rebuild func(ctx context.Context) error, logger *slog.Logger) *Extractor {
	if sessionLimit <= 0 {
		sessionLimit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:         st,
		client:        client,
		facetsDir:     facetsDir,
		transcriptDir: transcriptDir,
		sessionLimit:  sessionLimit,
		suggest:       suggest,
		rebuild:       rebuild,
		logger:        logger.With("component", "extractor"),
	}
}

// sessionSource is one ingestible session file.
type sessionSource struct {
	id   string
	path string
}

// Run ingests up to the session limit of unconsumed sessions. Per-session
// extraction failures are logged and skipped; only store errors abort.
func (x *Extractor) Run(ctx context.Context) (*Result, error) {
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
	sources := x.discoverSessions()

	existing, err := x.store.ActiveEngrams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engrams: %w", err)
	}
	existingTokens := make([][]string, len(existing))
	for i, e := range existing {
		existingTokens[i] = search.Tokenize(e.Text)
	}

	result := &Result{}
	for _, src := range sources {
		if result.Sessions >= x.sessionLimit {
			break
		}
		done, err := x.store.SessionExtracted(ctx, src.id)
		if err != nil {
			return result, err
		}
		if done {
			continue
		}
		result.Sessions++

		lessons, err := x.extractSession(ctx, src)
		if err != nil {
			x.logger.Warn("session extraction failed", "session", src.id, "error", err)
			result.Failed++
			continue
		}

		inserted := 0
		for _, lesson := range lessons {
			tokens := search.Tokenize(lesson.Text)
			if isDuplicate(tokens, existingTokens) {
				result.Duplicates++
				continue
			}
			prereq, err := x.enrichPrerequisites(ctx, src.id, lesson.Prerequisites)
			if err != nil {
				return result, err
			}
			prereq.Tags = x.suggestedTags(ctx, lesson.Text, prereq.Tags)
			_, err = x.store.Add(ctx, lesson.Text, lesson.Category, store.AddOptions{
				Source:         types.SourceAuto,
				SourceSessions: []string{src.id},
				Prerequisites:  prereq,
			})
			if err != nil {
				x.logger.Warn("lesson insert failed", "session", src.id, "error", err)
				continue
			}
			existingTokens = append(existingTokens, tokens)
			inserted++
			result.Inserted++
		}

		if err := x.store.MarkSessionExtracted(ctx, src.id, inserted); err != nil {
			return result, err
		}
	}

	if result.Inserted > 0 && x.rebuild != nil {
		if err := x.rebuild(ctx); err != nil {
			return result, fmt.Errorf("rebuild index: %w", err)
		}
	}

	x.logger.Info("extractor run finished",
		"run_id", runID,
		"sessions", result.Sessions,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"failed", result.Failed)
	return result, nil
}

// suggestedTags unions tag-index suggestions for the lesson text into the
// prerequisite tags. A suggestion failure loses only the suggestions.
func (x *Extractor) suggestedTags(ctx context.Context, text string, tags []string) []string {
	if x.suggest == nil {
		return tags
	}
	suggested, err := x.suggest(ctx, text)
	if err != nil {
		x.logger.Warn("tag suggestion failed", "error", err)
		return tags
	}
	if len(suggested) == 0 {
		return tags
	}

	set := make(map[string]struct{}, len(tags)+len(suggested))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, t := range suggested {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// discoverSessions lists session files, facets first, ordered by session id
// for determinism. A session appearing in both directories keeps its facet.
func (x *Extractor) discoverSessions() []sessionSource {
	seen := make(map[string]struct{})
	var out []sessionSource

	add := func(dir, ext string) {
		if dir == "" {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ext)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, sessionSource{id: id, path: filepath.Join(dir, entry.Name())})
		}
	}

	add(x.facetsDir, ".json")
	add(x.transcriptDir, ".jsonl")

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// extractSession reads the session material and asks the model for lessons.
func (x *Extractor) extractSession(ctx context.Context, src sessionSource) ([]types.ExtractedLesson, error) {
	material, err := readSource(src.path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(material) == "" {
		return nil, nil
	}

	out, err := x.client.Complete(ctx, renderPrompt(material))
	if err != nil {
		return nil, err
	}

	var lessons []types.ExtractedLesson
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &lessons); err != nil {
		return nil, fmt.Errorf("parse extractor response: %w", err)
	}

	valid := lessons[:0]
	for _, l := range lessons {
		if strings.TrimSpace(l.Text) == "" || strings.TrimSpace(l.Category) == "" {
			continue
		}
		valid = append(valid, l)
	}
	return valid, nil
}

// enrichPrerequisites unions the session audit's environment tags into the
// lesson's prerequisite tags, so extracted lessons surface first in the kind
// of environment they came from. Sessions without an audit pass through.
func (x *Extractor) enrichPrerequisites(ctx context.Context, session string, prereq types.Prerequisites) (types.Prerequisites, error) {
	audit, err := x.store.SessionAudit(ctx, session)
	if errors.Is(err, store.ErrNotFound) {
		return prereq, nil
	}
	if err != nil {
		return prereq, err
	}

	set := make(map[string]struct{}, len(prereq.Tags)+len(audit.EnvTags))
	for _, t := range prereq.Tags {
		set[t] = struct{}{}
	}
	for _, t := range audit.EnvTags {
		set[t] = struct{}{}
	}
	if len(set) == 0 {
		return prereq, nil
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	prereq.Tags = tags
	return prereq, nil
}

// isDuplicate reports whether tokens overlap an existing engram's tokens at
// or above the Jaccard threshold.
func isDuplicate(tokens []string, pool [][]string) bool {
	for _, other := range pool {
		if jaccard(tokens, other) >= JaccardThreshold {
			return true
		}
	}
	return false
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
