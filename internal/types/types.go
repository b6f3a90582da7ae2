package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Source identifies how an engram entered the store.
type Source string

const (
	SourceManual   Source = "manual"
	SourceAuto     Source = "auto-extracted"
	SourceFeedback Source = "feedback"
)

// Engram is one short, reusable lesson with provenance, prerequisites and
// match statistics.
type Engram struct {
	ID              int64         `json:"id"`
	Text            string        `json:"text"`
	Category        string        `json:"category"`
	ExtraCategories []string      `json:"extra_categories,omitempty"`
	Source          Source        `json:"source"`
	SourceSessions  []string      `json:"source_sessions"`
	OccurrenceCount int           `json:"occurrence_count"`
	Deprecated      bool          `json:"deprecated"`
	Pinned          bool          `json:"pinned"`
	DedupVerified   bool          `json:"dedup_verified"`
	Prerequisites   Prerequisites `json:"prerequisites"`
	TimesMatched    int64         `json:"times_matched"`
	LastMatched     *time.Time    `json:"last_matched,omitempty"`
	MergedInto      *int64        `json:"merged_into,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MarshalJSON ensures nil slices in Engram marshal as [] not null.
func (e Engram) MarshalJSON() ([]byte, error) {
	if e.SourceSessions == nil {
		e.SourceSessions = []string{}
	}
	type Alias Engram
	return json.Marshal(Alias(e))
}

// Prerequisites is a structured predicate over the environment. All populated
// keys must hold for the prerequisite set to match (strict AND). An empty set
// matches any environment.
type Prerequisites struct {
	OS         []string `json:"os,omitempty"`
	Repos      []string `json:"repos,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	AutoPinned bool     `json:"auto_pinned,omitempty"`
}

// IsEmpty reports whether no prerequisite key is populated.
func (p Prerequisites) IsEmpty() bool {
	return len(p.OS) == 0 && len(p.Repos) == 0 && len(p.Paths) == 0 &&
		len(p.MCPServers) == 0 && len(p.Tags) == 0 && !p.AutoPinned
}

// Matches evaluates the prerequisite set against an environment.
// Semantics per key:
//   - os: environment's os must be one of the listed values
//   - repos: environment's repo must be non-empty and listed (fail closed)
//   - mcp_servers: every listed plug-in must be present
//   - paths: cwd must start with one of the listed prefixes
//   - tags: every listed tag must be present in the environment's tag set
func (p Prerequisites) Matches(env Environment) bool {
	if len(p.OS) > 0 && !containsFold(p.OS, env.OS) {
		return false
	}
	if len(p.Repos) > 0 {
		if env.Repo == "" || !contains(p.Repos, env.Repo) {
			return false
		}
	}
	if len(p.MCPServers) > 0 {
		for _, s := range p.MCPServers {
			if !contains(env.MCPServers, s) {
				return false
			}
		}
	}
	if len(p.Paths) > 0 {
		ok := false
		for _, prefix := range p.Paths {
			if strings.HasPrefix(env.CWD, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(p.Tags) > 0 {
		for _, t := range p.Tags {
			if !contains(env.Tags, t) {
				return false
			}
		}
	}
	return true
}

// StructuralMatches evaluates every prerequisite key except tags. The
// retriever gates on structure first and treats declared tags as a learned
// relevance signal instead of a hard filter.
func (p Prerequisites) StructuralMatches(env Environment) bool {
	q := p
	q.Tags = nil
	return q.Matches(env)
}

// ParsePrerequisites decodes a serialized prerequisite set. A malformed
// payload (non-object, unparsable string, wrong value shapes) is treated as
// no prerequisites. Unknown keys are ignored; "repo" is accepted as an alias
// for "repos"; scalar values are accepted where lists are expected.
func ParsePrerequisites(raw []byte) Prerequisites {
	if len(raw) == 0 {
		return Prerequisites{}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Tolerate a doubly-encoded JSON string.
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return Prerequisites{}
		}
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return Prerequisites{}
		}
	}

	var p Prerequisites
	p.OS = stringList(obj["os"])
	p.Repos = stringList(obj["repos"])
	if len(p.Repos) == 0 {
		p.Repos = stringList(obj["repo"])
	}
	p.Paths = stringList(obj["paths"])
	p.MCPServers = stringList(obj["mcp_servers"])
	p.Tags = stringList(obj["tags"])
	if rawPin, ok := obj["auto_pinned"]; ok {
		_ = json.Unmarshal(rawPin, &p.AutoPinned)
	}
	return p
}

// stringList decodes a JSON value that is either a string or a list of
// strings. Anything else yields nil.
func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Environment describes the working context prerequisite checks run against.
// An empty Repo means detection failed; repo prerequisites fail closed on it.
type Environment struct {
	OS         string   `json:"os"`
	Repo       string   `json:"repo,omitempty"`
	CWD        string   `json:"cwd"`
	MCPServers []string `json:"mcp_servers,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// HasTag reports whether the environment carries the given tag.
func (e Environment) HasTag(tag string) bool {
	return contains(e.Tags, tag)
}

// TagSetKey serializes an environment tag set for per-tag-set statistics:
// sorted, unique, comma-joined.
func TagSetKey(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	uniq := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t != "" {
			uniq[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(uniq))
	for t := range uniq {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// SplitTagSetKey is the inverse of TagSetKey.
func SplitTagSetKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ",")
}

// TagRelevance is the learned per-(engram, tag) outcome signal: a clamped
// exponential moving average plus evidence counters.
type TagRelevance struct {
	EngramID      int64      `json:"engram_id"`
	Tag           string     `json:"tag"`
	EMA           float64    `json:"ema"`
	PositiveEvals int        `json:"positive_evals"`
	NegativeEvals int        `json:"negative_evals"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
}

// Evidence is the total evaluation count backing the EMA.
func (t TagRelevance) Evidence() int {
	return t.PositiveEvals + t.NegativeEvals
}

// RepoStat is a per-(engram, repo) match counter.
type RepoStat struct {
	EngramID    int64
	Repo        string
	Count       int64
	LastMatched time.Time
}

// TagSetStat is a per-(engram, exact tag set) match counter.
type TagSetStat struct {
	EngramID    int64
	TagSetKey   string
	Count       int64
	LastMatched time.Time
}

// SessionAudit is the write-once ledger entry recorded at session end.
type SessionAudit struct {
	SessionID      string    `json:"session_id"`
	ShownEngramIDs []int64   `json:"shown_engram_ids"`
	EnvTags        []string  `json:"env_tags"`
	Repo           string    `json:"repo,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionStatus is the terminal state of a processed session.
type SessionStatus string

const (
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ProcessedSession marks a session the evaluator or extractor has handled.
type ProcessedSession struct {
	SessionID   string        `json:"session_id"`
	Status      SessionStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// ShownLesson records an engram surfaced during a live session.
type ShownLesson struct {
	SessionID string    `json:"session_id"`
	EngramID  int64     `json:"engram_id"`
	HookEvent string    `json:"hook_event"`
	ShownAt   time.Time `json:"shown_at"`
}

// SearchResult is an engram paired with its fused retrieval score.
type SearchResult struct {
	Engram
	Score float64 `json:"score"`
}

// MarshalJSON flattens the engram fields next to the score. Without it the
// embedded Engram marshaler is promoted and the score never reaches the wire.
func (r SearchResult) MarshalJSON() ([]byte, error) {
	e := r.Engram
	if e.SourceSessions == nil {
		e.SourceSessions = []string{}
	}
	type Alias Engram
	return json.Marshal(struct {
		Alias
		Score float64 `json:"score"`
	}{Alias(e), r.Score})
}

// --- Sum-typed external LLM responses ---

// DedupGroup is one merge proposal from the dedup scorer.
type DedupGroup struct {
	IDs           []int64 `json:"ids"`
	CanonicalText string  `json:"canonical_text"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason,omitempty"`
}

// DedupResponse is the parsed dedup scorer output: merge groups plus the ids
// the scorer explicitly declined to merge. Missing keys decode as empty.
type DedupResponse struct {
	Groups     []DedupGroup `json:"groups"`
	NoMatchIDs []int64      `json:"no_match_ids"`
}

// TagScoresEntry is one engram's outcome scores from the relevance scorer.
// Raw scores are in [-1, 1] per tag.
type TagScoresEntry struct {
	EngramID  int64              `json:"engram_id"`
	TagScores map[string]float64 `json:"tag_scores"`
	Reason    string             `json:"reason,omitempty"`
}

// EvaluatorResponse is the parsed relevance scorer output.
type EvaluatorResponse []TagScoresEntry

// ExtractedLesson is one lesson proposed by the extraction scorer.
type ExtractedLesson struct {
	Text          string        `json:"text"`
	Category      string        `json:"category"`
	Prerequisites Prerequisites `json:"prerequisites,omitempty"`
}
