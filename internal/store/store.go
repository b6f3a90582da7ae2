package store

import (
	"context"

	"github.com/hyperengineering/engrammar/internal/types"
)

// AddOptions carries the optional fields of a new engram.
type AddOptions struct {
	Source          types.Source
	SourceSessions  []string
	ExtraCategories []string
	Prerequisites   types.Prerequisites
	Pinned          bool
	OccurrenceCount int
}

// UpdateRequest is a partial engram mutation. Nil fields are left untouched.
// RawPrerequisites takes precedence over Prerequisites when both are set and
// is decoded leniently (malformed input means no prerequisites).
type UpdateRequest struct {
	Text             *string
	Category         *string
	Prerequisites    *types.Prerequisites
	RawPrerequisites []byte
}

// ListFilter narrows List results.
type ListFilter struct {
	CategoryPrefix string
	PinnedOnly     bool
	Source         types.Source
	IncludeDeleted bool
	Limit          int
}

// Stats is the aggregate store summary surfaced by the CLI.
type Stats struct {
	TotalEngrams      int64            `json:"total_engrams"`
	ActiveEngrams     int64            `json:"active_engrams"`
	DeprecatedEngrams int64            `json:"deprecated_engrams"`
	PinnedEngrams     int64            `json:"pinned_engrams"`
	VerifiedEngrams   int64            `json:"verified_engrams"`
	BySource          map[string]int64 `json:"by_source"`
	ByCategory        map[string]int64 `json:"by_category"`
	PendingSessions   int64            `json:"pending_sessions"`
}

// Store defines the interface contract for all engram storage operations.
type Store interface {
	Add(ctx context.Context, text, category string, opts AddOptions) (int64, error)
	Get(ctx context.Context, id int64) (*types.Engram, error)
	List(ctx context.Context, filter ListFilter) ([]types.Engram, error)
	ActiveEngrams(ctx context.Context) ([]types.Engram, error)
	PinnedEngrams(ctx context.Context) ([]types.Engram, error)
	Deprecate(ctx context.Context, id int64) error
	Update(ctx context.Context, id int64, req UpdateRequest) error
	Pin(ctx context.Context, id int64) error
	Unpin(ctx context.Context, id int64) error

	UpdateMatchStats(ctx context.Context, id int64, repo string, tags []string) error
	UpdateTagRelevance(ctx context.Context, id int64, scores map[string]float64, weight float64) error
	TagRelevanceFor(ctx context.Context, id int64) ([]types.TagRelevance, error)
	AllTagRelevance(ctx context.Context) (map[int64][]types.TagRelevance, error)

	RecordShown(ctx context.Context, session string, id int64, hookEvent string) error
	ShownEngrams(ctx context.Context, session string) ([]types.ShownLesson, error)
	ClearShown(ctx context.Context, session string) error
	WriteSessionAudit(ctx context.Context, audit types.SessionAudit) error
	SessionAudit(ctx context.Context, session string) (*types.SessionAudit, error)
	SessionExtracted(ctx context.Context, session string) (bool, error)
	MarkSessionExtracted(ctx context.Context, session string, lessons int) error
	UnprocessedAudits(ctx context.Context, limit int) ([]types.SessionAudit, error)
	MarkSessionProcessed(ctx context.Context, session string, status types.SessionStatus) error
	ProcessedSession(ctx context.Context, session string) (*types.ProcessedSession, error)

	UnverifiedEngrams(ctx context.Context, limit int) ([]types.Engram, error)
	VerifiedEngrams(ctx context.Context) ([]types.Engram, error)
	MarkDedupVerified(ctx context.Context, ids []int64) error
	RecordDedupError(ctx context.Context, id int64, msg string) error
	MergeGroup(ctx context.Context, survivor int64, absorbed []int64, canonicalText, runID string, confidence float64, reason string) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
