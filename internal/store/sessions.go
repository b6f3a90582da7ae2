package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/engrammar/internal/types"
)

// MaxSessionRetries bounds evaluator retries per session. A session that
// fails this many times is abandoned and counted as terminal.
const MaxSessionRetries = 3

// RecordShown marks an engram as surfaced during a session. Re-showing the
// same engram in the same session is a no-op.
func (s *SQLiteStore) RecordShown(ctx context.Context, session string, id int64, hookEvent string) error {
	if session == "" {
		return ErrSessionRequired
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shown_lessons (session_id, engram_id, hook_event, shown_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, engram_id) DO NOTHING
	`, session, id, hookEvent, now)
	if err != nil {
		return fmt.Errorf("record shown lesson: %w", err)
	}
	return nil
}

// ShownEngrams lists the engrams surfaced during a session, in show order.
func (s *SQLiteStore) ShownEngrams(ctx context.Context, session string) ([]types.ShownLesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, engram_id, hook_event, shown_at
		FROM shown_lessons WHERE session_id = ? ORDER BY shown_at, engram_id
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query shown lessons: %w", err)
	}
	defer rows.Close()

	var out []types.ShownLesson
	for rows.Next() {
		var l types.ShownLesson
		var shown string
		if err := rows.Scan(&l.SessionID, &l.EngramID, &l.HookEvent, &shown); err != nil {
			return nil, fmt.Errorf("scan shown lesson: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, shown); err == nil {
			l.ShownAt = t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ClearShown removes the shown-lesson rows for a session, typically after
// they have been folded into the session audit.
func (s *SQLiteStore) ClearShown(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM shown_lessons WHERE session_id = ?
	`, session); err != nil {
		return fmt.Errorf("clear shown lessons: %w", err)
	}
	return nil
}

// WriteSessionAudit persists the end-of-session snapshot. Audits are
// write-once: a second write for the same session id is silently ignored so
// duplicate end-of-session hooks cannot clobber the original snapshot.
func (s *SQLiteStore) WriteSessionAudit(ctx context.Context, audit types.SessionAudit) error {
	if audit.SessionID == "" {
		return ErrSessionRequired
	}

	ids := audit.ShownEngramIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal shown ids: %w", err)
	}
	tags := audit.EnvTags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal env tags: %w", err)
	}

	created := audit.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO session_audits (session_id, shown_engram_ids, env_tags, repo, transcript_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, audit.SessionID, string(idsJSON), string(tagsJSON), audit.Repo, audit.TranscriptPath,
		created.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write session audit: %w", err)
	}
	return nil
}

// SessionAudit loads the audit snapshot for one session, or ErrNotFound.
func (s *SQLiteStore) SessionAudit(ctx context.Context, session string) (*types.SessionAudit, error) {
	var a types.SessionAudit
	var idsJSON, tagsJSON, created string
	var repo, transcript sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, shown_engram_ids, env_tags, repo, transcript_path, created_at
		FROM session_audits WHERE session_id = ?
	`, session).Scan(&a.SessionID, &idsJSON, &tagsJSON, &repo, &transcript, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session audit: %w", err)
	}
	if json.Unmarshal([]byte(idsJSON), &a.ShownEngramIDs) != nil {
		a.ShownEngramIDs = []int64{}
	}
	if json.Unmarshal([]byte(tagsJSON), &a.EnvTags) != nil {
		a.EnvTags = []string{}
	}
	a.Repo = repo.String
	a.TranscriptPath = transcript.String
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// SessionExtracted reports whether the extractor has already consumed the
// session.
func (s *SQLiteStore) SessionExtracted(ctx context.Context, session string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM extracted_sessions WHERE session_id = ?
	`, session).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query extracted session: %w", err)
	}
	return n > 0, nil
}

// MarkSessionExtracted records the extractor's consumption of a session.
// Idempotent; the first write wins.
func (s *SQLiteStore) MarkSessionExtracted(ctx context.Context, session string, lessons int) error {
	if session == "" {
		return ErrSessionRequired
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO extracted_sessions (session_id, lesson_count, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, session, lessons, now); err != nil {
		return fmt.Errorf("mark session extracted: %w", err)
	}
	return nil
}

// UnprocessedAudits returns audits not yet evaluated to completion, oldest
// first. Sessions with a completed marker or an exhausted retry budget are
// excluded; failed sessions under the budget come back for another attempt.
func (s *SQLiteStore) UnprocessedAudits(ctx context.Context, limit int) ([]types.SessionAudit, error) {
	q := `
		SELECT a.session_id, a.shown_engram_ids, a.env_tags, a.repo, a.transcript_path, a.created_at
		FROM session_audits a
		LEFT JOIN processed_sessions p ON p.session_id = a.session_id
		WHERE p.session_id IS NULL
		   OR (p.status = ? AND p.retry_count < ?)
		ORDER BY a.created_at, a.session_id
	`
	args := []any{string(types.SessionFailed), MaxSessionRetries}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed audits: %w", err)
	}
	defer rows.Close()

	var out []types.SessionAudit
	for rows.Next() {
		var a types.SessionAudit
		var idsJSON, tagsJSON, created string
		var repo, transcript sql.NullString
		if err := rows.Scan(&a.SessionID, &idsJSON, &tagsJSON, &repo, &transcript, &created); err != nil {
			return nil, fmt.Errorf("scan session audit: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &a.ShownEngramIDs); err != nil {
			a.ShownEngramIDs = []int64{}
		}
		if err := json.Unmarshal([]byte(tagsJSON), &a.EnvTags); err != nil {
			a.EnvTags = []string{}
		}
		a.Repo = repo.String
		a.TranscriptPath = transcript.String
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSessionProcessed records the terminal state of an evaluation attempt.
// A failed attempt increments the retry counter; a completed attempt resets
// the row to completed regardless of prior failures.
func (s *SQLiteStore) MarkSessionProcessed(ctx context.Context, session string, status types.SessionStatus) error {
	if session == "" {
		return ErrSessionRequired
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var err error
	if status == types.SessionFailed {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO processed_sessions (session_id, status, retry_count, processed_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status = excluded.status, retry_count = retry_count + 1, processed_at = excluded.processed_at
		`, session, string(status), now)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO processed_sessions (session_id, status, retry_count, processed_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status = excluded.status, processed_at = excluded.processed_at
		`, session, string(status), now)
	}
	if err != nil {
		return fmt.Errorf("mark session processed: %w", err)
	}
	return nil
}

// ProcessedSession returns the processing marker for a session, or
// ErrNotFound when the session has never been attempted.
func (s *SQLiteStore) ProcessedSession(ctx context.Context, session string) (*types.ProcessedSession, error) {
	var p types.ProcessedSession
	var status, processed string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, retry_count, processed_at
		FROM processed_sessions WHERE session_id = ?
	`, session).Scan(&p.SessionID, &status, &p.RetryCount, &processed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query processed session: %w", err)
	}
	p.Status = types.SessionStatus(status)
	if t, err := time.Parse(time.RFC3339, processed); err == nil {
		p.ProcessedAt = t
	}
	return &p, nil
}
