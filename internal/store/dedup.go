package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/engrammar/internal/types"
)

// UnverifiedEngrams returns active engrams not yet verified by a dedup pass,
// oldest first so incremental runs drain the backlog in insertion order.
func (s *SQLiteStore) UnverifiedEngrams(ctx context.Context, limit int) ([]types.Engram, error) {
	q := `SELECT ` + engramColumns + ` FROM engrams WHERE deprecated = 0 AND dedup_verified = 0 ORDER BY id`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEngrams(ctx, q, args...)
}

// VerifiedEngrams returns the active engrams already cleared by dedup. This
// is the comparison pool incremental runs check new engrams against.
func (s *SQLiteStore) VerifiedEngrams(ctx context.Context) ([]types.Engram, error) {
	return s.queryEngrams(ctx,
		`SELECT `+engramColumns+` FROM engrams WHERE deprecated = 0 AND dedup_verified = 1 ORDER BY id`)
}

// MarkDedupVerified flags engrams as checked for duplicates.
func (s *SQLiteStore) MarkDedupVerified(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE engrams SET dedup_verified = 1, dedup_error = NULL, updated_at = ? WHERE id IN (`+placeholders+`)`,
		args...); err != nil {
		return fmt.Errorf("mark dedup verified: %w", err)
	}
	return nil
}

// RecordDedupError stores the last dedup failure for an engram without
// marking it verified, so the next run retries it.
func (s *SQLiteStore) RecordDedupError(ctx context.Context, id int64, msg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE engrams SET dedup_error = ?, updated_at = ? WHERE id = ?
	`, msg, now, id)
	if err != nil {
		return fmt.Errorf("record dedup error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeGroup collapses a duplicate group into the survivor in one
// transaction: the survivor takes the canonical text, the union of source
// sessions, and the summed occurrence count; absorbed engrams are deprecated
// with merged_into pointing at the survivor. Engrams previously merged into
// an absorbed engram are re-pointed at the new survivor so merge chains stay
// one hop deep.
func (s *SQLiteStore) MergeGroup(ctx context.Context, survivor int64, absorbed []int64, canonicalText, runID string, confidence float64, reason string) error {
	if len(absorbed) == 0 {
		return ErrInvalidMerge
	}
	for _, id := range absorbed {
		if id == survivor {
			return ErrInvalidMerge
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessions, occurrences, err := mergeSourcesTx(ctx, tx, survivor)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range absorbed {
		absorbedSessions, absorbedOccurrences, err := mergeSourcesTx(ctx, tx, id)
		if err != nil {
			return err
		}
		for s := range absorbedSessions {
			sessions[s] = struct{}{}
		}
		occurrences += absorbedOccurrences

		if _, err := tx.ExecContext(ctx, `
			UPDATE engrams SET deprecated = 1, merged_into = ?, dedup_run_id = ?,
				dedup_confidence = ?, dedup_reason = ?, updated_at = ?
			WHERE id = ?
		`, survivor, runID, confidence, reason, now, id); err != nil {
			return fmt.Errorf("absorb engram %d: %w", id, err)
		}
	}

	union := make([]string, 0, len(sessions))
	for s := range sessions {
		union = append(union, s)
	}
	sort.Strings(union)
	sessionsJSON, err := json.Marshal(union)
	if err != nil {
		return fmt.Errorf("marshal source sessions: %w", err)
	}

	text := strings.TrimSpace(canonicalText)
	if text == "" {
		// Keep the survivor's own text when the merge carries none.
		if err := tx.QueryRowContext(ctx, `SELECT text FROM engrams WHERE id = ?`, survivor).Scan(&text); err != nil {
			return fmt.Errorf("load survivor text: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE engrams SET text = ?, source_sessions = ?, occurrence_count = ?,
			dedup_verified = 1, dedup_run_id = ?, dedup_confidence = ?, dedup_reason = ?,
			dedup_error = NULL, updated_at = ?
		WHERE id = ?
	`, text, string(sessionsJSON), occurrences, runID, confidence, reason, now, survivor); err != nil {
		return fmt.Errorf("update survivor: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(absorbed)), ",")
	args := make([]any, 0, len(absorbed)+2)
	args = append(args, survivor, now)
	for _, id := range absorbed {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE engrams SET merged_into = ?, updated_at = ? WHERE merged_into IN (`+placeholders+`)`,
		args...); err != nil {
		return fmt.Errorf("repoint merged engrams: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func mergeSourcesTx(ctx context.Context, tx *sql.Tx, id int64) (map[string]struct{}, int, error) {
	var sessionsJSON string
	var occurrences int
	err := tx.QueryRowContext(ctx, `
		SELECT source_sessions, occurrence_count FROM engrams WHERE id = ?
	`, id).Scan(&sessionsJSON, &occurrences)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load engram %d: %w", id, err)
	}

	set := make(map[string]struct{})
	var sessions []string
	if json.Unmarshal([]byte(sessionsJSON), &sessions) == nil {
		for _, s := range sessions {
			set[s] = struct{}{}
		}
	}
	return set, occurrences, nil
}
