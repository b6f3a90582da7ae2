package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hyperengineering/engrammar/internal/autopin"
	"github.com/hyperengineering/engrammar/internal/types"
)

// EMAAlpha is the smoothing factor for the per-(engram, tag) outcome EMA.
const EMAAlpha = 0.3

// UpdateMatchStats increments the global match counter and the per-repo and
// per-tag-set counters in one transaction. The auto-pin decision observes its
// own counter update, so a match that crosses a threshold pins immediately.
func (s *SQLiteStore) UpdateMatchStats(ctx context.Context, id int64, repo string, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pinned, prereq, err := pinStateTx(ctx, tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE engrams SET times_matched = times_matched + 1, last_matched = ? WHERE id = ?
	`, now, id); err != nil {
		return fmt.Errorf("update match counter: %w", err)
	}

	if repo != "" {
		var repoCount int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO engram_repo_stats (engram_id, repo, count, last_matched)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(engram_id, repo) DO UPDATE SET
				count = count + 1, last_matched = excluded.last_matched
			RETURNING count
		`, id, repo, now).Scan(&repoCount)
		if err != nil {
			return fmt.Errorf("update repo stats: %w", err)
		}

		if !pinned && repoCount >= autopin.RepoPinThreshold {
			prereq.Repos = appendUnique(prereq.Repos, repo)
			prereq.AutoPinned = true
			if err := pinTx(ctx, tx, id, prereq, now); err != nil {
				return err
			}
			pinned = true
		}
	}

	if key := types.TagSetKey(tags); key != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO engram_tagset_stats (engram_id, tag_set, count, last_matched)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(engram_id, tag_set) DO UPDATE SET
				count = count + 1, last_matched = excluded.last_matched
		`, id, key, now); err != nil {
			return fmt.Errorf("update tag-set stats: %w", err)
		}

		if !pinned {
			counts, err := tagSetCountsTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if subset := autopin.MinimalCommonTagSubset(counts); subset != nil {
				prereq.Tags = subset
				prereq.AutoPinned = true
				if err := pinTx(ctx, tx, id, prereq, now); err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateTagRelevance folds raw outcome scores into the per-tag EMA and may
// auto-pin or auto-unpin based on the updated averages. Raw scores are
// clamped to [-1, 1]; evidence counters move only on non-zero raw scores.
func (s *SQLiteStore) UpdateTagRelevance(ctx context.Context, id int64, scores map[string]float64, weight float64) error {
	if len(scores) == 0 {
		return nil
	}
	if weight < 0 {
		weight = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pinned, prereq, err := pinStateTx(ctx, tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tags := make([]string, 0, len(scores))
	for tag := range scores {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		raw := clamp(scores[tag], -1, 1)

		var old float64
		err := tx.QueryRowContext(ctx, `
			SELECT ema FROM tag_relevance WHERE engram_id = ? AND tag = ?
		`, id, tag).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load tag relevance: %w", err)
		}

		ema := clamp(old*(1-EMAAlpha)+raw*EMAAlpha*weight, -1, 1)
		pos, neg := 0, 0
		if raw > 0 {
			pos = 1
		} else if raw < 0 {
			neg = 1
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tag_relevance (engram_id, tag, ema, positive_evals, negative_evals, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(engram_id, tag) DO UPDATE SET
				ema = ?, positive_evals = positive_evals + ?, negative_evals = negative_evals + ?, last_updated = ?
		`, id, tag, ema, pos, neg, now, ema, pos, neg, now); err != nil {
			return fmt.Errorf("upsert tag relevance: %w", err)
		}
	}

	avg, evidence, positiveTags, err := relevanceSummaryTx(ctx, tx, id, tags)
	if err != nil {
		return err
	}

	switch {
	case !pinned && autopin.ShouldPinByEMA(avg, evidence) && len(positiveTags) > 0:
		prereq.Tags = positiveTags
		prereq.AutoPinned = true
		if err := pinTx(ctx, tx, id, prereq, now); err != nil {
			return err
		}
	case pinned && prereq.AutoPinned && autopin.ShouldUnpinByEMA(avg, evidence):
		// Manually pinned engrams never reach here: only auto-pins carry the flag.
		prereq.AutoPinned = false
		if err := unpinTx(ctx, tx, id, prereq, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TagRelevanceFor returns all relevance rows for one engram.
func (s *SQLiteStore) TagRelevanceFor(ctx context.Context, id int64) ([]types.TagRelevance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT engram_id, tag, ema, positive_evals, negative_evals, last_updated
		FROM tag_relevance WHERE engram_id = ? ORDER BY tag
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query tag relevance: %w", err)
	}
	defer rows.Close()
	return scanTagRelevance(rows)
}

// AllTagRelevance returns every relevance row grouped by engram id. The
// retriever uses this to gate an entire candidate set in one query.
func (s *SQLiteStore) AllTagRelevance(ctx context.Context) (map[int64][]types.TagRelevance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT engram_id, tag, ema, positive_evals, negative_evals, last_updated
		FROM tag_relevance ORDER BY engram_id, tag
	`)
	if err != nil {
		return nil, fmt.Errorf("query tag relevance: %w", err)
	}
	defer rows.Close()

	all, err := scanTagRelevance(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]types.TagRelevance)
	for _, r := range all {
		out[r.EngramID] = append(out[r.EngramID], r)
	}
	return out, nil
}

func scanTagRelevance(rows *sql.Rows) ([]types.TagRelevance, error) {
	var out []types.TagRelevance
	for rows.Next() {
		var r types.TagRelevance
		var updated string
		if err := rows.Scan(&r.EngramID, &r.Tag, &r.EMA, &r.PositiveEvals, &r.NegativeEvals, &updated); err != nil {
			return nil, fmt.Errorf("scan tag relevance: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			r.LastUpdated = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- transaction helpers ---

func pinStateTx(ctx context.Context, tx *sql.Tx, id int64) (bool, types.Prerequisites, error) {
	var pinned bool
	var prereqJSON string
	err := tx.QueryRowContext(ctx, `
		SELECT pinned, prerequisites FROM engrams WHERE id = ?
	`, id).Scan(&pinned, &prereqJSON)
	if err == sql.ErrNoRows {
		return false, types.Prerequisites{}, ErrNotFound
	}
	if err != nil {
		return false, types.Prerequisites{}, fmt.Errorf("load pin state: %w", err)
	}
	return pinned, types.ParsePrerequisites([]byte(prereqJSON)), nil
}

func pinTx(ctx context.Context, tx *sql.Tx, id int64, prereq types.Prerequisites, now string) error {
	prereqJSON, err := json.Marshal(prereq)
	if err != nil {
		return fmt.Errorf("marshal prerequisites: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE engrams SET pinned = 1, prerequisites = ?, updated_at = ? WHERE id = ?
	`, string(prereqJSON), now, id); err != nil {
		return fmt.Errorf("auto-pin engram: %w", err)
	}
	return nil
}

func unpinTx(ctx context.Context, tx *sql.Tx, id int64, prereq types.Prerequisites, now string) error {
	prereqJSON, err := json.Marshal(prereq)
	if err != nil {
		return fmt.Errorf("marshal prerequisites: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE engrams SET pinned = 0, prerequisites = ?, updated_at = ? WHERE id = ?
	`, string(prereqJSON), now, id); err != nil {
		return fmt.Errorf("auto-unpin engram: %w", err)
	}
	return nil
}

func tagSetCountsTx(ctx context.Context, tx *sql.Tx, id int64) ([]autopin.TagSetCount, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT tag_set, count FROM engram_tagset_stats WHERE engram_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query tag-set stats: %w", err)
	}
	defer rows.Close()

	var counts []autopin.TagSetCount
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan tag-set stat: %w", err)
		}
		counts = append(counts, autopin.TagSetCount{Tags: types.SplitTagSetKey(key), Count: n})
	}
	return counts, rows.Err()
}

// relevanceSummaryTx averages the EMA over the requested tags (missing rows
// count as zero, and the denominator is the requested-tag count), sums their
// evidence, and returns the requested tags with a positive EMA sorted.
func relevanceSummaryTx(ctx context.Context, tx *sql.Tx, id int64, requested []string) (avg float64, evidence int, positiveTags []string, err error) {
	if len(requested) == 0 {
		return 0, 0, nil, nil
	}

	var sum float64
	for _, tag := range requested {
		var ema float64
		var pos, neg int
		err := tx.QueryRowContext(ctx, `
			SELECT ema, positive_evals, negative_evals FROM tag_relevance WHERE engram_id = ? AND tag = ?
		`, id, tag).Scan(&ema, &pos, &neg)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, 0, nil, fmt.Errorf("query tag relevance: %w", err)
		}
		sum += ema
		evidence += pos + neg
		if ema > 0 {
			positiveTags = append(positiveTags, tag)
		}
	}
	avg = sum / float64(len(requested))
	sort.Strings(positiveTags)
	return avg, evidence, positiveTags, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	out := append(append([]string(nil), list...), v)
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
