package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/engrammar/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed engram database. A single file in WAL
// mode serializes the daemon and short-lived maintenance subprocesses.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const engramColumns = `id, text, category, source, source_sessions, occurrence_count,
	deprecated, pinned, dedup_verified, prerequisites, times_matched,
	last_matched, merged_into, created_at, updated_at`

// scanEngram scans a row into an Engram, decoding JSON columns leniently.
func scanEngram(scanner interface{ Scan(...any) error }) (*types.Engram, error) {
	var e types.Engram
	var sessionsJSON, prereqJSON string
	var createdAt, updatedAt string
	var lastMatched sql.NullString
	var mergedInto sql.NullInt64

	err := scanner.Scan(
		&e.ID,
		&e.Text,
		&e.Category,
		&e.Source,
		&sessionsJSON,
		&e.OccurrenceCount,
		&e.Deprecated,
		&e.Pinned,
		&e.DedupVerified,
		&prereqJSON,
		&e.TimesMatched,
		&lastMatched,
		&mergedInto,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sessionsJSON != "" {
		if err := json.Unmarshal([]byte(sessionsJSON), &e.SourceSessions); err != nil {
			return nil, fmt.Errorf("parse source sessions JSON: %w", err)
		}
	}
	e.Prerequisites = types.ParsePrerequisites([]byte(prereqJSON))

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if lastMatched.Valid {
		if t, err := time.Parse(time.RFC3339, lastMatched.String); err == nil {
			e.LastMatched = &t
		}
	}
	if mergedInto.Valid {
		v := mergedInto.Int64
		e.MergedInto = &v
	}

	return &e, nil
}

// Add inserts a new engram and returns its id. The primary category plus any
// extra categories are recorded in the junction table; category nodes are
// created lazily.
func (s *SQLiteStore) Add(ctx context.Context, text, category string, opts AddOptions) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyText
	}
	category = NormalizeCategory(category)
	if category == "" {
		return 0, ErrEmptyCategory
	}

	source := opts.Source
	if source == "" {
		source = types.SourceManual
	}
	occurrence := opts.OccurrenceCount
	if occurrence <= 0 {
		occurrence = 1
	}
	sessions := opts.SourceSessions
	if sessions == nil {
		sessions = []string{}
	}
	sessionsJSON, err := json.Marshal(sessions)
	if err != nil {
		return 0, fmt.Errorf("marshal source sessions: %w", err)
	}
	prereqJSON, err := json.Marshal(opts.Prerequisites)
	if err != nil {
		return 0, fmt.Errorf("marshal prerequisites: %w", err)
	}

	level1, level2, level3 := CategoryLevels(category)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO engrams (
			text, category, level1, level2, level3, source, source_sessions,
			occurrence_count, pinned, prerequisites, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, text, category, level1, level2, level3, source, string(sessionsJSON),
		occurrence, boolInt(opts.Pinned), string(prereqJSON), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert engram: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if err := linkCategory(ctx, tx, id, category, true, now); err != nil {
		return 0, err
	}
	for _, extra := range opts.ExtraCategories {
		extra = NormalizeCategory(extra)
		if extra == "" || extra == category {
			continue
		}
		if err := linkCategory(ctx, tx, id, extra, false, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// linkCategory ensures the category node exists and links the engram to it.
func linkCategory(ctx context.Context, tx *sql.Tx, engramID int64, path string, primary bool, now string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO categories (path, created_at) VALUES (?, ?)
		ON CONFLICT(path) DO NOTHING
	`, path, now); err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO engram_categories (engram_id, path, is_primary) VALUES (?, ?, ?)
		ON CONFLICT(engram_id, path) DO UPDATE SET is_primary = excluded.is_primary
	`, engramID, path, boolInt(primary)); err != nil {
		return fmt.Errorf("link category: %w", err)
	}
	return nil
}

// Get retrieves an engram by id, including extra categories.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*types.Engram, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+engramColumns+` FROM engrams WHERE id = ?`, id)
	e, err := scanEngram(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan engram: %w", err)
	}
	extras, err := s.extraCategories(ctx, id)
	if err != nil {
		return nil, err
	}
	e.ExtraCategories = extras
	return e, nil
}

func (s *SQLiteStore) extraCategories(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM engram_categories
		WHERE engram_id = ? AND is_primary = 0
		ORDER BY path
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query extra categories: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan category path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// List returns engrams matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]types.Engram, error) {
	var conds []string
	var args []any

	if !filter.IncludeDeleted {
		conds = append(conds, "deprecated = 0")
	}
	if filter.PinnedOnly {
		conds = append(conds, "pinned = 1")
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(filter.Source))
	}
	if prefix := NormalizeCategory(filter.CategoryPrefix); prefix != "" {
		conds = append(conds, "(category = ? OR category LIKE ?)")
		args = append(args, prefix, prefix+"/%")
	}

	query := `SELECT ` + engramColumns + ` FROM engrams`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryEngrams(ctx, query, args...)
}

// ActiveEngrams loads all non-deprecated engrams with decoded prerequisites
// and extra categories attached.
func (s *SQLiteStore) ActiveEngrams(ctx context.Context) ([]types.Engram, error) {
	engrams, err := s.queryEngrams(ctx,
		`SELECT `+engramColumns+` FROM engrams WHERE deprecated = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	if err := s.attachExtraCategories(ctx, engrams); err != nil {
		return nil, err
	}
	return engrams, nil
}

// attachExtraCategories bulk-loads non-primary category links for a result
// set in one query.
func (s *SQLiteStore) attachExtraCategories(ctx context.Context, engrams []types.Engram) error {
	if len(engrams) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT engram_id, path FROM engram_categories
		WHERE is_primary = 0 ORDER BY engram_id, path
	`)
	if err != nil {
		return fmt.Errorf("query extra categories: %w", err)
	}
	defer rows.Close()

	extras := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return fmt.Errorf("scan category path: %w", err)
		}
		extras[id] = append(extras[id], path)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range engrams {
		if paths, ok := extras[engrams[i].ID]; ok {
			engrams[i].ExtraCategories = paths
		}
	}
	return nil
}

// PinnedEngrams loads all active pinned engrams.
func (s *SQLiteStore) PinnedEngrams(ctx context.Context) ([]types.Engram, error) {
	return s.queryEngrams(ctx,
		`SELECT `+engramColumns+` FROM engrams WHERE deprecated = 0 AND pinned = 1 ORDER BY id`)
}

func (s *SQLiteStore) queryEngrams(ctx context.Context, query string, args ...any) ([]types.Engram, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query engrams: %w", err)
	}
	defer rows.Close()

	var out []types.Engram
	for rows.Next() {
		e, err := scanEngram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engram: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engrams: %w", err)
	}
	return out, nil
}

// Deprecate soft-deletes an engram. Idempotent; the row never returns to
// retrieval.
func (s *SQLiteStore) Deprecate(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE engrams SET deprecated = 1, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("deprecate engram: %w", err)
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

// Update applies a partial mutation. On category change the junction table is
// re-synced: the old primary link is removed and the new one added. Callers
// changing text are expected to rebuild the vector index afterwards.
func (s *SQLiteStore) Update(ctx context.Context, id int64, req UpdateRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldCategory string
	err = tx.QueryRowContext(ctx, `SELECT category FROM engrams WHERE id = ?`, id).Scan(&oldCategory)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load engram: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var sets []string
	var args []any

	if req.Text != nil {
		if strings.TrimSpace(*req.Text) == "" {
			return ErrEmptyText
		}
		sets = append(sets, "text = ?")
		args = append(args, *req.Text)
	}

	var newCategory string
	if req.Category != nil {
		newCategory = NormalizeCategory(*req.Category)
		if newCategory == "" {
			return ErrEmptyCategory
		}
		level1, level2, level3 := CategoryLevels(newCategory)
		sets = append(sets, "category = ?", "level1 = ?", "level2 = ?", "level3 = ?")
		args = append(args, newCategory, level1, level2, level3)
	}

	if req.RawPrerequisites != nil {
		p := types.ParsePrerequisites(req.RawPrerequisites)
		req.Prerequisites = &p
	}
	if req.Prerequisites != nil {
		prereqJSON, err := json.Marshal(*req.Prerequisites)
		if err != nil {
			return fmt.Errorf("marshal prerequisites: %w", err)
		}
		sets = append(sets, "prerequisites = ?")
		args = append(args, string(prereqJSON))
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	if _, err := tx.ExecContext(ctx,
		`UPDATE engrams SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update engram: %w", err)
	}

	if newCategory != "" && newCategory != oldCategory {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM engram_categories WHERE engram_id = ? AND path = ? AND is_primary = 1
		`, id, oldCategory); err != nil {
			return fmt.Errorf("unlink old category: %w", err)
		}
		if err := linkCategory(ctx, tx, id, newCategory, true, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Pin marks an engram as manually pinned.
func (s *SQLiteStore) Pin(ctx context.Context, id int64) error {
	return s.setPinned(ctx, id, true)
}

// Unpin clears the pinned flag and any auto-pin marker.
func (s *SQLiteStore) Unpin(ctx context.Context, id int64) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	prereq := e.Prerequisites
	prereq.AutoPinned = false
	prereqJSON, err := json.Marshal(prereq)
	if err != nil {
		return fmt.Errorf("marshal prerequisites: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		UPDATE engrams SET pinned = 0, prerequisites = ?, updated_at = ? WHERE id = ?
	`, string(prereqJSON), now, id)
	if err != nil {
		return fmt.Errorf("unpin engram: %w", err)
	}
	return nil
}

func (s *SQLiteStore) setPinned(ctx context.Context, id int64, pinned bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE engrams SET pinned = ?, updated_at = ? WHERE id = ?
	`, boolInt(pinned), now, id)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
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

// Stats returns the aggregate store summary.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		BySource:   map[string]int64{},
		ByCategory: map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN deprecated = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deprecated = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deprecated = 0 AND pinned = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deprecated = 0 AND dedup_verified = 1 THEN 1 ELSE 0 END), 0)
		FROM engrams
	`).Scan(&st.TotalEngrams, &st.ActiveEngrams, &st.DeprecatedEngrams, &st.PinnedEngrams, &st.VerifiedEngrams)
	if err != nil {
		return nil, fmt.Errorf("aggregate counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM engrams WHERE deprecated = 0 GROUP BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int64
		if err := rows.Scan(&src, &n); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		st.BySource[src] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	catRows, err := s.db.QueryContext(ctx, `
		SELECT level1, COUNT(*) FROM engrams WHERE deprecated = 0 GROUP BY level1
	`)
	if err != nil {
		return nil, fmt.Errorf("category counts: %w", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var cat sql.NullString
		var n int64
		if err := catRows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		if cat.Valid && cat.String != "" {
			st.ByCategory[cat.String] = n
		}
	}
	if err := catRows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_audits a
		WHERE NOT EXISTS (
			SELECT 1 FROM processed_sessions p
			WHERE p.session_id = a.session_id AND (p.status = 'completed' OR p.retry_count >= 3)
		)
	`).Scan(&st.PendingSessions)
	if err != nil {
		return nil, fmt.Errorf("pending sessions: %w", err)
	}

	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
