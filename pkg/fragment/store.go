package fragment

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic comparison in SQL consistent with chronological order.
const timeFormat = "2006-01-02 15:04:05.000000000"

// Store is the SQLite-backed fragment store.
//
// It owns the `fragments` table and its FTS5 shadow table. Sibling indices
// share the same database file but own independent tables; the handle is
// exposed through DB() so they can migrate their own namespaces.
type Store struct {
	db   *sql.DB
	path string
}

// CreateParams holds the caller-supplied fields of a new fragment.
type CreateParams struct {
	Content       string
	Category      string
	Type          Type
	SymbolicTags  []string
	Confidence    float64
	NarrativeRole string
}

// Open opens (or creates) the engine database at the given path and
// migrates the fragment namespace.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fragment db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping fragment db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate fragment store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		id                TEXT PRIMARY KEY,
		content           TEXT NOT NULL,
		category          TEXT NOT NULL DEFAULT '',
		fragment_type     TEXT NOT NULL,
		hour_of_day       INTEGER NOT NULL,
		day_of_week       TEXT NOT NULL,
		iso_timestamp     TEXT NOT NULL,
		symbolic_tags     TEXT NOT NULL DEFAULT '[]',
		associative_links TEXT NOT NULL DEFAULT '[]',
		confidence        REAL NOT NULL,
		access_count      INTEGER NOT NULL DEFAULT 0,
		narrative_role    TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		last_evolved      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_created ON fragments(created_at);
	CREATE INDEX IF NOT EXISTS idx_fragments_confidence ON fragments(confidence);

	CREATE VIRTUAL TABLE IF NOT EXISTS fragments_fts USING fts5(
		content,
		content=fragments,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Content is immutable after creation, so only insert/delete need
	// FTS sync triggers.
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS fragments_ai AFTER INSERT ON fragments BEGIN
		INSERT INTO fragments_fts(rowid, content) VALUES (new.rowid, new.content);
	END`)
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS fragments_ad AFTER DELETE ON fragments BEGIN
		INSERT INTO fragments_fts(fragments_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	END`)

	return nil
}

// DB exposes the underlying handle so sibling indices can own their tables
// in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create allocates a new fragment. Confidence is clamped to [0,1].
func (s *Store) Create(ctx context.Context, p CreateParams) (*Fragment, error) {
	now := time.Now().UTC()
	f := &Fragment{
		ID:       uuid.NewString(),
		Content:  p.Content,
		Category: p.Category,
		Type:     p.Type,
		Temporal: TemporalTags{
			Hour:    now.Hour(),
			Weekday: now.Weekday().String(),
			ISO:     now.Format(time.RFC3339),
		},
		SymbolicTags:  append([]string(nil), p.SymbolicTags...),
		Confidence:    clamp01(p.Confidence),
		NarrativeRole: p.NarrativeRole,
		CreatedAt:     now,
		LastEvolved:   now,
	}
	if f.Type == "" {
		f.Type = TypeSemantic
	}

	tagsJSON, _ := json.Marshal(f.SymbolicTags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fragments (id, content, category, fragment_type, hour_of_day, day_of_week,
			iso_timestamp, symbolic_tags, associative_links, confidence, access_count,
			narrative_role, created_at, last_evolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, 0, ?, ?, ?)`,
		f.ID, f.Content, f.Category, string(f.Type), f.Temporal.Hour, f.Temporal.Weekday,
		f.Temporal.ISO, string(tagsJSON), f.Confidence, f.NarrativeRole,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("create fragment: %w", err)
	}

	slog.Debug("fragment created", "id", f.ID, "type", f.Type, "tags", len(f.SymbolicTags))
	return f, nil
}

const fragmentColumns = `id, content, category, fragment_type, hour_of_day, day_of_week,
	iso_timestamp, symbolic_tags, associative_links, confidence, access_count,
	narrative_role, created_at, last_evolved`

// Get returns a fragment by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE id = ?`, id)
	f, err := scanFragment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment %s: %w", id, err)
	}
	return f, nil
}

// GetMany fetches fragments for a list of ids. Missing ids are skipped;
// results are returned in the order they were found.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get fragments by ids: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// Touch increments the access counter. It never mutates content, confidence
// or links, and is safe to call concurrently with reads.
func (s *Store) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fragments SET access_count = access_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touch fragment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLinks appends up to cap new ids to the fragment's associative
// links, deduplicating against existing links, and updates last_evolved.
func (s *Store) AppendLinks(ctx context.Context, id string, links []string, cap int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append links tx: %w", err)
	}
	defer tx.Rollback()

	var linksJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT associative_links FROM fragments WHERE id = ?`, id).Scan(&linksJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read links for %s: %w", id, err)
	}

	var existing []string
	if err := json.Unmarshal([]byte(linksJSON), &existing); err != nil {
		return fmt.Errorf("decode links for %s: %w", id, err)
	}

	seen := make(map[string]bool, len(existing))
	for _, l := range existing {
		seen[l] = true
	}
	seen[id] = true // never link a fragment to itself

	added := 0
	for _, l := range links {
		if added >= cap {
			break
		}
		if seen[l] {
			continue
		}
		existing = append(existing, l)
		seen[l] = true
		added++
	}
	if added == 0 {
		return nil
	}

	updated, _ := json.Marshal(existing)
	if _, err := tx.ExecContext(ctx,
		`UPDATE fragments SET associative_links = ?, last_evolved = ? WHERE id = ?`,
		string(updated), time.Now().UTC().Format(timeFormat), id); err != nil {
		return fmt.Errorf("append links to %s: %w", id, err)
	}
	return tx.Commit()
}

// Decay adds delta (may be negative) to the fragment's confidence, clamped
// to [0,1], and updates last_evolved.
func (s *Store) Decay(ctx context.Context, id string, delta float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decay tx: %w", err)
	}
	defer tx.Rollback()

	var conf float64
	err = tx.QueryRowContext(ctx, `SELECT confidence FROM fragments WHERE id = ?`, id).Scan(&conf)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read confidence for %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE fragments SET confidence = ?, last_evolved = ? WHERE id = ?`,
		clamp01(conf+delta), time.Now().UTC().Format(timeFormat), id); err != nil {
		return fmt.Errorf("decay fragment %s: %w", id, err)
	}
	return tx.Commit()
}

// CleanupCandidates returns ids of fragments older than olderThan with
// confidence strictly below confidenceBelow. Pure read; used only by the
// maintenance cycle.
func (s *Store) CleanupCandidates(ctx context.Context, olderThan time.Time, confidenceBelow float64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM fragments
		WHERE created_at < ? AND confidence < ?
		ORDER BY created_at ASC`,
		olderThan.UTC().Format(timeFormat), confidenceBelow)
	if err != nil {
		return nil, fmt.Errorf("list cleanup candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cleanup candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete physically removes fragments. Only ever called from the
// maintenance cycle. Returns the number of rows removed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete fragments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Search performs FTS5 keyword search over fragment content, most relevant
// first. Used as the degradation path when the text index collaborator is
// unavailable.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("f")+`
		FROM fragments f
		JOIN fragments_fts fts ON f.rowid = fts.rowid
		WHERE fragments_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// ListRange returns fragments created within [start, end], oldest first.
func (s *Store) ListRange(ctx context.Context, start, end time.Time) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+` FROM fragments
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`,
		start.UTC().Format(timeFormat), end.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list fragments in range: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// ListAll returns every fragment, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// Count returns the total number of stored fragments.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&n)
	return n, err
}

// CountCreatedSince returns how many fragments were created at or after t.
// Used to enforce the daily soft cap.
func (s *Store) CountCreatedSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE created_at >= ?`,
		t.UTC().Format(timeFormat)).Scan(&n)
	return n, err
}

// Refs returns all fragment ids with content hashes. Used by the embedding
// sync worker to detect un-indexed or stale fragments.
func (s *Store) Refs(ctx context.Context) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content FROM fragments`)
	if err != nil {
		return nil, fmt.Errorf("get fragment refs: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan fragment ref: %w", err)
		}
		refs = append(refs, Ref{ID: id, ContentHash: ContentHash(content)})
	}
	return refs, rows.Err()
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

func prefixColumns(alias string) string {
	cols := strings.Split(fragmentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFragment(r rowScanner) (*Fragment, error) {
	var f Fragment
	var typ, tagsJSON, linksJSON, createdAt, lastEvolved string
	err := r.Scan(
		&f.ID, &f.Content, &f.Category, &typ, &f.Temporal.Hour, &f.Temporal.Weekday,
		&f.Temporal.ISO, &tagsJSON, &linksJSON, &f.Confidence, &f.AccessCount,
		&f.NarrativeRole, &createdAt, &lastEvolved,
	)
	if err != nil {
		return nil, err
	}
	f.Type = Type(typ)
	if err := json.Unmarshal([]byte(tagsJSON), &f.SymbolicTags); err != nil {
		return nil, fmt.Errorf("decode symbolic tags: %w", err)
	}
	if err := json.Unmarshal([]byte(linksJSON), &f.AssociativeLinks); err != nil {
		return nil, fmt.Errorf("decode associative links: %w", err)
	}
	f.CreatedAt = ParseTime(createdAt)
	f.LastEvolved = ParseTime(lastEvolved)
	return &f, nil
}

func collectFragments(rows *sql.Rows) ([]Fragment, error) {
	var out []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ParseTime parses a datetime string from SQLite, handling the formats the
// engine and older tooling may have written.
func ParseTime(s string) time.Time {
	formats := []string{
		timeFormat,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
