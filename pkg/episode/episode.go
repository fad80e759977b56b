// Package episode maintains episodic chains: chronological sequences of
// fragment ids that form one narrative arc. A fragment joins the most
// recent chain whose last fragment is within the chain gap; otherwise a new
// chain starts. Chains only grow, they are never merged or split.
package episode

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// DefaultChainGap is how close two fragments must be in time to share a chain.
const DefaultChainGap = 30 * time.Minute

const timeFormat = "2006-01-02 15:04:05.000000000"

// Chain is an ordered sequence of fragment ids with a temporal span and a
// significance score.
type Chain struct {
	ID           string
	FragmentIDs  []string
	SpanStart    time.Time
	SpanEnd      time.Time
	Length       int
	Significance float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Index is the SQLite-backed episodic index.
type Index struct {
	db  *sql.DB
	gap time.Duration
}

// New creates an episodic index over the given database handle and migrates
// its namespace. A gap <= 0 selects the default.
func New(db *sql.DB, gap time.Duration) (*Index, error) {
	if gap <= 0 {
		gap = DefaultChainGap
	}
	idx := &Index{db: db, gap: gap}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("migrate episodic index: %w", err)
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodic_chains (
		id             TEXT PRIMARY KEY,
		span_start     TEXT NOT NULL,
		span_end       TEXT NOT NULL,
		length         INTEGER NOT NULL DEFAULT 0,
		confidence_sum REAL NOT NULL DEFAULT 0,
		significance   REAL NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chains_span_end ON episodic_chains(span_end);
	CREATE TABLE IF NOT EXISTS episodic_members (
		chain_id    TEXT NOT NULL REFERENCES episodic_chains(id),
		fragment_id TEXT NOT NULL,
		position    INTEGER NOT NULL,
		added_at    TEXT NOT NULL,
		PRIMARY KEY (chain_id, fragment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_episodic_members_fragment ON episodic_members(fragment_id);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// ProcessNewFragment appends the fragment to the most recent chain whose
// span end is within the chain gap of the fragment's timestamp, updating
// the span and recomputing significance. If no chain qualifies, a new chain
// is started. Returns the affected chain ids.
//
// Significance is recorded from confidence at append time; later decay is
// not folded back into existing chains.
func (idx *Index) ProcessNewFragment(ctx context.Context, f *fragment.Fragment) ([]string, error) {
	ts := f.CreatedAt.UTC()
	cutoff := ts.Add(-idx.gap)

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin chain tx: %w", err)
	}
	defer tx.Rollback()

	var chainID string
	var spanStart string
	var length int
	var confSum float64
	err = tx.QueryRowContext(ctx, `
		SELECT id, span_start, length, confidence_sum FROM episodic_chains
		WHERE span_end >= ? AND span_end <= ?
		ORDER BY span_end DESC
		LIMIT 1`,
		cutoff.Format(timeFormat), ts.Format(timeFormat)).
		Scan(&chainID, &spanStart, &length, &confSum)

	now := time.Now().UTC().Format(timeFormat)

	switch {
	case err == sql.ErrNoRows:
		chainID = uuid.NewString()
		length = 1
		confSum = f.Confidence
		sig := significance(length, confSum)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO episodic_chains (id, span_start, span_end, length, confidence_sum, significance, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chainID, ts.Format(timeFormat), ts.Format(timeFormat),
			length, confSum, sig, now, now); err != nil {
			return nil, fmt.Errorf("create chain: %w", err)
		}
		slog.Debug("episodic chain started", "chain", chainID)
	case err != nil:
		return nil, fmt.Errorf("find chain: %w", err)
	default:
		length++
		confSum += f.Confidence
		sig := significance(length, confSum)
		if _, err := tx.ExecContext(ctx, `
			UPDATE episodic_chains
			SET span_end = ?, length = ?, confidence_sum = ?, significance = ?, updated_at = ?
			WHERE id = ?`,
			ts.Format(timeFormat), length, confSum, sig, now, chainID); err != nil {
			return nil, fmt.Errorf("extend chain %s: %w", chainID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO episodic_members (chain_id, fragment_id, position, added_at)
		VALUES (?, ?, ?, ?)`, chainID, f.ID, length-1, now); err != nil {
		return nil, fmt.Errorf("add fragment to chain %s: %w", chainID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chain tx: %w", err)
	}
	return []string{chainID}, nil
}

// RetrieveSequence returns all chains whose temporal span intersects
// [start, end], oldest span first.
func (idx *Index) RetrieveSequence(ctx context.Context, start, end time.Time) ([]Chain, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, span_start, span_end, length, confidence_sum, significance, created_at, updated_at
		FROM episodic_chains
		WHERE span_end >= ? AND span_start <= ?
		ORDER BY span_start ASC`,
		start.UTC().Format(timeFormat), end.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("retrieve episodic sequence: %w", err)
	}
	defer rows.Close()

	var chains []Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chains {
		members, err := idx.members(ctx, chains[i].ID)
		if err != nil {
			return nil, err
		}
		chains[i].FragmentIDs = members
	}
	return chains, nil
}

// Get returns a single chain with its members, or nil when absent.
func (idx *Index) Get(ctx context.Context, id string) (*Chain, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT id, span_start, span_end, length, confidence_sum, significance, created_at, updated_at
		FROM episodic_chains WHERE id = ?`, id)
	c, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.FragmentIDs, err = idx.members(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Count returns the number of chains.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodic_chains`).Scan(&n)
	return n, err
}

// RemoveFragments drops membership rows for deleted fragments and removes
// chains left with no members. Spans of surviving chains are left as-is.
func (idx *Index) RemoveFragments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM episodic_members WHERE fragment_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("remove fragments from episodic index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM episodic_chains
		WHERE id NOT IN (SELECT DISTINCT chain_id FROM episodic_members)`); err != nil {
		return fmt.Errorf("drop empty chains: %w", err)
	}
	return tx.Commit()
}

func (idx *Index) members(ctx context.Context, chainID string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT fragment_id FROM episodic_members
		WHERE chain_id = ? ORDER BY position ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chain member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChain(r rowScanner) (*Chain, error) {
	var c Chain
	var confSum float64
	var spanStart, spanEnd, createdAt, updatedAt string
	err := r.Scan(&c.ID, &spanStart, &spanEnd, &c.Length, &confSum, &c.Significance, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.SpanStart = fragment.ParseTime(spanStart)
	c.SpanEnd = fragment.ParseTime(spanEnd)
	c.CreatedAt = fragment.ParseTime(createdAt)
	c.UpdatedAt = fragment.ParseTime(updatedAt)
	return &c, nil
}

// significance scores a chain from its length and the average confidence of
// its fragments at append time. Monotonic in both: longer chains and more
// confident fragments score higher, saturating toward 1.
func significance(length int, confidenceSum float64) float64 {
	if length <= 0 {
		return 0
	}
	avg := confidenceSum / float64(length)
	lengthFactor := 1 - math.Exp(-float64(length)/8.0)
	return lengthFactor * avg
}
