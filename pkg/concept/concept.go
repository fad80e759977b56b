// Package concept maintains concept clusters: named groupings of fragment
// ids that share symbolic-tag affinity. Clusters are created lazily, grow by
// appending members, and are never merged or split.
package concept

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// DefaultSimilarityThreshold is the minimum tag overlap (Jaccard) for a
// fragment to join an existing cluster.
const DefaultSimilarityThreshold = 0.25

// Fixed-width UTC timestamps keep created_at lexicographically ordered.
const timeFormat = "2006-01-02 15:04:05.000000000"

// Cluster is a named grouping of fragment ids sharing tag affinity.
type Cluster struct {
	ID        string
	Name      string
	Tags      []string
	Members   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Index is the SQLite-backed concept index. It holds fragment references
// only; the fragment store owns the canonical records.
type Index struct {
	db        *sql.DB
	threshold float64
}

// New creates a concept index over the given database handle and migrates
// its namespace. A threshold <= 0 selects the default.
func New(db *sql.DB, threshold float64) (*Index, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	idx := &Index{db: db, threshold: threshold}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("migrate concept index: %w", err)
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS concept_clusters (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS concept_members (
		cluster_id  TEXT NOT NULL REFERENCES concept_clusters(id),
		fragment_id TEXT NOT NULL,
		added_at    TEXT NOT NULL,
		PRIMARY KEY (cluster_id, fragment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_concept_members_fragment ON concept_members(fragment_id);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// ProcessNewFragment places a fragment into every existing cluster whose
// tag signature overlaps the fragment's symbolic tags at or above the
// similarity threshold. If none qualify, exactly one new cluster is created,
// seeded with the fragment's tags. Returns the affected cluster ids; the
// write path uses them to back-fill associative links.
func (idx *Index) ProcessNewFragment(ctx context.Context, f *fragment.Fragment) ([]string, error) {
	if len(f.SymbolicTags) == 0 {
		return nil, nil
	}

	clusters, err := idx.AllClusters(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(timeFormat)
	var affected []string
	for _, c := range clusters {
		if tagOverlap(f.SymbolicTags, c.Tags) >= idx.threshold {
			affected = append(affected, c.ID)
		}
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cluster tx: %w", err)
	}
	defer tx.Rollback()

	if len(affected) == 0 {
		id := uuid.NewString()
		tags := append([]string(nil), f.SymbolicTags...)
		sort.Strings(tags)
		tagsJSON, _ := json.Marshal(tags)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO concept_clusters (id, name, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, strings.Join(tags, "-"), string(tagsJSON), now, now); err != nil {
			return nil, fmt.Errorf("create cluster: %w", err)
		}
		affected = append(affected, id)
		slog.Debug("concept cluster created", "cluster", id, "tags", tags)
	}

	for _, cid := range affected {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO concept_members (cluster_id, fragment_id, added_at)
			VALUES (?, ?, ?)`, cid, f.ID, now); err != nil {
			return nil, fmt.Errorf("add member to cluster %s: %w", cid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE concept_clusters SET updated_at = ? WHERE id = ?`, now, cid); err != nil {
			return nil, fmt.Errorf("touch cluster %s: %w", cid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cluster tx: %w", err)
	}
	return affected, nil
}

// RetrieveByConcept returns fragment ids for the given cluster id or tag,
// in membership-insertion order, up to limit.
func (idx *Index) RetrieveByConcept(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	clusterIDs, err := idx.matchClusters(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(clusterIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(clusterIDs)), ",")
	args := make([]interface{}, 0, len(clusterIDs)+1)
	for _, id := range clusterIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, `
		SELECT DISTINCT fragment_id FROM concept_members
		WHERE cluster_id IN (`+placeholders+`)
		ORDER BY rowid ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieve by concept %q: %w", key, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan concept member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Members returns the member fragment ids of a single cluster, oldest first.
func (idx *Index) Members(ctx context.Context, clusterID string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT fragment_id FROM concept_members
		WHERE cluster_id = ? ORDER BY rowid ASC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("list cluster members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllClusters returns a snapshot of every cluster with its members. Used by
// the pulse monitor and the reflector.
func (idx *Index) AllClusters(ctx context.Context) ([]Cluster, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, name, tags, created_at, updated_at
		FROM concept_clusters ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []Cluster
	for rows.Next() {
		var c Cluster
		var tagsJSON, createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &tagsJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
			return nil, fmt.Errorf("decode cluster tags: %w", err)
		}
		c.CreatedAt = fragment.ParseTime(createdAt)
		c.UpdatedAt = fragment.ParseTime(updatedAt)
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range clusters {
		members, err := idx.Members(ctx, clusters[i].ID)
		if err != nil {
			return nil, err
		}
		clusters[i].Members = members
	}
	return clusters, nil
}

// Count returns the number of clusters.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM concept_clusters`).Scan(&n)
	return n, err
}

// RemoveFragments drops membership rows for deleted fragments so the index
// never references ids the store no longer holds. Empty clusters are kept;
// clusters only grow or empty out, they are never restructured.
func (idx *Index) RemoveFragments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM concept_members WHERE fragment_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("remove fragments from concept index: %w", err)
	}
	return nil
}

// matchClusters resolves a key to cluster ids: an exact cluster id match,
// otherwise every cluster whose tag set contains the key as a tag.
func (idx *Index) matchClusters(ctx context.Context, key string) ([]string, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT id FROM concept_clusters WHERE id = ?`, key)
	var id string
	err := row.Scan(&id)
	if err == nil {
		return []string{id}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("match cluster id %q: %w", key, err)
	}

	clusters, err := idx.AllClusters(ctx)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, c := range clusters {
		for _, t := range c.Tags {
			if t == key {
				matched = append(matched, c.ID)
				break
			}
		}
	}
	return matched, nil
}

// tagOverlap computes Jaccard similarity between two tag sets.
func tagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}
