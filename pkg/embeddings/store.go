package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store persists fragment embeddings in pgvector, keyed by fragment id.
type Store struct {
	pool *pgxpool.Pool
}

// SearchHit is one vector similarity hit.
type SearchHit struct {
	FragmentID string
	Distance   float64 // cosine distance (lower = more similar)
}

// NewStore connects to Postgres, registers pgvector types and verifies the
// connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, the fragment embeddings table and
// the HNSW index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fragment_embeddings (
			fragment_id  TEXT PRIMARY KEY,
			embedding    vector(768) NOT NULL,
			content_hash TEXT NOT NULL,
			model_name   TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_fragment_embeddings_hnsw
		ON fragment_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("embedding store initialized")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch upserts embeddings for a batch of fragments in one
// transaction.
func (s *Store) InsertBatch(ctx context.Context, ids []string, vectors [][]float32, hashes []string) error {
	if len(ids) != len(vectors) || len(ids) != len(hashes) {
		return fmt.Errorf("mismatched batch sizes: ids=%d vectors=%d hashes=%d",
			len(ids), len(vectors), len(hashes))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range ids {
		vec := pgvector.NewVector(vectors[i])
		if _, err := tx.Exec(ctx, `
			INSERT INTO fragment_embeddings (fragment_id, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (fragment_id) DO UPDATE
			SET embedding = EXCLUDED.embedding,
				content_hash = EXCLUDED.content_hash,
				embedded_at = now()
		`, ids[i], vec, hashes[i]); err != nil {
			return fmt.Errorf("insert embedding %s: %w", ids[i], err)
		}
	}
	return tx.Commit(ctx)
}

// Search returns the top-K fragment ids by cosine distance.
func (s *Store) Search(ctx context.Context, queryVec []float32, limit int) ([]SearchHit, error) {
	vec := pgvector.NewVector(queryVec)
	rows, err := s.pool.Query(ctx, `
		SELECT fragment_id, embedding <=> $1 AS distance
		FROM fragment_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.FragmentID, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Embedded returns every embedded fragment id with its content hash, used
// by the sync worker for staleness detection.
func (s *Store) Embedded(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT fragment_id, content_hash FROM fragment_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// DeleteMany removes embeddings for fragments that no longer exist.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM fragment_embeddings WHERE fragment_id = ANY($1)", ids)
	return err
}

// Count returns the number of stored embeddings.
func (s *Store) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM fragment_embeddings").Scan(&count)
	return
}
