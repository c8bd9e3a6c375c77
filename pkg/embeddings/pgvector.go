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

// PGIndex is a pgvector-backed VectorIndex for running the assistant
// against an external Postgres instead of the local SQLite file. Selected
// with index driver "pgvector".
type PGIndex struct {
	pool *pgxpool.Pool
	dims int
}

// OpenPGIndex connects to Postgres, verifies the connection, and creates
// the pgvector extension, table, and HNSW index if missing. dims must match
// the embedder's vector length.
func OpenPGIndex(ctx context.Context, pgURL string, dims int) (*PGIndex, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
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

	ix := &PGIndex{pool: pool, dims: dims}
	if err := ix.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *PGIndex) init(ctx context.Context) error {
	if _, err := ix.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := ix.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS fact_vectors (
			key          TEXT PRIMARY KEY,
			embedding    vector(%d) NOT NULL,
			content_hash TEXT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, ix.dims))
	if err != nil {
		return fmt.Errorf("create fact_vectors table: %w", err)
	}

	_, err = ix.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_fact_vectors_hnsw
		ON fact_vectors
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("pgvector index ready", "dims", ix.dims)
	return nil
}

// Upsert implements VectorIndex.
func (ix *PGIndex) Upsert(ctx context.Context, key, contentHash string, vec []float32) error {
	_, err := ix.pool.Exec(ctx, `
		INSERT INTO fact_vectors (key, embedding, content_hash, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET embedding = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
	`, key, pgvector.NewVector(vec), contentHash)
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", key, err)
	}
	return nil
}

// Delete implements VectorIndex.
func (ix *PGIndex) Delete(ctx context.Context, key string) error {
	if _, err := ix.pool.Exec(ctx, "DELETE FROM fact_vectors WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete vector %s: %w", key, err)
	}
	return nil
}

// Query implements VectorIndex. pgvector's <=> operator is cosine
// distance; the score reported is 1 - distance, i.e. cosine similarity.
func (ix *PGIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := ix.pool.Query(ctx, `
		SELECT key, 1 - (embedding <=> $1) AS score
		FROM fact_vectors
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Key, &m.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Hashes implements VectorIndex.
func (ix *PGIndex) Hashes(ctx context.Context) (map[string]string, error) {
	rows, err := ix.pool.Query(ctx, "SELECT key, content_hash FROM fact_vectors")
	if err != nil {
		return nil, fmt.Errorf("load vector hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scan vector hash: %w", err)
		}
		hashes[key] = hash
	}
	return hashes, rows.Err()
}

// Close implements VectorIndex.
func (ix *PGIndex) Close() error {
	ix.pool.Close()
	return nil
}
