package embeddings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vectors (
    key          TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    dims         INTEGER NOT NULL,
    embedding    TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
`

// SQLiteIndex is the default persistent VectorIndex. Vectors are stored as
// JSON arrays in a single SQLite table and mirrored into a MemoryIndex, so
// queries never touch the database. The file is rebuildable from the fact
// document at any time.
type SQLiteIndex struct {
	db    *sql.DB
	cache *MemoryIndex
}

// OpenSQLiteIndex opens (creating if needed) a vector index at path and
// loads all vectors into memory.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vector index %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping vector index %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector index schema: %w", err)
	}

	ix := &SQLiteIndex{db: db, cache: NewMemoryIndex()}
	if err := ix.warm(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

// warm loads every stored vector into the in-memory cache.
func (ix *SQLiteIndex) warm() error {
	rows, err := ix.db.Query(`SELECT key, content_hash, embedding FROM vectors`)
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, hash, raw string
		if err := rows.Scan(&key, &hash, &raw); err != nil {
			return fmt.Errorf("scan vector row: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			// A corrupt row is droppable: the fact document is the source
			// of truth and the re-embedding pass restores the vector.
			continue
		}
		ix.cache.Upsert(context.Background(), key, hash, vec)
	}
	return rows.Err()
}

// Upsert implements VectorIndex.
func (ix *SQLiteIndex) Upsert(ctx context.Context, key, contentHash string, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = ix.db.ExecContext(ctx, `
		INSERT INTO vectors (key, content_hash, dims, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content_hash = excluded.content_hash,
			dims = excluded.dims,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, key, contentHash, len(vec), string(raw), time.Now().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", key, err)
	}
	return ix.cache.Upsert(ctx, key, contentHash, vec)
}

// Delete implements VectorIndex.
func (ix *SQLiteIndex) Delete(ctx context.Context, key string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM vectors WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete vector %s: %w", key, err)
	}
	return ix.cache.Delete(ctx, key)
}

// Query implements VectorIndex. Served entirely from the in-memory cache.
func (ix *SQLiteIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	return ix.cache.Query(ctx, vec, k)
}

// Hashes implements VectorIndex.
func (ix *SQLiteIndex) Hashes(ctx context.Context) (map[string]string, error) {
	return ix.cache.Hashes(ctx)
}

// Len returns the number of indexed vectors.
func (ix *SQLiteIndex) Len() int { return ix.cache.Len() }

// Close implements VectorIndex.
func (ix *SQLiteIndex) Close() error {
	return ix.db.Close()
}
