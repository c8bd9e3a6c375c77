package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Match is a single nearest-neighbor result.
type Match struct {
	Key   string
	Score float64 // cosine similarity in [-1, 1]
}

// VectorIndex is the nearest-neighbor store behind semantic recall.
// Implementations must be safe for concurrent use. Keys are fact keys;
// contentHash identifies the exact text a vector was computed from so the
// store can detect stale vectors after a fact is rewritten.
type VectorIndex interface {
	Upsert(ctx context.Context, key, contentHash string, vec []float32) error
	Delete(ctx context.Context, key string) error
	// Query returns up to k matches sorted by descending similarity.
	Query(ctx context.Context, vec []float32, k int) ([]Match, error)
	// Hashes returns contentHash per indexed key, for reconciliation.
	Hashes(ctx context.Context) (map[string]string, error)
	Close() error
}

// ContentHash fingerprints the text a vector was computed from.
func ContentHash(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type indexEntry struct {
	hash string
	vec  []float32
}

// MemoryIndex is a brute-force in-memory VectorIndex. It backs tests, runs
// standalone when no persistence is configured, and serves as the query
// cache inside SQLiteIndex. Personal fact stores hold at most a few
// thousand entries, so a linear scan beats index maintenance.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]indexEntry)}
}

// Upsert implements VectorIndex.
func (ix *MemoryIndex) Upsert(_ context.Context, key, contentHash string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	ix.mu.Lock()
	ix.entries[key] = indexEntry{hash: contentHash, vec: cp}
	ix.mu.Unlock()
	return nil
}

// Delete implements VectorIndex.
func (ix *MemoryIndex) Delete(_ context.Context, key string) error {
	ix.mu.Lock()
	delete(ix.entries, key)
	ix.mu.Unlock()
	return nil
}

// Query implements VectorIndex.
func (ix *MemoryIndex) Query(_ context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.entries))
	for key, e := range ix.entries {
		matches = append(matches, Match{Key: key, Score: CosineSimilarity(vec, e.vec)})
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Hashes implements VectorIndex.
func (ix *MemoryIndex) Hashes(_ context.Context) (map[string]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	hashes := make(map[string]string, len(ix.entries))
	for key, e := range ix.entries {
		hashes[key] = e.hash
	}
	return hashes, nil
}

// Len returns the number of indexed vectors.
func (ix *MemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Close implements VectorIndex.
func (ix *MemoryIndex) Close() error { return nil }
