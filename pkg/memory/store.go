// Package memory implements the assistant's durable fact store: a JSON
// document of key/value facts the user asked to remember, paired with a
// rebuildable vector index for recall by meaning.
//
// The document is the source of truth. Every mutation is flushed to disk
// before it is acknowledged, via write-temp-then-rename so a crash can
// never leave a half-written document. The vector index is derived state:
// if it is missing, stale, or was built against older fact text, the store
// reconciles at startup and the re-embedding worker heals it in the
// background without blocking anything.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/alfred-labs/alfred/pkg/embeddings"
)

// ErrStorage marks a persistence failure. The triggering call fails but
// previously committed facts are untouched, in memory and on disk.
var ErrStorage = errors.New("memory storage failure")

// Fact is a single remembered statement.
type Fact struct {
	Key       string    // normalized, unique
	Value     string    // free text
	Embedding []float32 // nil until the embedder has seen this revision
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scored is a recall result.
type Scored struct {
	Fact  Fact
	Score float64 // 1.0 for key matches, cosine similarity otherwise
}

// factRecord is the persisted form. Embeddings live in the vector index,
// not the document, so the document stays small and human-readable.
type factRecord struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config configures a Store.
type Config struct {
	// Path of the JSON fact document.
	Path string
	// Embedder computes vectors. Nil disables semantic recall; facts are
	// still stored and flagged for embedding so a later run can heal them.
	Embedder embeddings.Embedder
	// Index is the nearest-neighbor store. Nil means a fresh in-memory
	// index (rebuilt from the document by the re-embedding worker).
	Index embeddings.VectorIndex
	// Threshold is the minimum cosine similarity a semantic match must
	// clear. Defaults to 0.35: related phrasings on nomic-style embedders
	// score roughly 0.45-0.7, unrelated text stays under 0.3.
	Threshold float64
	// TopK bounds semantic recall breadth. Defaults to 3.
	TopK int
}

// Store is the fact store. Safe for concurrent use: writes to the same key
// are totally ordered, writes to different keys proceed independently.
type Store struct {
	path      string
	embedder  embeddings.Embedder
	index     embeddings.VectorIndex
	threshold float64
	topK      int

	mu      sync.RWMutex
	facts   map[string]Fact
	pending map[string]struct{} // keys whose current revision has no vector

	keys    keyedMutex // serializes same-key mutations end to end
	flushMu sync.Mutex // serializes document writes
}

// Open loads the fact document at cfg.Path (a missing file is an empty
// store) and reconciles the vector index against it: orphaned index
// entries are pruned and facts whose vector is missing or was computed
// from older text are flagged for re-embedding.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("memory: document path is required")
	}
	if cfg.Index == nil {
		cfg.Index = embeddings.NewMemoryIndex()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.35
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	s := &Store{
		path:      cfg.Path,
		embedder:  cfg.Embedder,
		index:     cfg.Index,
		threshold: cfg.Threshold,
		topK:      cfg.TopK,
		facts:     make(map[string]Fact),
		pending:   make(map[string]struct{}),
	}

	data, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read memory document %s: %w", cfg.Path, err)
	default:
		var doc map[string]factRecord
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse memory document %s: %w", cfg.Path, err)
		}
		for key, rec := range doc {
			s.facts[key] = Fact{
				Key:       key,
				Value:     rec.Value,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.UpdatedAt,
			}
		}
	}

	if err := s.reconcile(ctx); err != nil {
		return nil, err
	}

	slog.Info("memory store opened",
		"path", cfg.Path,
		"facts", len(s.facts),
		"pending_embeddings", len(s.pending),
	)
	return s, nil
}

// reconcile compares the index against the document. The document wins.
func (s *Store) reconcile(ctx context.Context) error {
	hashes, err := s.index.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("load index state: %w", err)
	}

	for key := range hashes {
		if _, ok := s.facts[key]; !ok {
			if err := s.index.Delete(ctx, key); err != nil {
				slog.Warn("prune orphaned vector failed", "key", key, "error", err)
			}
		}
	}

	for key, fact := range s.facts {
		want := embeddings.ContentHash(embedText(key, fact.Value))
		got, ok := hashes[key]
		if ok && got == want {
			continue
		}
		if ok {
			// vector was computed from older text; drop it from recall
			if err := s.index.Delete(ctx, key); err != nil {
				slog.Warn("drop stale vector failed", "key", key, "error", err)
			}
		}
		s.pending[key] = struct{}{}
	}
	return nil
}

// Close flushes the document a final time and closes the index.
func (s *Store) Close() error {
	flushErr := s.flush()
	indexErr := s.index.Close()
	slog.Info("memory store closed", "path", s.path)
	if flushErr != nil {
		return fmt.Errorf("close: %w: %v", ErrStorage, flushErr)
	}
	return indexErr
}

// Normalize canonicalizes a fact key: lower-case, punctuation stripped,
// whitespace collapsed and joined with underscores ("my Favorite Color!"
// becomes "my_favorite_color").
func Normalize(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	var b strings.Builder
	for _, r := range key {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '_', r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "_")
}

// embedText is the text a fact's vector is computed from.
func embedText(key, value string) string {
	return strings.ReplaceAll(key, "_", " ") + " is " + value
}

// Remember upserts a fact and flushes it to disk before returning.
// Re-remembering a key overwrites value, embedding, and UpdatedAt while
// preserving CreatedAt. If the embedding provider is unreachable the fact
// is still stored and flushed, flagged for later embedding, and the error
// returned is embeddings.ErrUnavailable alongside the stored fact; the
// write itself succeeded.
func (s *Store) Remember(ctx context.Context, key, value string) (Fact, error) {
	norm := Normalize(key)
	if norm == "" {
		return Fact{}, fmt.Errorf("remember: empty key")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Fact{}, fmt.Errorf("remember %q: empty value", norm)
	}

	unlock := s.keys.lock(norm)
	defer unlock()

	// Embed before touching state; the call may block on the network.
	var vec []float32
	var embedErr error
	if s.embedder != nil {
		vec, embedErr = s.embedder.EmbedDocument(ctx, embedText(norm, value))
		if embedErr != nil {
			if !errors.Is(embedErr, embeddings.ErrUnavailable) {
				embedErr = fmt.Errorf("%w: %v", embeddings.ErrUnavailable, embedErr)
			}
			vec = nil
			slog.Warn("storing fact without embedding", "key", norm, "error", embedErr)
		}
	}

	now := time.Now().UTC()
	fact := Fact{Key: norm, Value: value, Embedding: vec, UpdatedAt: now}

	s.mu.Lock()
	prev, existed := s.facts[norm]
	_, wasPending := s.pending[norm]
	if existed {
		fact.CreatedAt = prev.CreatedAt
	} else {
		fact.CreatedAt = now
	}
	s.facts[norm] = fact
	if vec == nil {
		s.pending[norm] = struct{}{}
	} else {
		delete(s.pending, norm)
	}
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		s.mu.Lock()
		if existed {
			s.facts[norm] = prev
		} else {
			delete(s.facts, norm)
		}
		if wasPending {
			s.pending[norm] = struct{}{}
		} else {
			delete(s.pending, norm)
		}
		s.mu.Unlock()
		return Fact{}, fmt.Errorf("remember %q: %w: %v", norm, ErrStorage, err)
	}

	// The index is derived state: a failure here degrades to pending
	// instead of failing the acknowledged write.
	if vec != nil {
		hash := embeddings.ContentHash(embedText(norm, value))
		if err := s.index.Upsert(ctx, norm, hash, vec); err != nil {
			slog.Warn("vector index upsert failed", "key", norm, "error", err)
			s.mu.Lock()
			s.pending[norm] = struct{}{}
			s.mu.Unlock()
		}
	} else if existed {
		// the previous revision's vector must not answer for the new text
		if err := s.index.Delete(ctx, norm); err != nil {
			slog.Warn("drop stale vector failed", "key", norm, "error", err)
		}
	}

	slog.Info("fact stored", "key", norm, "embedded", vec != nil, "new", !existed)
	return fact, embedErr
}

// Recall looks facts up in two phases. Phase 1: an exact or substring
// match on the normalized key returns immediately with score 1.0, most
// recently updated first. Phase 2: the query is embedded and facts are
// ranked by cosine similarity, dropping anything under the threshold.
// Recall never fails; if the embedder is unreachable it degrades to
// phase 1 only.
func (s *Store) Recall(ctx context.Context, query string) []Scored {
	norm := Normalize(query)

	if norm != "" {
		s.mu.RLock()
		var exact []Fact
		for key, f := range s.facts {
			if key == norm || strings.Contains(key, norm) || strings.Contains(norm, key) {
				exact = append(exact, f)
			}
		}
		s.mu.RUnlock()

		if len(exact) > 0 {
			sort.Slice(exact, func(i, j int) bool {
				if !exact[i].UpdatedAt.Equal(exact[j].UpdatedAt) {
					return exact[i].UpdatedAt.After(exact[j].UpdatedAt)
				}
				return exact[i].Key < exact[j].Key
			})
			out := make([]Scored, len(exact))
			for i, f := range exact {
				out[i] = Scored{Fact: f, Score: 1.0}
			}
			return out
		}
	}

	if s.embedder == nil {
		return nil
	}
	qvec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic recall degraded", "error", err)
		return nil
	}
	matches, err := s.index.Query(ctx, qvec, s.topK)
	if err != nil {
		slog.Warn("vector query failed", "error", err)
		return nil
	}

	var out []Scored
	s.mu.RLock()
	for _, m := range matches {
		if m.Score < s.threshold {
			continue
		}
		if f, ok := s.facts[m.Key]; ok {
			out = append(out, Scored{Fact: f, Score: m.Score})
		}
	}
	s.mu.RUnlock()
	return out
}

// Forget removes a fact. Reports whether anything was deleted; idempotent.
func (s *Store) Forget(ctx context.Context, key string) (bool, error) {
	norm := Normalize(key)
	if norm == "" {
		return false, nil
	}

	unlock := s.keys.lock(norm)
	defer unlock()

	s.mu.Lock()
	prev, existed := s.facts[norm]
	if !existed {
		s.mu.Unlock()
		return false, nil
	}
	_, wasPending := s.pending[norm]
	delete(s.facts, norm)
	delete(s.pending, norm)
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		s.mu.Lock()
		s.facts[norm] = prev
		if wasPending {
			s.pending[norm] = struct{}{}
		}
		s.mu.Unlock()
		return false, fmt.Errorf("forget %q: %w: %v", norm, ErrStorage, err)
	}

	if err := s.index.Delete(ctx, norm); err != nil {
		// orphan; pruned at next startup reconcile
		slog.Warn("vector index delete failed", "key", norm, "error", err)
	}

	slog.Info("fact forgotten", "key", norm)
	return true, nil
}

// Get returns the fact stored under key, if any.
func (s *Store) Get(key string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[Normalize(key)]
	return f, ok
}

// List returns all facts, most recently updated first.
func (s *Store) List() []Fact {
	s.mu.RLock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// PendingEmbeddings implements embeddings.ReembedSource.
func (s *Store) PendingEmbeddings(limit int) []embeddings.Pending {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]embeddings.Pending, 0, limit)
	for key := range s.pending {
		f, ok := s.facts[key]
		if !ok {
			continue
		}
		text := embedText(key, f.Value)
		out = append(out, embeddings.Pending{
			Key:  key,
			Text: text,
			Hash: embeddings.ContentHash(text),
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

// CommitEmbedding implements embeddings.ReembedSource. The commit is
// dropped silently when the fact was forgotten or rewritten since the
// hash was taken.
func (s *Store) CommitEmbedding(ctx context.Context, key, contentHash string, vec []float32) error {
	unlock := s.keys.lock(key)
	defer unlock()

	s.mu.RLock()
	f, ok := s.facts[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if embeddings.ContentHash(embedText(key, f.Value)) != contentHash {
		return nil
	}

	if err := s.index.Upsert(ctx, key, contentHash, vec); err != nil {
		return fmt.Errorf("commit embedding %q: %w", key, err)
	}

	s.mu.Lock()
	if f, ok := s.facts[key]; ok {
		f.Embedding = vec
		s.facts[key] = f
		delete(s.pending, key)
	}
	s.mu.Unlock()
	return nil
}

// flush writes the whole document atomically: temp file, then rename.
func (s *Store) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	doc := make(map[string]factRecord, len(s.facts))
	for key, f := range s.facts {
		doc[key] = factRecord{Value: f.Value, CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write facts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit facts: %w", err)
	}
	return nil
}

// keyedMutex hands out one mutex per fact key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (km *keyedMutex) lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*sync.Mutex)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &sync.Mutex{}
		km.locks[key] = l
	}
	km.mu.Unlock()

	l.Lock()
	return l.Unlock
}
