package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alfred-labs/alfred/pkg/embeddings"
)

// stubEmbedder returns canned vectors keyed by exact input text. Unknown
// text gets a fixed fallback so tests stay deterministic.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (s *stubEmbedder) lookup(text string) ([]float32, error) {
	if s.fail {
		return nil, fmt.Errorf("%w: stub offline", embeddings.ErrUnavailable)
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedDocument(_ context.Context, text string) ([]float32, error) {
	return s.lookup(text)
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return s.lookup(text)
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := s.lookup(text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Name() string    { return "stub" }

func testStore(t *testing.T, emb embeddings.Embedder) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:     filepath.Join(t.TempDir(), "facts.json"),
		Embedder: emb,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"My Favorite Color!", "my_favorite_color"},
		{"  WIFI   password ", "wifi_password"},
		{"foo-bar_baz", "foo_bar_baz"},
		{"favorite color", "favorite_color"},
		{"?!,", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRememberRecallRoundTrip(t *testing.T) {
	s := testStore(t, &stubEmbedder{})
	ctx := context.Background()

	fact, err := s.Remember(ctx, "Favorite Color", "blue")
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if fact.Key != "favorite_color" {
		t.Errorf("Key = %q, want %q", fact.Key, "favorite_color")
	}
	if !fact.CreatedAt.Equal(fact.UpdatedAt) {
		t.Errorf("new fact CreatedAt %v != UpdatedAt %v", fact.CreatedAt, fact.UpdatedAt)
	}

	got := s.Recall(ctx, "favorite color")
	if len(got) != 1 {
		t.Fatalf("Recall returned %d results, want 1", len(got))
	}
	if got[0].Fact.Value != "blue" || got[0].Score != 1.0 {
		t.Errorf("Recall = %q score %.2f, want %q score 1.00", got[0].Fact.Value, got[0].Score, "blue")
	}

	// substring of the key still counts as a key match
	if got := s.Recall(ctx, "color"); len(got) != 1 {
		t.Errorf("Recall(color) returned %d results, want 1", len(got))
	}
}

func TestRememberOverwrite(t *testing.T) {
	s := testStore(t, &stubEmbedder{})
	ctx := context.Background()

	first, err := s.Remember(ctx, "favorite color", "blue")
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	second, err := s.Remember(ctx, "favorite color", "green")
	if err != nil {
		t.Fatalf("Remember again: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("overwrite changed CreatedAt: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	got := s.Recall(ctx, "favorite color")
	if len(got) != 1 || got[0].Fact.Value != "green" {
		t.Fatalf("Recall after overwrite = %+v, want single %q", got, "green")
	}
}

func TestSemanticRecall(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"car brand is Tesla":       {1, 0, 0},
		"dog name is Rex":          {0, 1, 0},
		"what vehicle do I drive?": {0.9, 0.1, 0},
	}}
	s := testStore(t, emb)
	ctx := context.Background()

	if _, err := s.Remember(ctx, "car brand", "Tesla"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if _, err := s.Remember(ctx, "dog name", "Rex"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	got := s.Recall(ctx, "what vehicle do I drive?")
	if len(got) != 1 {
		t.Fatalf("Recall returned %d results, want 1: %+v", len(got), got)
	}
	if got[0].Fact.Key != "car_brand" {
		t.Errorf("Recall key = %q, want %q", got[0].Fact.Key, "car_brand")
	}
	if got[0].Score < 0.9 || got[0].Score >= 1.0 {
		t.Errorf("Score = %.3f, want cosine in [0.9, 1.0)", got[0].Score)
	}
}

func TestRecallBelowThresholdEmpty(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"car brand is Tesla": {1, 0, 0},
		"unrelated question": {0, 1, 0},
	}}
	s := testStore(t, emb)
	ctx := context.Background()

	if _, err := s.Remember(ctx, "car brand", "Tesla"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if got := s.Recall(ctx, "unrelated question"); len(got) != 0 {
		t.Errorf("Recall returned %d results, want 0", len(got))
	}
}

func TestRememberUnavailableStoresFact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facts.json")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path, Embedder: &stubEmbedder{fail: true}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fact, err := s.Remember(ctx, "wifi password", "hunter2")
	if !errors.Is(err, embeddings.ErrUnavailable) {
		t.Fatalf("Remember error = %v, want ErrUnavailable", err)
	}
	if fact.Key != "wifi_password" || fact.Embedding != nil {
		t.Errorf("fact = %+v, want key wifi_password with nil embedding", fact)
	}

	// key lookup still works without a vector
	if got := s.Recall(ctx, "wifi password"); len(got) != 1 {
		t.Errorf("Recall returned %d results, want 1", len(got))
	}
	if p := s.PendingEmbeddings(10); len(p) != 1 || p[0].Key != "wifi_password" {
		t.Errorf("PendingEmbeddings = %+v, want wifi_password", p)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the fact must have hit disk despite the embedding failure
	s2, err := Open(ctx, Config{Path: path, Embedder: &stubEmbedder{fail: true}})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, ok := s2.Get("wifi password"); !ok {
		t.Error("fact lost across reopen")
	}
	if p := s2.PendingEmbeddings(10); len(p) != 1 {
		t.Errorf("reopened PendingEmbeddings = %d entries, want 1", len(p))
	}
}

func TestRecallDegradesWhenEmbedderDown(t *testing.T) {
	s := testStore(t, &stubEmbedder{fail: true})
	ctx := context.Background()

	if _, err := s.Remember(ctx, "favorite color", "blue"); !errors.Is(err, embeddings.ErrUnavailable) {
		t.Fatalf("Remember error = %v, want ErrUnavailable", err)
	}
	if got := s.Recall(ctx, "favorite color"); len(got) != 1 {
		t.Errorf("key recall returned %d results, want 1", len(got))
	}
	if got := s.Recall(ctx, "something entirely different"); got != nil {
		t.Errorf("semantic recall = %+v, want nil when embedder is down", got)
	}
}

func TestForget(t *testing.T) {
	s := testStore(t, &stubEmbedder{})
	ctx := context.Background()

	if _, err := s.Remember(ctx, "favorite color", "blue"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	ok, err := s.Forget(ctx, "Favorite Color")
	if err != nil || !ok {
		t.Fatalf("Forget = %v, %v, want true, nil", ok, err)
	}
	ok, err = s.Forget(ctx, "favorite color")
	if err != nil || ok {
		t.Fatalf("second Forget = %v, %v, want false, nil", ok, err)
	}
	if got := s.Recall(ctx, "favorite color"); len(got) != 0 {
		t.Errorf("Recall after Forget returned %d results, want 0", len(got))
	}
}

func TestListOrder(t *testing.T) {
	s := testStore(t, &stubEmbedder{})
	ctx := context.Background()

	for _, key := range []string{"alpha", "beta", "gamma"} {
		if _, err := s.Remember(ctx, key, "x"); err != nil {
			t.Fatalf("Remember(%s): %v", key, err)
		}
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d facts, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].UpdatedAt.After(list[i-1].UpdatedAt) {
			t.Errorf("List not sorted newest first: %q before %q", list[i-1].Key, list[i].Key)
		}
	}
}

func TestReconcileFlagsUnindexedFacts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facts.json")
	ctx := context.Background()
	emb := &stubEmbedder{}

	idx := embeddings.NewMemoryIndex()
	s, err := Open(ctx, Config{Path: path, Embedder: emb, Index: idx})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Remember(ctx, "car brand", "Tesla"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if _, err := s.Remember(ctx, "dog name", "Rex"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// same index, same document: nothing to re-embed
	s2, err := Open(ctx, Config{Path: path, Embedder: emb, Index: idx})
	if err != nil {
		t.Fatalf("reopen with warm index: %v", err)
	}
	if p := s2.PendingEmbeddings(10); len(p) != 0 {
		t.Errorf("warm reopen PendingEmbeddings = %+v, want none", p)
	}
	s2.Close()

	// fresh index: every fact needs a vector again
	s3, err := Open(ctx, Config{Path: path, Embedder: emb, Index: embeddings.NewMemoryIndex()})
	if err != nil {
		t.Fatalf("reopen with cold index: %v", err)
	}
	defer s3.Close()
	if p := s3.PendingEmbeddings(10); len(p) != 2 {
		t.Errorf("cold reopen PendingEmbeddings = %d entries, want 2", len(p))
	}
}

func TestReconcilePrunesOrphans(t *testing.T) {
	ctx := context.Background()
	idx := embeddings.NewMemoryIndex()
	if err := idx.Upsert(ctx, "ghost", "deadbeef", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s, err := Open(ctx, Config{
		Path:  filepath.Join(t.TempDir(), "facts.json"),
		Index: idx,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if idx.Len() != 0 {
		t.Errorf("index still has %d entries, want orphan pruned", idx.Len())
	}
}

func TestCommitEmbeddingStaleHashDropped(t *testing.T) {
	ctx := context.Background()
	idx := embeddings.NewMemoryIndex()
	s, err := Open(ctx, Config{
		Path:     filepath.Join(t.TempDir(), "facts.json"),
		Embedder: &stubEmbedder{fail: true},
		Index:    idx,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Remember(ctx, "car brand", "Tesla"); !errors.Is(err, embeddings.ErrUnavailable) {
		t.Fatalf("Remember error = %v, want ErrUnavailable", err)
	}
	stale := s.PendingEmbeddings(1)[0]

	// fact rewritten before the embedding came back
	if _, err := s.Remember(ctx, "car brand", "Rivian"); !errors.Is(err, embeddings.ErrUnavailable) {
		t.Fatalf("Remember error = %v, want ErrUnavailable", err)
	}

	if err := s.CommitEmbedding(ctx, stale.Key, stale.Hash, []float32{1, 0, 0}); err != nil {
		t.Fatalf("CommitEmbedding: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("stale commit landed in index, Len = %d", idx.Len())
	}
	if p := s.PendingEmbeddings(10); len(p) != 1 {
		t.Errorf("PendingEmbeddings = %d entries, want the rewrite still pending", len(p))
	}
}

func TestCommitEmbeddingCurrentHash(t *testing.T) {
	ctx := context.Background()
	idx := embeddings.NewMemoryIndex()
	s, err := Open(ctx, Config{
		Path:     filepath.Join(t.TempDir(), "facts.json"),
		Embedder: &stubEmbedder{fail: true},
		Index:    idx,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Remember(ctx, "car brand", "Tesla"); !errors.Is(err, embeddings.ErrUnavailable) {
		t.Fatalf("Remember error = %v, want ErrUnavailable", err)
	}
	p := s.PendingEmbeddings(1)[0]
	if err := s.CommitEmbedding(ctx, p.Key, p.Hash, []float32{1, 0, 0}); err != nil {
		t.Fatalf("CommitEmbedding: %v", err)
	}
	if idx.Len() != 1 {
		t.Errorf("index Len = %d, want 1", idx.Len())
	}
	if p := s.PendingEmbeddings(10); len(p) != 0 {
		t.Errorf("PendingEmbeddings = %+v, want none after commit", p)
	}
	if f, _ := s.Get("car brand"); f.Embedding == nil {
		t.Error("fact embedding still nil after commit")
	}
}

func TestStorageFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "store")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: filepath.Join(sub, "facts.json"), Embedder: &stubEmbedder{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Remember(ctx, "favorite color", "blue"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	// make every subsequent flush fail
	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if _, err := s.Remember(ctx, "dog name", "Rex"); !errors.Is(err, ErrStorage) {
		t.Fatalf("Remember error = %v, want ErrStorage", err)
	}
	if _, ok := s.Get("dog name"); ok {
		t.Error("failed Remember left fact behind")
	}

	ok, err := s.Forget(ctx, "favorite color")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Forget error = %v, want ErrStorage", err)
	}
	if ok {
		t.Error("failed Forget reported deletion")
	}
	if _, present := s.Get("favorite color"); !present {
		t.Error("failed Forget removed the fact anyway")
	}
}
