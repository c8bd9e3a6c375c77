package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Pending describes a fact awaiting an embedding: stored while the
// provider was down, or rewritten since its vector was computed.
type Pending struct {
	Key  string
	Text string // the exact text to embed
	Hash string // ContentHash(Text) at the time it went pending
}

// ReembedSource is the slice of the memory store the worker needs.
type ReembedSource interface {
	// PendingEmbeddings returns up to limit facts that need (re)embedding.
	PendingEmbeddings(limit int) []Pending
	// CommitEmbedding installs a computed vector. The store drops the
	// commit silently if the fact was rewritten or forgotten since (hash
	// mismatch), so a slow embed can never clobber newer content.
	CommitEmbedding(ctx context.Context, key, contentHash string, vec []float32) error
}

// ReembedWorker opportunistically embeds facts the store flagged as
// pending. It never blocks startup or a user turn: facts stored during an
// embedder outage simply stay out of semantic recall until a later cycle
// succeeds.
type ReembedWorker struct {
	source    ReembedSource
	embedder  Embedder
	interval  time.Duration
	batchSize int
}

// NewReembedWorker creates a worker. Defaults: 30s interval, batch of 16.
func NewReembedWorker(source ReembedSource, embedder Embedder, interval time.Duration, batchSize int) *ReembedWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	return &ReembedWorker{
		source:    source,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the re-embedding loop. Blocks until ctx is cancelled.
func (w *ReembedWorker) Run(ctx context.Context) {
	slog.Info("reembed worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
		"embedder", w.embedder.Name(),
	)

	// Initial pass shortly after startup so a missing or stale index heals
	// without waiting a full interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reembed worker stopping")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReembedWorker) runOnce(ctx context.Context) {
	if n, err := w.SyncOnce(ctx); err != nil {
		if errors.Is(err, ErrUnavailable) {
			slog.Debug("reembed skipped, embedder unavailable")
		} else {
			slog.Warn("reembed cycle failed", "error", err)
		}
	} else if n > 0 {
		slog.Info("reembed cycle complete", "embedded", n)
	}
}

// SyncOnce embeds one batch of pending facts. Returns how many vectors
// were committed.
func (w *ReembedWorker) SyncOnce(ctx context.Context) (int, error) {
	pending := w.source.PendingEmbeddings(w.batchSize)
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.Text
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(pending) {
		return 0, errors.New("embed batch size mismatch")
	}

	committed := 0
	for i, p := range pending {
		if err := w.source.CommitEmbedding(ctx, p.Key, p.Hash, vectors[i]); err != nil {
			slog.Warn("commit embedding failed", "key", p.Key, "error", err)
			continue
		}
		committed++
	}
	return committed, nil
}
