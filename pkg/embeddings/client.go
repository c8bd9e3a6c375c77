// Package embeddings turns text into fixed-length vectors and maintains the
// nearest-neighbor index the memory store searches.
//
// It connects to a HuggingFace Text Embeddings Inference (TEI) server for
// generating embeddings and offers three index drivers: an in-memory
// brute-force index, a SQLite-backed persistent index (the default), and a
// pgvector-backed index for an external engine. A background worker
// re-embeds facts that were stored while the embedding provider was down.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	// Required by nomic-embed-text for optimal performance.
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// ErrUnavailable marks the embedding provider as unreachable. Callers
// degrade (store facts without vectors, skip semantic recall) rather than
// fail on it.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// EmbedDocument embeds text for storage.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery embeds text for search.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds multiple documents in a single call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector length this embedder produces.
	Dimensions() int
	// Name identifies the embedder for logs.
	Name() string
}

// TEIClient is an HTTP client for HuggingFace Text Embeddings Inference.
type TEIClient struct {
	baseURL    string
	dims       int
	httpClient *http.Client
}

// NewTEIClient creates a TEI client. dims must match the model served at
// baseURL (e.g. 768 for nomic-embed-text).
func NewTEIClient(baseURL string, dims int) *TEIClient {
	return &TEIClient{
		baseURL: baseURL,
		dims:    dims,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements Embedder.
func (c *TEIClient) Name() string { return "tei" }

// Dimensions implements Embedder.
func (c *TEIClient) Dimensions() int { return c.dims }

// embedRequest is the TEI /embed request body.
type embedRequest struct {
	Inputs interface{} `json:"inputs"` // string or []string
}

// embed calls TEI with the given task prefix prepended to every text.
func (c *TEIClient) embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: TEI returned %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors, want %d", len(vectors), len(texts))
	}

	return vectors, nil
}

// EmbedDocument implements Embedder.
func (c *TEIClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	results, err := c.embed(ctx, []string{text}, PrefixDocument)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EmbedQuery implements Embedder.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	results, err := c.embed(ctx, []string{text}, PrefixQuery)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EmbedBatch implements Embedder.
func (c *TEIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, PrefixDocument)
}

// Health checks if the TEI service is reachable.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("TEI health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TEI unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
