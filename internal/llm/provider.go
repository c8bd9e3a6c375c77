// Package llm provides the language-model provider abstraction and the
// ordered fallback chain the assistant's conversation path runs on.
package llm

import (
	"context"
	"errors"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds a provider's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderError represents an LLM provider failure. StatusCode is zero
// when the request never produced an HTTP response (DNS, dial, timeout).
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Retryable reports whether the same provider is worth another attempt.
// Transport failures, timeouts, rate limits, and server errors are;
// auth rejections and malformed requests are not.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Outcome classifies how a single provider attempt ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeAuthError    Outcome = "auth_error"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeUnknownError Outcome = "unknown_error"
)

// Classify maps an attempt error onto the outcome taxonomy. Errors that
// are not ProviderErrors (unparseable responses, empty completions) are
// unknown and never retried.
func Classify(err error) Outcome {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return OutcomeUnknownError
	}
	switch {
	case pe.StatusCode == 429:
		return OutcomeRateLimited
	case pe.StatusCode == 401, pe.StatusCode == 403:
		return OutcomeAuthError
	case pe.StatusCode == 0, pe.StatusCode == 408, pe.StatusCode >= 500:
		return OutcomeNetworkError
	default:
		return OutcomeUnknownError
	}
}

func retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
