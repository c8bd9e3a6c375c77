package llm

import (
	"context"
	"log/slog"
	"time"
)

// Apology is the degraded-mode answer returned when every provider in
// the chain has been exhausted.
const Apology = "Sorry, I couldn't process your request with any available models."

// Reply is the chain's final answer. It is always usable: when Degraded
// is set, Content carries the canned apology instead of a completion.
type Reply struct {
	Content  string
	Model    string
	Provider string
	Degraded bool
}

// Attempt records one provider call for observability. Err is empty on
// success.
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  Outcome       `json:"outcome"`
	Latency  time.Duration `json:"latency"`
	Err      string        `json:"error,omitempty"`
}

// ChainConfig tunes the fallback chain.
type ChainConfig struct {
	// MaxAttempts is the per-provider attempt cap for retryable failures.
	MaxAttempts int
	// AttemptTimeout bounds a single provider call.
	AttemptTimeout time.Duration
	// BackoffBase is the wait before the second attempt; it doubles per
	// retry up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultChainConfig returns production settings.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxAttempts:    3,
		AttemptTimeout: 60 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
	}
}

// Chain tries an ordered list of providers until one answers. Retryable
// failures (rate limits, transport errors, server errors) are retried on
// the same provider with exponential backoff up to the attempt cap;
// non-retryable failures advance to the next provider immediately. The
// chain never returns an error: when everything fails the caller gets a
// degraded Reply, and the Attempt log tells the rest of the story.
type Chain struct {
	providers []Provider
	cfg       ChainConfig
}

// NewChain builds a chain over providers, tried in the given order.
// Zero config fields fall back to DefaultChainConfig values.
func NewChain(providers []Provider, cfg ChainConfig) *Chain {
	def := DefaultChainConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	return &Chain{providers: providers, cfg: cfg}
}

// Names returns the provider order, for health reporting.
func (c *Chain) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Complete walks the chain. The same request goes to every provider;
// identical inputs walk the chain in the same provider order every time.
func (c *Chain) Complete(ctx context.Context, req CompletionRequest) (*Reply, []Attempt) {
	var attempts []Attempt

	for _, p := range c.providers {
		for n := 0; n < c.cfg.MaxAttempts; n++ {
			if n > 0 {
				if !sleepCtx(ctx, c.backoff(n)) {
					return degradedReply(), attempts
				}
			}

			actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			start := time.Now()
			resp, err := p.Complete(actx, req)
			cancel()
			latency := time.Since(start)

			if err == nil {
				attempts = append(attempts, Attempt{
					Provider: p.Name(),
					Outcome:  OutcomeSuccess,
					Latency:  latency,
				})
				slog.Info("completion served",
					"provider", p.Name(),
					"model", resp.Model,
					"latency", latency,
					"attempts", len(attempts),
				)
				return &Reply{
					Content:  resp.Content,
					Model:    resp.Model,
					Provider: p.Name(),
				}, attempts
			}

			outcome := Classify(err)
			attempts = append(attempts, Attempt{
				Provider: p.Name(),
				Outcome:  outcome,
				Latency:  latency,
				Err:      err.Error(),
			})
			slog.Warn("completion attempt failed",
				"provider", p.Name(),
				"attempt", n+1,
				"outcome", string(outcome),
				"error", err,
			)

			if ctx.Err() != nil {
				return degradedReply(), attempts
			}
			if !retryable(err) {
				break
			}
		}
	}

	slog.Error("all providers exhausted", "attempts", len(attempts))
	return degradedReply(), attempts
}

func degradedReply() *Reply {
	return &Reply{Content: Apology, Degraded: true}
}

// backoff returns the wait before retry n (n >= 1): base doubled per
// retry, capped.
func (c *Chain) backoff(n int) time.Duration {
	d := c.cfg.BackoffBase << (n - 1)
	if d > c.cfg.BackoffCap {
		return c.cfg.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
