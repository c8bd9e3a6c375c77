// Package assistant wires the memory store, the model fallback chain,
// the services, and the channels into one runtime, and runs the
// persistent loop that listens, thinks, acts, and remembers.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/alfred-labs/alfred/internal/brain"
	"github.com/alfred-labs/alfred/internal/channel/cli"
	"github.com/alfred-labs/alfred/internal/channel/matrix"
	"github.com/alfred-labs/alfred/internal/llm"
	"github.com/alfred-labs/alfred/internal/services"
	"github.com/alfred-labs/alfred/pkg/channel"
	"github.com/alfred-labs/alfred/pkg/embeddings"
	"github.com/alfred-labs/alfred/pkg/memory"
)

// Assistant is the main Alfred process.
type Assistant struct {
	config *Config
	store  *memory.Store
	chain  *llm.Chain
	brain  *brain.Brain

	files      *services.FileAssistant
	automation *services.Automation
	monitor    *services.Monitor
	reembedder *embeddings.ReembedWorker

	channels []channel.Channel

	events     *EventBus
	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
}

// New builds the assistant from its configuration: vector index, memory
// store, provider chain, services, brain, and channels. Optional pieces
// degrade with a warning instead of failing startup; only broken local
// state (an unreadable document, an unopenable index file) is fatal.
func New(cfg *Config) (*Assistant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	a := &Assistant{
		config:    cfg,
		events:    NewEventBus(),
		startedAt: time.Now(),
	}

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.Memory.Path), filepath.Dir(cfg.Calendar.Path), filepath.Dir(cfg.Index.Path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	// The index driver is configuration, invisible to the store.
	var index embeddings.VectorIndex
	switch cfg.Index.Driver {
	case "pgvector":
		pgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := embeddings.OpenPGIndex(pgCtx, cfg.Index.PostgresURL, cfg.Embeddings.Dimensions)
		cancel()
		if err != nil {
			// The re-embedding worker refills an empty index over time, so
			// running without the external engine loses nothing permanent.
			slog.Warn("pgvector index unavailable, falling back to in-memory index", "error", err)
			index = embeddings.NewMemoryIndex()
		} else {
			index = pg
			slog.Info("vector index opened", "driver", "pgvector")
		}
	case "memory":
		index = embeddings.NewMemoryIndex()
	case "sqlite", "":
		sq, err := embeddings.OpenSQLiteIndex(cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		index = sq
		slog.Info("vector index opened", "driver", "sqlite", "path", cfg.Index.Path)
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Index.Driver)
	}

	var embedder embeddings.Embedder
	if cfg.Embeddings.TEIURL != "" {
		embedder = embeddings.NewTEIClient(cfg.Embeddings.TEIURL, cfg.Embeddings.Dimensions)
		slog.Info("embedding provider configured", "url", cfg.Embeddings.TEIURL, "dimensions", cfg.Embeddings.Dimensions)
	} else {
		slog.Info("no embedding provider configured, recall is key-match only")
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := memory.Open(openCtx, memory.Config{
		Path:      cfg.Memory.Path,
		Embedder:  embedder,
		Index:     index,
		Threshold: cfg.Memory.Threshold,
		TopK:      cfg.Memory.TopK,
	})
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.store = store

	var providers []llm.Provider
	for _, pc := range cfg.LLM.Providers {
		p := buildProvider(pc)
		if p == nil {
			continue
		}
		providers = append(providers, p)
		slog.Info("LLM provider configured", "provider", pc.Provider, "model", pc.Model)
	}
	if len(providers) == 0 {
		slog.Warn("no LLM providers configured, conversation degrades to the canned apology")
	}
	a.chain = llm.NewChain(providers, llm.ChainConfig{})

	var weather *services.WeatherClient
	if cfg.Weather.APIKey != "" {
		weather = services.NewWeather(cfg.Weather.APIKey)
		slog.Info("weather service configured")
	}

	calendar, err := services.OpenCalendar(cfg.Calendar.Path)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open calendar: %w", err)
	}
	slog.Info("calendar opened", "path", cfg.Calendar.Path, "events", calendar.Len())

	if len(cfg.Files.Roots) > 0 {
		a.files = services.NewFileAssistant(cfg.Files.Roots...)
		slog.Info("file assistant configured", "roots", cfg.Files.Roots)
	}

	a.automation = services.NewAutomation(cfg.Automation.MusicPath, cfg.Automation.LogPath)

	if !cfg.System.Disabled {
		interval := 30 * time.Second
		if parsed, err := time.ParseDuration(cfg.System.Interval); err == nil && parsed > 0 {
			interval = parsed
		}
		a.monitor = services.NewMonitor(interval)
	}

	// A nil service must stay a nil interface so the brain knows the
	// intent family is unconfigured.
	bcfg := brain.Config{
		Memory:      store,
		Completer:   a.chain,
		Calendar:    calendar,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		OnAttempts: func(attempts []llm.Attempt) {
			for _, at := range attempts {
				if at.Outcome == llm.OutcomeSuccess {
					continue
				}
				a.events.Publish(Event{
					Type:    EventStatus,
					Level:   "warn",
					Message: fmt.Sprintf("provider %s: %s", at.Provider, at.Outcome),
				})
			}
		},
	}
	if weather != nil {
		bcfg.Weather = weather
	}
	if a.files != nil {
		bcfg.Files = a.files
	}
	if a.monitor != nil {
		bcfg.System = a.monitor
	}

	b, err := brain.New(bcfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.brain = b

	if embedder != nil {
		interval := 30 * time.Second
		if parsed, err := time.ParseDuration(cfg.Embeddings.SyncInterval); err == nil && parsed > 0 {
			interval = parsed
		}
		a.reembedder = embeddings.NewReembedWorker(store, embedder, interval, cfg.Embeddings.BatchSize)
	}

	if !cfg.CLI.Disabled {
		a.channels = append(a.channels, cli.New())
	}
	if cfg.Matrix.Enabled {
		a.channels = append(a.channels, matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		}))
		slog.Info("matrix channel configured", "homeserver", cfg.Matrix.Homeserver, "user", cfg.Matrix.UserID)
	}

	return a, nil
}

// buildProvider maps one provider config entry to a concrete provider.
// Entries without an API key are skipped so the compiled defaults work
// with whichever keys the environment actually has.
func buildProvider(pc ProviderConfig) llm.Provider {
	if pc.APIKey == "" {
		return nil
	}
	switch pc.Provider {
	case "anthropic":
		if pc.BaseURL != "" {
			return llm.NewAnthropicCompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
		}
		return llm.NewAnthropic(pc.APIKey, pc.Model)
	case "openai":
		if pc.BaseURL != "" {
			return llm.NewOpenAICompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
		}
		return llm.NewOpenAI(pc.APIKey, pc.Model)
	case "openrouter":
		return llm.NewOpenRouter(pc.APIKey, pc.Model)
	default:
		if pc.BaseURL != "" {
			return llm.NewOpenAICompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
		}
		slog.Warn("unknown LLM provider skipped", "provider", pc.Provider)
		return nil
	}
}

type channelExit struct {
	name string
	err  error
}

// Run starts the assistant and blocks until ctx is cancelled, a channel
// session ends, or the HTTP server fails. The CLI channel returning is
// the normal way a session ends: the user said goodbye.
func (a *Assistant) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("alfred running",
		"name", a.config.Name,
		"facts", a.store.Len(),
		"providers", a.chain.Names(),
		"channels", len(a.channels),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/v1/recall", a.handleRecall)
	mux.HandleFunc("/v1/events", a.handleEvents)

	a.httpServer = &http.Server{Addr: a.config.HTTPAddr, Handler: mux}
	httpErr := make(chan error, 1)
	go func() {
		err := a.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()
	slog.Info("API listening", "addr", a.config.HTTPAddr, "endpoints", []string{"/health", "/v1/recall", "/v1/events"})

	if a.monitor != nil {
		go a.monitor.Run(ctx)
	}
	if a.reembedder != nil {
		go a.reembedder.Run(ctx)
	}

	chanExit := make(chan channelExit, len(a.channels))
	for _, ch := range a.channels {
		c := ch
		go func() {
			slog.Info("starting channel", "channel", c.Name())
			chanExit <- channelExit{name: c.Name(), err: c.Start(ctx, a.onMessage)}
		}()
	}

	a.setHealthy(true)
	a.events.Publish(Event{Type: EventStatus, Level: "info", Message: "assistant ready"})

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case exit := <-chanExit:
		if exit.err != nil && ctx.Err() == nil {
			runErr = fmt.Errorf("%s channel: %w", exit.name, exit.err)
		} else {
			slog.Info("channel session ended, shutting down", "channel", exit.name)
		}
	}

	// Stop the workers and channel syncs before tearing down state.
	cancel()
	a.shutdown()
	return runErr
}

// Once handles a single utterance and returns the reply, for one-shot
// command line use. Side effects still run; no channels, workers, or
// HTTP are started, and the store is flushed before returning.
func (a *Assistant) Once(ctx context.Context, utterance string) (string, error) {
	defer func() {
		if err := a.store.Close(); err != nil {
			slog.Warn("memory store close failed", "error", err)
		}
	}()

	if a.monitor != nil {
		a.monitor.Sample(ctx)
	}

	resp, err := a.brain.Handle(ctx, utterance)
	if err != nil {
		return "", err
	}
	for _, effect := range resp.SideEffects {
		if err := a.applyEffect(ctx, effect); err != nil {
			slog.Warn("side effect failed", "action", effect.Action, "error", err)
		}
	}
	return resp.Text, nil
}

// shutdown tears down in order: channels, HTTP, then the store (final
// flush and index close).
func (a *Assistant) shutdown() {
	a.setHealthy(false)

	for _, ch := range a.channels {
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(shutdownCtx)
	}

	if err := a.store.Close(); err != nil {
		slog.Warn("memory store close failed", "error", err)
	}

	slog.Info("alfred shut down")
}

// onMessage handles one incoming utterance from any channel: the brain
// produces the reply and describes side effects, this runtime performs
// them and sends the reply back on the channel it came from.
func (a *Assistant) onMessage(ctx context.Context, msg channel.Message) error {
	start := time.Now()
	slog.Info("processing utterance",
		"source", msg.Source,
		"sender", msg.SenderID,
		"len", len(msg.Content),
	)
	a.events.Publish(Event{Type: EventChat, Role: "user", Source: msg.Source, Content: msg.Content})

	resp, err := a.brain.Handle(ctx, msg.Content)
	if err != nil {
		a.events.Publish(Event{Type: EventError, Message: err.Error()})
		return err
	}
	if resp.Intent != "" {
		a.events.Publish(Event{Type: EventIntent, Intent: resp.Intent, Source: msg.Source})
	}

	for _, effect := range resp.SideEffects {
		if err := a.applyEffect(ctx, effect); err != nil {
			slog.Error("side effect failed", "action", effect.Action, "error", err)
			a.events.Publish(Event{Type: EventError, Action: effect.Action, Message: err.Error()})
			continue
		}
		a.events.Publish(Event{Type: EventEffect, Action: effect.Action})
	}

	// Voice in implies voice-suitable out.
	err = a.send(ctx, msg.Source, channel.Response{
		Content: resp.Text,
		RoomID:  msg.RoomID,
		Speak:   resp.Speak || msg.IsVoice,
	})
	if err != nil {
		slog.Error("failed to send response", "error", err)
		return fmt.Errorf("send response: %w", err)
	}

	a.events.Publish(Event{Type: EventChat, Role: "assistant", Source: msg.Source, Content: resp.Text})
	slog.Info("response ready",
		"intent", resp.Intent,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(resp.Text),
	)
	return nil
}

// applyEffect performs one side effect the brain described. The brain
// never touches the OS; this is the single place effects happen.
func (a *Assistant) applyEffect(ctx context.Context, effect brain.SideEffect) error {
	switch effect.Action {
	case "open_file":
		if a.files == nil {
			return fmt.Errorf("file assistant not configured")
		}
		return a.files.Open(ctx, effect.Args["path"])
	case "delete_file":
		if a.files == nil {
			return fmt.Errorf("file assistant not configured")
		}
		return a.files.Delete(effect.Args["path"])
	case "automation":
		return a.automation.Perform(ctx, services.Action{
			Name:  effect.Args["name"],
			App:   effect.Args["app"],
			Input: effect.Args["input"],
		})
	default:
		return fmt.Errorf("unknown side effect %q", effect.Action)
	}
}

// send routes a response back to the channel the utterance came from.
func (a *Assistant) send(ctx context.Context, source string, resp channel.Response) error {
	for _, ch := range a.channels {
		if ch.Name() == source {
			return ch.Send(ctx, resp)
		}
	}
	return fmt.Errorf("no channel for source %q", source)
}

func (a *Assistant) setHealthy(v bool) {
	a.healthyMu.Lock()
	a.healthy = v
	a.healthyMu.Unlock()
}

func (a *Assistant) isHealthy() bool {
	a.healthyMu.RLock()
	v := a.healthy
	a.healthyMu.RUnlock()
	return v
}

func (a *Assistant) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if a.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s","facts":%d}`, time.Since(a.startedAt).Round(time.Second), a.store.Len())
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents streams the activity feed as server-sent events, starting
// with the recent backlog so a new client has context.
func (a *Assistant) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := a.events.Subscribe()
	defer a.events.Unsubscribe(done)

	for _, e := range a.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

type recallResponse struct {
	Facts []recallFact `json:"facts"`
	Query string       `json:"query"`
	Count int          `json:"count"`
}

type recallFact struct {
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Score     float64 `json:"score"`
	UpdatedAt string  `json:"updated_at"`
}

// handleRecall serves memory recall over HTTP.
// Query params:
//   - q: search query (required)
//   - limit: max results (default 10, cap 100)
func (a *Assistant) handleRecall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameter: q"}`)
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	scored := a.store.Recall(r.Context(), query)
	if len(scored) > limit {
		scored = scored[:limit]
	}

	result := recallResponse{
		Facts: make([]recallFact, 0, len(scored)),
		Query: query,
		Count: len(scored),
	}
	for _, s := range scored {
		result.Facts = append(result.Facts, recallFact{
			Key:       s.Fact.Key,
			Value:     s.Fact.Value,
			Score:     s.Score,
			UpdatedAt: s.Fact.UpdatedAt.Format(time.RFC3339),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Warn("failed to encode recall response", "error", err)
	}
}
