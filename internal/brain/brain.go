// Package brain implements the conversation orchestrator. Each Handle
// call routes one utterance either to a service handler or to the model
// chain, maintains the bounded conversation history, and returns reply
// text plus side effects for the runtime to carry out. The brain never
// touches the filesystem, the OS, or the network itself.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/alfred-labs/alfred/internal/llm"
	"github.com/alfred-labs/alfred/internal/services"
	"github.com/alfred-labs/alfred/pkg/memory"
	"github.com/alfred-labs/alfred/pkg/router"
)

// Persona is the fixed identity preamble injected on every
// conversation-path model call.
const Persona = "You are A.L.F.R.E.D, an All Knowing Logical Facilitator for Reasoned Execution of Duties.\n" +
	"You are a sophisticated AI assistant inspired by J.A.R.V.I.S. Be helpful, concise, and maintain a professional yet friendly demeanor.\n" +
	"Address the user respectfully and provide accurate, thoughtful responses."

// SideEffect describes an action the runtime should carry out after
// delivering the reply, e.g. opening a file the user asked for.
type SideEffect struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// Response is the outcome of one handled utterance. Intent names the
// routed intent kind, for logs and the activity stream.
type Response struct {
	Text        string
	Intent      string
	Speak       bool
	SideEffects []SideEffect
}

// Completer produces a model reply for a completion request. The
// fallback chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, []llm.Attempt)
}

// MemoryStore is the slice of the fact store the brain drives.
type MemoryStore interface {
	Remember(ctx context.Context, key, value string) (memory.Fact, error)
	Recall(ctx context.Context, query string) []memory.Scored
	Forget(ctx context.Context, key string) (bool, error)
	List() []memory.Fact
}

// WeatherService reports current conditions for a location.
type WeatherService interface {
	Current(ctx context.Context, location string) (services.Conditions, error)
}

// CalendarService stores and lists events.
type CalendarService interface {
	Create(title string, start time.Time, duration time.Duration) (services.Event, error)
	Upcoming(now time.Time) []services.Event
}

// FileSearcher finds files matching a pattern.
type FileSearcher interface {
	Search(ctx context.Context, pattern string) ([]string, error)
}

// SystemMonitor reports the latest host snapshot.
type SystemMonitor interface {
	Latest() (services.Snapshot, bool)
}

// Config wires the brain's collaborators. Memory and Completer are
// required; a nil service disables its intent family with a polite
// not-configured reply.
type Config struct {
	Memory    MemoryStore
	Completer Completer
	Router    *router.Router
	Weather   WeatherService
	Calendar  CalendarService
	Files     FileSearcher
	System    SystemMonitor

	// MaxHistory is the number of conversation turns kept (default 20,
	// i.e. ten exchanges).
	MaxHistory int

	// RecallTimeout bounds memory retrieval on the conversation path so
	// a slow embedder cannot stall a reply (default 500ms).
	RecallTimeout time.Duration

	// MaxTokens and Temperature apply to every completion request. Zero
	// values defer to the providers' own defaults.
	MaxTokens   int
	Temperature float64

	// OnAttempts, if set, receives the provider attempt records of every
	// model call for observability.
	OnAttempts func([]llm.Attempt)
}

type turn struct {
	role string
	text string
	at   time.Time
}

// Brain orchestrates one conversation session. Handle calls are
// serialized by the caller; the internal lock only protects history
// reads from background observers.
type Brain struct {
	cfg Config

	mu      sync.Mutex
	history []turn
}

// New validates cfg and returns a Brain.
func New(cfg Config) (*Brain, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("brain: memory store is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("brain: completer is required")
	}
	if cfg.Router == nil {
		cfg.Router = router.New()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 500 * time.Millisecond
	}
	return &Brain{cfg: cfg}, nil
}

// Handle processes one utterance and returns the reply. Only storage
// failures propagate as errors; everything else degrades to a spoken
// apology or a clarifying question.
func (b *Brain) Handle(ctx context.Context, utterance string) (Response, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Response{Text: "I didn't catch that.", Speak: true}, nil
	}

	b.appendTurn("user", utterance)

	in := b.cfg.Router.Classify(utterance)
	resp, err := b.dispatch(ctx, in)
	if err != nil {
		return Response{}, err
	}
	resp.Intent = string(in.Kind)

	b.appendTurn("assistant", resp.Text)
	return resp, nil
}

func (b *Brain) dispatch(ctx context.Context, in router.Intent) (Response, error) {
	switch in.Kind {
	case router.KindRemember:
		return b.remember(ctx, in)
	case router.KindRecall:
		return b.recall(ctx, in), nil
	case router.KindForget:
		return b.forget(ctx, in)
	case router.KindListMemories:
		return b.listMemories(), nil
	case router.KindWeather:
		return b.weather(ctx, in), nil
	case router.KindCalendarAdd:
		return b.calendarAdd(in), nil
	case router.KindCalendarList:
		return b.calendarList(), nil
	case router.KindFileSearch:
		return b.fileSearch(ctx, in), nil
	case router.KindFileOpen:
		return b.fileOpen(ctx, in), nil
	case router.KindFileDelete:
		return b.fileDelete(ctx, in), nil
	case router.KindSystemStatus:
		return b.systemStatus(), nil
	case router.KindAutomation:
		return b.automation(in), nil
	case router.KindAmbiguous:
		if resp, ok := b.clarify(in); ok {
			return resp, nil
		}
		return b.converse(ctx), nil
	default:
		return b.converse(ctx), nil
	}
}

// --- memory handlers ---

func (b *Brain) remember(ctx context.Context, in router.Intent) (Response, error) {
	fact, err := b.cfg.Memory.Remember(ctx, in.Key, in.Value)
	if err != nil {
		if errors.Is(err, memory.ErrStorage) {
			return Response{}, err
		}
		// The fact was written; it just has no embedding yet.
		slog.Warn("fact stored without embedding", "key", fact.Key, "error", err)
	}
	return Response{
		Text:  fmt.Sprintf("I'll remember that %s is %s.", swapMyYour(in.KeyRaw), in.Value),
		Speak: true,
	}, nil
}

func (b *Brain) recall(ctx context.Context, in router.Intent) Response {
	display := swapMyYour(in.KeyRaw)

	scored := b.cfg.Memory.Recall(ctx, in.Key)
	if len(scored) == 0 {
		return Response{Text: fmt.Sprintf("I don't remember anything about %s.", display), Speak: true}
	}

	hit := scored[0]
	if memory.Normalize(in.Key) != hit.Key {
		// Semantic or partial match: name the fact we actually found.
		display = strings.ReplaceAll(hit.Key, "_", " ")
	}
	return Response{Text: fmt.Sprintf("%s is %s.", upperFirst(display), hit.Value), Speak: true}
}

func (b *Brain) forget(ctx context.Context, in router.Intent) (Response, error) {
	removed, err := b.cfg.Memory.Forget(ctx, in.Key)
	if err != nil {
		return Response{}, err
	}
	if removed {
		return Response{Text: fmt.Sprintf("I've forgotten everything about %s.", in.KeyRaw), Speak: true}, nil
	}
	return Response{Text: fmt.Sprintf("I don't remember anything about %s to forget.", in.KeyRaw), Speak: true}, nil
}

func (b *Brain) listMemories() Response {
	facts := b.cfg.Memory.List()
	if len(facts) == 0 {
		return Response{Text: "I don't have anything stored yet.", Speak: true}
	}

	var sb strings.Builder
	sb.WriteString("Here is what I remember:")
	for _, f := range facts {
		sb.WriteString("\n")
		sb.WriteString(strings.ReplaceAll(f.Key, "_", " "))
		sb.WriteString(": ")
		sb.WriteString(f.Value)
	}
	return Response{Text: sb.String(), Speak: false}
}

// --- service handlers ---

func (b *Brain) weather(ctx context.Context, in router.Intent) Response {
	if b.cfg.Weather == nil {
		return Response{Text: "Weather service is not configured.", Speak: true}
	}

	cond, err := b.cfg.Weather.Current(ctx, in.Location)
	if err != nil {
		slog.Warn("weather lookup failed", "location", in.Location, "error", err)
		if errors.Is(err, services.ErrNoLocation) {
			return Response{Text: "Could not determine your location. Please specify a city.", Speak: true}
		}
		loc := in.Location
		if loc == "" {
			loc = "your location"
		}
		return Response{Text: fmt.Sprintf("Could not retrieve weather data for %s.", loc), Speak: true}
	}

	return Response{
		Text: fmt.Sprintf("Weather in %s: %s. Temperature: %s°C (feels like %s°C). Humidity: %d%%.",
			cond.Location, cond.Description, trimFloat(cond.TempC), trimFloat(cond.FeelsLikeC), cond.Humidity),
		Speak: true,
	}
}

func (b *Brain) calendarAdd(in router.Intent) Response {
	if b.cfg.Calendar == nil {
		return Response{Text: "Calendar service is not configured.", Speak: true}
	}

	title := titleCase(in.Event.Title)
	ev, err := b.cfg.Calendar.Create(title, in.Event.Start, in.Event.Duration)
	if err != nil {
		slog.Error("calendar create failed", "title", title, "error", err)
		return Response{Text: fmt.Sprintf("Sorry, I couldn't add that event: %v", err), Speak: true}
	}

	return Response{
		Text: fmt.Sprintf("'%s' has been added to your calendar for %s.",
			ev.Title, ev.Start.Format("Monday, January 02 at 03:04 PM")),
		Speak: true,
	}
}

func (b *Brain) calendarList() Response {
	if b.cfg.Calendar == nil {
		return Response{Text: "Calendar service is not configured.", Speak: true}
	}

	events := b.cfg.Calendar.Upcoming(time.Now())
	if len(events) == 0 {
		return Response{Text: "You have no upcoming events.", Speak: true}
	}

	var sb strings.Builder
	sb.WriteString("Here are your upcoming events:")
	for _, ev := range events {
		fmt.Fprintf(&sb, "\n- %s on %s", ev.Title, ev.Start.Format("Monday, January 02 at 03:04 PM"))
	}
	return Response{Text: sb.String(), Speak: false}
}

func (b *Brain) fileSearch(ctx context.Context, in router.Intent) Response {
	if b.cfg.Files == nil {
		return Response{Text: "File assistant is not configured.", Speak: true}
	}

	matches, err := b.cfg.Files.Search(ctx, in.Pattern)
	if err != nil {
		slog.Warn("file search failed", "pattern", in.Pattern, "error", err)
		return Response{Text: "No files found.", Speak: true}
	}
	if len(matches) == 0 {
		return Response{Text: "No files found.", Speak: true}
	}

	shown := matches
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return Response{
		Text:  fmt.Sprintf("I found %d result(s).\n%s", len(matches), strings.Join(shown, "\n")),
		Speak: false,
	}
}

func (b *Brain) fileOpen(ctx context.Context, in router.Intent) Response {
	if b.cfg.Files == nil {
		return Response{Text: "File assistant is not configured.", Speak: true}
	}

	matches, err := b.cfg.Files.Search(ctx, in.Pattern)
	if err != nil || len(matches) == 0 {
		return Response{Text: "File not found.", Speak: true}
	}
	return Response{
		Text:  "File found and opened",
		Speak: true,
		SideEffects: []SideEffect{{
			Action: "open_file",
			Args:   map[string]string{"path": matches[0]},
		}},
	}
}

func (b *Brain) fileDelete(ctx context.Context, in router.Intent) Response {
	if b.cfg.Files == nil {
		return Response{Text: "File assistant is not configured.", Speak: true}
	}

	matches, err := b.cfg.Files.Search(ctx, in.Pattern)
	if err != nil || len(matches) == 0 {
		return Response{Text: "File not found.", Speak: true}
	}
	return Response{
		Text:  fmt.Sprintf("File deleted successfully: %s", matches[0]),
		Speak: true,
		SideEffects: []SideEffect{{
			Action: "delete_file",
			Args:   map[string]string{"path": matches[0]},
		}},
	}
}

func (b *Brain) systemStatus() Response {
	if b.cfg.System == nil {
		return Response{Text: "System monitoring is not configured.", Speak: true}
	}

	snap, ok := b.cfg.System.Latest()
	if !ok {
		return Response{Text: "System metrics are not available yet.", Speak: true}
	}

	text := fmt.Sprintf(
		"CPU Usage: %s percent. RAM: %s out of %s gigabytes used (%s percent). "+
			"Disk: %s out of %s gigabytes used (%s percent). Uptime: %s. OS: %s %s.",
		trimFloat(snap.CPUPercent),
		trimFloat(snap.MemUsedGB), trimFloat(snap.MemTotalGB), trimFloat(snap.MemPercent),
		trimFloat(snap.DiskUsedGB), trimFloat(snap.DiskTotalGB), trimFloat(snap.DiskPercent),
		formatUptime(snap.Uptime), snap.Platform, snap.PlatformVersion)
	return Response{Text: text, Speak: true}
}

func (b *Brain) automation(in router.Intent) Response {
	var text string
	switch in.Action {
	case router.ActionLock:
		text = "Locking your computer, sir."
	case router.ActionOpenApp:
		switch in.App {
		case "code":
			text = "Launching Visual Studio Code."
		case "browser":
			text = "Opening your browser, sir."
		default:
			text = fmt.Sprintf("Opening %s.", in.App)
		}
	case router.ActionPlayMusic:
		text = "Playing your favorite track."
	case router.ActionShutdown:
		text = "Shutting down your computer, sir."
	default:
		return Response{Text: "I don't know how to do that yet.", Speak: true}
	}

	return Response{
		Text:  text,
		Speak: true,
		SideEffects: []SideEffect{{
			Action: "automation",
			Args:   map[string]string{"name": in.Action, "app": in.App, "input": in.Original},
		}},
	}
}

// clarify maps an ambiguous intent to a pointed follow-up question.
// Families without a canned clarification fall through to conversation.
func (b *Brain) clarify(in router.Intent) (Response, bool) {
	switch in.Family {
	case router.KindRemember:
		return Response{Text: "Please phrase it like: 'Remember that [key] is [value]'.", Speak: true}, true
	case router.KindForget:
		return Response{Text: "What should I forget?", Speak: true}, true
	case router.KindCalendarAdd:
		if in.Event != nil && in.Event.Title != "" {
			return Response{
				Text: fmt.Sprintf("I understood you want to add '%s', but I couldn't determine when. "+
					"Please include a date and time, like 'tomorrow at 3pm' or 'next Monday at 10am'.",
					titleCase(in.Event.Title)),
				Speak: true,
			}, true
		}
		return Response{
			Text: "I need more information to add this event. Please try a command like:\n" +
				"\"Add meeting Team standup tomorrow at 10am for 1 hour\"\n" +
				"or \"Schedule event Doctor appointment on Friday at 2pm\"",
			Speak: true,
		}, true
	case router.KindFileSearch, router.KindFileOpen, router.KindFileDelete:
		return Response{Text: "Which file do you mean?", Speak: true}, true
	}
	return Response{}, false
}

// --- conversation path ---

func (b *Brain) converse(ctx context.Context) Response {
	system := Persona
	if facts := b.relevantFacts(ctx); facts != "" {
		system += "\n\nThings you know about the user:\n" + facts
	}

	reply, attempts := b.cfg.Completer.Complete(ctx, llm.CompletionRequest{
		System:      system,
		Messages:    b.historyMessages(),
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	})
	if b.cfg.OnAttempts != nil {
		b.cfg.OnAttempts(attempts)
	}
	return Response{Text: reply.Content, Speak: true}
}

// relevantFacts retrieves memories related to the last utterance, under
// a short budget so a slow embedder cannot stall the conversation.
func (b *Brain) relevantFacts(ctx context.Context) string {
	last := b.lastUserTurn()
	if last == "" {
		return ""
	}

	rctx, cancel := context.WithTimeout(ctx, b.cfg.RecallTimeout)
	defer cancel()

	scored := b.cfg.Memory.Recall(rctx, last)
	if len(scored) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, s := range scored {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s is %s", strings.ReplaceAll(s.Key, "_", " "), s.Value)
	}
	return sb.String()
}

// --- history ---

func (b *Brain) appendTurn(role, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, turn{role: role, text: text, at: time.Now()})
	if over := len(b.history) - b.cfg.MaxHistory; over > 0 {
		b.history = b.history[over:]
	}
}

func (b *Brain) historyMessages() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]llm.Message, 0, len(b.history))
	for _, t := range b.history {
		msgs = append(msgs, llm.Message{Role: t.role, Content: t.text})
	}
	return msgs
}

func (b *Brain) lastUserTurn() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].role == "user" {
			return b.history[i].text
		}
	}
	return ""
}

// HistoryLen reports the number of turns currently held.
func (b *Brain) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// --- formatting helpers ---

func swapMyYour(s string) string {
	return strings.ReplaceAll(s, "my ", "your ")
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = upperFirst(w)
	}
	return strings.Join(words, " ")
}

// trimFloat renders a float without trailing zeros (14.20 -> "14.2").
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatUptime renders a duration clock-style, e.g. "3:07:09" or
// "2 days, 3:07:09".
func formatUptime(d time.Duration) string {
	secs := int64(d.Seconds())
	days := secs / 86400
	secs %= 86400
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60

	switch {
	case days == 1:
		return fmt.Sprintf("1 day, %d:%02d:%02d", h, m, s)
	case days > 1:
		return fmt.Sprintf("%d days, %d:%02d:%02d", days, h, m, s)
	default:
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
}
