// Package router classifies user utterances into a closed set of intents
// and extracts their slots. It is deliberately rule-based: an ordered
// table of matchers over normalized text, first hit wins. Precision over
// recall: a wrong route triggers an unwanted side effect, while a missed
// route just hands the utterance to the language model.
package router

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an intent.
type Kind string

const (
	KindRemember     Kind = "remember"
	KindRecall       Kind = "recall"
	KindForget       Kind = "forget"
	KindListMemories Kind = "list_memories"
	KindWeather      Kind = "weather"
	KindCalendarAdd  Kind = "calendar_add"
	KindCalendarList Kind = "calendar_list"
	KindFileSearch   Kind = "file_search"
	KindFileOpen     Kind = "file_open"
	KindFileDelete   Kind = "file_delete"
	KindSystemStatus Kind = "system_status"
	KindAutomation   Kind = "automation"
	KindConversation Kind = "conversation"
	KindAmbiguous    Kind = "ambiguous"
)

// Automation actions form a closed set; App carries the target for
// ActionOpenApp.
const (
	ActionLock      = "lock"
	ActionOpenApp   = "open_app"
	ActionPlayMusic = "play_music"
	ActionShutdown  = "shutdown"
)

// EventSlots carries extracted calendar-event parameters.
type EventSlots struct {
	Title    string
	Start    time.Time
	Duration time.Duration
}

// Intent is a classified utterance. Only the fields relevant to Kind are
// populated.
type Intent struct {
	Kind Kind

	Key    string // memory key, leading "my " stripped
	KeyRaw string // memory key phrase as spoken
	Value  string

	Location string      // weather
	Event    *EventSlots // calendar add
	Pattern  string      // file search/open/delete target

	Action string // automation action
	App    string // open_app target

	// Family names the intent family whose slot extraction failed when
	// Kind is KindAmbiguous.
	Family Kind

	Original string
}

// Router classifies utterances. The zero value is not usable; construct
// with New.
type Router struct {
	now func() time.Time
}

// New returns a Router using the wall clock for relative dates.
func New() *Router {
	return &Router{now: time.Now}
}

// NewAt returns a Router with a fixed clock, for deterministic date
// extraction.
func NewAt(now func() time.Time) *Router {
	return &Router{now: now}
}

// matchers run in order; the first that fires wins. Memory outranks
// everything so "remember to lock the door" never reaches the automation
// family, and service families outrank automation's fuzzy matching.
var matchers = []struct {
	name string
	fn   func(r *Router, n norm) (Intent, bool)
}{
	{"memory", (*Router).matchMemory},
	{"calendar", (*Router).matchCalendar},
	{"weather", (*Router).matchWeather},
	{"file", (*Router).matchFile},
	{"system", (*Router).matchSystem},
	{"automation", (*Router).matchAutomation},
}

// Classify maps an utterance onto an Intent. Utterances no matcher
// claims become KindConversation.
func (r *Router) Classify(utterance string) Intent {
	n := normalize(utterance)
	for _, m := range matchers {
		if intent, ok := m.fn(r, n); ok {
			intent.Original = utterance
			slog.Debug("intent classified",
				"matcher", m.name,
				"kind", string(intent.Kind),
			)
			return intent
		}
	}
	return Intent{Kind: KindConversation, Original: utterance}
}

// norm is an utterance prepared for matching: lower-cased, apostrophes
// and sentence punctuation stripped, whitespace collapsed. Dots inside
// tokens survive so filenames stay intact.
type norm struct {
	text  string
	words []string
}

func normalize(s string) norm {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\'', '’', '"', ',', ';', '!', '?':
		default:
			b.WriteRune(r)
		}
	}
	words := strings.Fields(strings.TrimRight(b.String(), ". "))
	return norm{text: strings.Join(words, " "), words: words}
}

func (n norm) hasWord(w string) bool {
	for _, word := range n.words {
		if word == w {
			return true
		}
	}
	return false
}

// hasPhrase reports whether the phrase occurs as a contiguous word
// sequence.
func (n norm) hasPhrase(p string) bool {
	return strings.Contains(" "+n.text+" ", " "+p+" ")
}

// after returns the text following the first occurrence of the phrase.
func (n norm) after(p string) (string, bool) {
	i := strings.Index(" "+n.text+" ", " "+p+" ")
	if i < 0 {
		return "", false
	}
	return strings.TrimSpace(n.text[i+len(p):]), true
}

func stripMy(key string) string {
	return strings.TrimSpace(strings.TrimPrefix(key, "my "))
}

func ambiguous(family Kind) Intent {
	return Intent{Kind: KindAmbiguous, Family: family}
}

// --- memory family ---

var memoryListPhrases = []string{
	"what do you remember",
	"list everything you remember",
	"list memories",
	"list my memories",
	"show my memories",
	"show memories",
}

func (r *Router) matchMemory(n norm) (Intent, bool) {
	t := n.text

	if rest, ok := strings.CutPrefix(t, "remember that "); ok {
		key, value, found := strings.Cut(rest, " is ")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			return ambiguous(KindRemember), true
		}
		return Intent{Kind: KindRemember, Key: stripMy(key), KeyRaw: key, Value: value}, true
	}

	for _, p := range []string{"what do you remember about", "what do you know about"} {
		if key, ok := n.after(p); ok && key != "" {
			return Intent{Kind: KindRecall, Key: stripMy(key), KeyRaw: key}, true
		}
	}

	for _, p := range memoryListPhrases {
		if n.hasPhrase(p) || t == p {
			return Intent{Kind: KindListMemories}, true
		}
	}

	if key, ok := n.after("do you remember"); ok && key != "" {
		key = strings.TrimSpace(strings.TrimPrefix(key, "about "))
		if key != "" {
			return Intent{Kind: KindRecall, Key: stripMy(key), KeyRaw: key}, true
		}
	}

	if key, ok := strings.CutPrefix(t, "recall "); ok {
		key = strings.TrimSpace(key)
		if key != "" {
			return Intent{Kind: KindRecall, Key: stripMy(key), KeyRaw: key}, true
		}
	}

	if rest, ok := strings.CutPrefix(t, "forget "); ok {
		rest = strings.TrimPrefix(rest, "everything ")
		rest = strings.TrimPrefix(rest, "about ")
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return ambiguous(KindForget), true
		}
		return Intent{Kind: KindForget, Key: stripMy(rest), KeyRaw: rest}, true
	}

	// A remember-shaped utterance we could not parse stays in the memory
	// family instead of leaking into automation or conversation.
	if n.hasWord("remember") {
		return ambiguous(KindRemember), true
	}
	return Intent{}, false
}

// --- calendar family ---

var calendarAddTriggers = []string{
	"add meeting", "add event", "schedule meeting", "schedule event", "calendar add",
}

var calendarListPhrases = []string{
	"my schedule", "my events", "my meetings",
	"upcoming events", "upcoming meetings",
	"list events", "list meetings",
	"whats on the schedule", "whats on today",
}

func (r *Router) matchCalendar(n norm) (Intent, bool) {
	for _, trig := range calendarAddTriggers {
		if rest, ok := n.after(trig); ok {
			ev, parsed := r.parseEvent(rest)
			if !parsed {
				in := ambiguous(KindCalendarAdd)
				if title := bestEffortTitle(rest); title != "" {
					in.Event = &EventSlots{Title: title}
				}
				return in, true
			}
			return Intent{Kind: KindCalendarAdd, Event: ev}, true
		}
	}

	if n.hasWord("calendar") || n.hasWord("agenda") {
		return Intent{Kind: KindCalendarList}, true
	}
	for _, p := range calendarListPhrases {
		if n.hasPhrase(p) {
			return Intent{Kind: KindCalendarList}, true
		}
	}
	return Intent{}, false
}

// bestEffortTitle recovers a title from event text that did not parse,
// so a clarification can still name what the user wanted to add.
func bestEffortTitle(rest string) string {
	words := strings.Fields(rest)
	title := words
loop:
	for i, w := range words {
		switch w {
		case "at", "on", "tomorrow", "today", "tonight", "next", "this", "for":
			title = words[:i]
			break loop
		}
	}
	out := strings.Join(title, " ")
	for _, lead := range []string{"called ", "named ", "titled "} {
		out = strings.TrimPrefix(out, lead)
	}
	return strings.Trim(out, " ,.")
}

var (
	durationRe = regexp.MustCompile(`\bfor (\d{1,3}) ?(hours?|hrs?|minutes?|mins?)\b`)
	atTimeRe   = regexp.MustCompile(`\bat (\d{1,2})(?::(\d{2}))? ?(am|pm)?\b`)
	bareTimeRe = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))? ?(am|pm)\b`)
)

var weekdays = []struct {
	name string
	day  time.Weekday
}{
	{"monday", time.Monday}, {"tuesday", time.Tuesday}, {"wednesday", time.Wednesday},
	{"thursday", time.Thursday}, {"friday", time.Friday},
	{"saturday", time.Saturday}, {"sunday", time.Sunday},
}

// parseEvent extracts title, start, and duration from the text after an
// add trigger, e.g. "team standup tomorrow at 10am for 1 hour". A parse
// needs at least a title and a clock time; everything else defaults.
func (r *Router) parseEvent(rest string) (*EventSlots, bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, false
	}
	ev := &EventSlots{Duration: time.Hour}

	// the title is whatever precedes the first slot expression
	cut := len(rest)

	if m := durationRe.FindStringSubmatchIndex(rest); m != nil {
		amount, _ := strconv.Atoi(rest[m[2]:m[3]])
		if strings.HasPrefix(rest[m[4]:m[5]], "h") {
			ev.Duration = time.Duration(amount) * time.Hour
		} else {
			ev.Duration = time.Duration(amount) * time.Minute
		}
		if m[0] < cut {
			cut = m[0]
		}
	}

	hour, minute, ampm, timeAt, ok := findTime(rest)
	if !ok {
		return nil, false
	}
	if timeAt < cut {
		cut = timeAt
	}
	if ampm == "pm" && hour < 12 {
		hour += 12
	}
	if ampm == "am" && hour == 12 {
		hour = 0
	}

	now := r.now()
	day := now
	step := 1 // days to advance when the computed start is already past
	switch {
	case wordAt(rest, "tomorrow", &cut):
		day = now.AddDate(0, 0, 1)
	case wordAt(rest, "today", &cut), wordAt(rest, "tonight", &cut):
	default:
		for _, wd := range weekdays {
			at := wordIndex(rest, wd.name)
			if at < 0 {
				continue
			}
			day = now.AddDate(0, 0, (int(wd.day)-int(now.Weekday())+7)%7)
			step = 7
			// pull qualifiers like "next friday" into the cut
			at = qualifierStart(rest, at)
			if at < cut {
				cut = at
			}
			break
		}
	}

	ev.Start = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	if !ev.Start.After(now) {
		// prefer the future reading: a bare small hour means pm today
		// before it means tomorrow morning
		if step == 1 && ampm == "" && hour < 12 {
			if shifted := ev.Start.Add(12 * time.Hour); shifted.After(now) {
				ev.Start = shifted
			}
		}
		for !ev.Start.After(now) {
			ev.Start = ev.Start.AddDate(0, 0, step)
		}
	}

	title := strings.Trim(strings.TrimSpace(rest[:cut]), " ,.")
	for _, p := range []string{"called ", "named ", "titled "} {
		title = strings.TrimPrefix(title, p)
	}
	for _, suffix := range []string{" on", " at", " for", " next", " this"} {
		title = strings.TrimSuffix(title, suffix)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, false
	}
	ev.Title = title
	return ev, true
}

func findTime(s string) (hour, minute int, ampm string, at int, ok bool) {
	m := atTimeRe.FindStringSubmatchIndex(s)
	if m == nil {
		m = bareTimeRe.FindStringSubmatchIndex(s)
	}
	if m == nil {
		return 0, 0, "", 0, false
	}
	hour, _ = strconv.Atoi(s[m[2]:m[3]])
	if m[4] >= 0 {
		minute, _ = strconv.Atoi(s[m[4]:m[5]])
	}
	if m[6] >= 0 {
		ampm = s[m[6]:m[7]]
	}
	if hour > 23 || minute > 59 {
		return 0, 0, "", 0, false
	}
	return hour, minute, ampm, m[0], true
}

// wordIndex returns the byte offset of word in s, or -1.
func wordIndex(s, word string) int {
	i := strings.Index(" "+s+" ", " "+word+" ")
	if i < 0 {
		return -1
	}
	return i
}

// wordAt reports whether word occurs in s and lowers *cut to its start.
func wordAt(s, word string, cut *int) bool {
	i := wordIndex(s, word)
	if i < 0 {
		return false
	}
	if i < *cut {
		*cut = i
	}
	return true
}

// qualifierStart walks back over "next"/"this"/"on" preceding a weekday.
func qualifierStart(s string, at int) int {
	for _, q := range []string{"next ", "this ", "on "} {
		if at >= len(q) && s[at-len(q):at] == q {
			return at - len(q)
		}
	}
	return at
}

// --- weather family ---

func (r *Router) matchWeather(n norm) (Intent, bool) {
	if !n.hasWord("weather") && !n.hasWord("forecast") && !n.hasWord("temperature") {
		return Intent{}, false
	}
	location := ""
	if rest, ok := n.after("in"); ok {
		location = strings.TrimPrefix(rest, "the ")
	}
	return Intent{Kind: KindWeather, Location: location}, true
}

// --- file family ---

var fileKeywords = []string{"file", "files", "document", "documents", "folder", "folders"}

var fileFillers = map[string]bool{
	"my": true, "the": true, "a": true, "an": true, "some": true,
	"me": true, "please": true, "called": true, "named": true, "for": true,
	"file": true, "files": true, "document": true, "documents": true,
	"folder": true, "folders": true,
}

func (r *Router) matchFile(n norm) (Intent, bool) {
	// find/search fire when they lead the utterance or a file word backs
	// them up; "do you find it funny" stays conversational
	verbFirst := strings.HasPrefix(n.text, "find ") || strings.HasPrefix(n.text, "search ")
	if verbFirst || n.hasFileSignal() {
		for _, verb := range []string{"find", "search for", "search"} {
			if rest, ok := n.after(verb); ok {
				return filePatternIntent(KindFileSearch, rest), true
			}
		}
	}

	// open/delete need a file signal, otherwise they belong to automation
	// ("open browser") or conversation
	if !n.hasFileSignal() {
		return Intent{}, false
	}
	if rest, ok := n.after("open"); ok {
		return filePatternIntent(KindFileOpen, rest), true
	}
	for _, verb := range []string{"delete", "remove"} {
		if rest, ok := n.after(verb); ok {
			return filePatternIntent(KindFileDelete, rest), true
		}
	}
	return Intent{}, false
}

func (n norm) hasFileSignal() bool {
	for _, kw := range fileKeywords {
		if n.hasWord(kw) {
			return true
		}
	}
	for _, w := range n.words {
		if i := strings.IndexByte(w, '.'); i > 0 && i < len(w)-1 {
			return true // extension-bearing token, e.g. notes.txt
		}
	}
	return false
}

func filePatternIntent(kind Kind, rest string) Intent {
	var kept []string
	for _, w := range strings.Fields(rest) {
		if fileFillers[w] {
			continue
		}
		kept = append(kept, w)
	}
	pattern := strings.Join(kept, " ")
	if pattern == "" {
		return ambiguous(kind)
	}
	return Intent{Kind: kind, Pattern: pattern}
}

// --- system family ---

var systemPhrases = []string{
	"system monitor", "system status", "how is the system",
	"system stats", "system information", "check systems",
}

func (r *Router) matchSystem(n norm) (Intent, bool) {
	for _, p := range systemPhrases {
		if n.hasPhrase(p) {
			return Intent{Kind: KindSystemStatus}, true
		}
	}
	return Intent{}, false
}

// --- automation family ---

type autoCommand struct {
	phrase string
	action string
	app    string
}

var autoCommands = []autoCommand{
	{"lock the computer", ActionLock, ""},
	{"lock computer", ActionLock, ""},
	{"lock", ActionLock, ""},
	{"open browser", ActionOpenApp, "browser"},
	{"open the browser", ActionOpenApp, "browser"},
	{"open vs code", ActionOpenApp, "code"},
	{"open code", ActionOpenApp, "code"},
	{"play music", ActionPlayMusic, ""},
	{"play some music", ActionPlayMusic, ""},
	{"shutdown", ActionShutdown, ""},
	{"shut down", ActionShutdown, ""},
	{"power off", ActionShutdown, ""},
}

// matchAutomation resolves the closed action set: direct phrase
// containment first, then fuzzy similarity against the command table for
// sloppy phrasings and typos.
func (r *Router) matchAutomation(n norm) (Intent, bool) {
	for _, c := range autoCommands {
		if n.hasPhrase(c.phrase) {
			return Intent{Kind: KindAutomation, Action: c.action, App: c.app, Pattern: c.phrase}, true
		}
	}

	var best autoCommand
	bestScore := 0.0
	for _, c := range autoCommands {
		if !strings.Contains(c.phrase, " ") {
			continue // single words are covered by exact matching above
		}
		if s := Ratio(n.text, c.phrase); s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore >= fuzzyCutoff {
		return Intent{Kind: KindAutomation, Action: best.action, App: best.app, Pattern: best.phrase}, true
	}
	return Intent{}, false
}
