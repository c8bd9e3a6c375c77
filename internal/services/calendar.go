package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single calendar entry.
type Event struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calendar is a local JSON-backed event store. The document is rewritten
// through a temp file and rename so a crash mid-write never truncates it.
type Calendar struct {
	path string

	mu     sync.Mutex
	events []Event
}

// OpenCalendar loads the event document at path, which may not exist yet.
func OpenCalendar(path string) (*Calendar, error) {
	c := &Calendar{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open calendar %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.events); err != nil {
		return nil, fmt.Errorf("parse calendar %q: %w", path, err)
	}
	return c, nil
}

// Create adds an event starting at start and persists the document.
// A zero or negative duration defaults to one hour.
func (c *Calendar) Create(title string, start time.Time, duration time.Duration) (Event, error) {
	if duration <= 0 {
		duration = time.Hour
	}
	ev := Event{
		ID:    uuid.NewString(),
		Title: title,
		Start: start,
		End:   start.Add(duration),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if err := c.flushLocked(); err != nil {
		c.events = c.events[:len(c.events)-1]
		return Event{}, fmt.Errorf("create event %q: %w", title, err)
	}
	return ev, nil
}

// Upcoming returns events that have not ended by now, soonest first.
func (c *Calendar) Upcoming(now time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, 0, len(c.events))
	for _, ev := range c.events {
		if ev.End.After(now) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// Len reports the number of stored events, past ones included.
func (c *Calendar) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *Calendar) flushLocked() error {
	data, err := json.MarshalIndent(c.events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename %q: %w", tmp, err)
	}
	return nil
}
