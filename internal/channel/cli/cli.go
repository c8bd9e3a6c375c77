// Package cli implements the terminal conversation channel: a line-based
// REPL on stdin/stdout for running the assistant interactively.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alfred-labs/alfred/pkg/channel"
)

const (
	prompt   = "You: "
	greeting = "Initializing systems. How may I assist you today?"
	farewell = "Powering down. Goodbye, sir."
)

// Channel implements channel.Channel over stdin/stdout.
type Channel struct {
	in  io.Reader
	out io.Writer
}

// New creates a terminal channel on stdin/stdout.
func New() *Channel {
	return &Channel{in: os.Stdin, out: os.Stdout}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "cli" }

// Start reads utterances line by line until the user says goodbye
// (exit, quit, sleep), input ends, or ctx is cancelled. A clean return
// means the user ended the session.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	fmt.Fprintf(c.out, "A.L.F.R.E.D: %s\n", greeting)

	// Reads block with no way to interrupt them, so they run in a
	// goroutine and cancellation abandons the pending read.
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for {
			fmt.Fprint(c.out, prompt)
			if !scanner.Scan() {
				errCh <- scanner.Err()
				return
			}
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errCh
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if isFarewell(line) {
				fmt.Fprintf(c.out, "A.L.F.R.E.D: %s\n", farewell)
				return nil
			}

			msg := channel.Message{
				Source:    "cli",
				SenderID:  "local",
				RoomID:    "terminal",
				Content:   line,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := handler(ctx, msg); err != nil {
				fmt.Fprintf(c.out, "(error: %v)\n", err)
			}
		}
	}
}

// isFarewell reports whether line is one of the session-ending commands.
// Exact matches only: "remember that I sleep at 10pm" is an utterance,
// not a goodbye.
func isFarewell(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit", "sleep", "go to sleep":
		return true
	}
	return false
}

// Send prints a reply. Spoken replies carry the assistant's name the way
// a voice would; enumerations print bare so multi-line output stays
// readable.
func (c *Channel) Send(_ context.Context, resp channel.Response) error {
	if resp.Speak {
		_, err := fmt.Fprintf(c.out, "A.L.F.R.E.D: %s\n", resp.Content)
		return err
	}
	_, err := fmt.Fprintf(c.out, "%s\n", resp.Content)
	return err
}

// Stop implements channel.Channel. The reader goroutine exits with the
// context.
func (c *Channel) Stop() error { return nil }
