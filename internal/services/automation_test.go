package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alfred-labs/alfred/pkg/router"
)

type runRecord struct {
	calls int
	name  string
	args  []string
}

func recordingAutomation(musicPath, logPath string) (*Automation, *runRecord) {
	a := NewAutomation(musicPath, logPath)
	rec := &runRecord{}
	a.run = func(ctx context.Context, name string, args ...string) error {
		rec.calls++
		rec.name = name
		rec.args = args
		return nil
	}
	return a, rec
}

func TestPerformOpensCode(t *testing.T) {
	a, rec := recordingAutomation("", "")
	err := a.Perform(context.Background(), Action{Name: router.ActionOpenApp, App: "code", Input: "open vs code"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if rec.name != "code" || len(rec.args) != 0 {
		t.Errorf("ran %q %v, want code with no args", rec.name, rec.args)
	}
}

func TestPerformBrowserOpensHomePage(t *testing.T) {
	a, rec := recordingAutomation("", "")
	err := a.Perform(context.Background(), Action{Name: router.ActionOpenApp, App: "browser", Input: "open the browser"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	joined := rec.name + " " + strings.Join(rec.args, " ")
	if !strings.Contains(joined, "https://www.google.com") {
		t.Errorf("ran %q, want the browser home page", joined)
	}
}

func TestPerformUnknownApp(t *testing.T) {
	a, rec := recordingAutomation("", "")
	err := a.Perform(context.Background(), Action{Name: router.ActionOpenApp, App: "spotify"})
	if err == nil {
		t.Fatal("Perform accepted an unknown application")
	}
	if rec.calls != 0 {
		t.Errorf("run called %d times for an unknown app", rec.calls)
	}
}

func TestPlayMusicRequiresPath(t *testing.T) {
	a, rec := recordingAutomation("", "")
	err := a.Perform(context.Background(), Action{Name: router.ActionPlayMusic, Input: "play music"})
	if !errors.Is(err, ErrMusicPathUnset) {
		t.Errorf("Perform err = %v, want ErrMusicPathUnset", err)
	}
	if rec.calls != 0 {
		t.Errorf("run called %d times without a music path", rec.calls)
	}

	missing, rec2 := recordingAutomation(filepath.Join(t.TempDir(), "nope.mp3"), "")
	err = missing.Perform(context.Background(), Action{Name: router.ActionPlayMusic, Input: "play music"})
	if !errors.Is(err, ErrMusicPathUnset) {
		t.Errorf("Perform err for missing file = %v, want ErrMusicPathUnset", err)
	}
	if rec2.calls != 0 {
		t.Errorf("run called %d times for a missing track", rec2.calls)
	}
}

func TestPlayMusicOpensConfiguredPath(t *testing.T) {
	song := filepath.Join(t.TempDir(), "track.mp3")
	if err := os.WriteFile(song, []byte("mp3"), 0o644); err != nil {
		t.Fatalf("write %q: %v", song, err)
	}

	a, rec := recordingAutomation(song, "")
	if err := a.Perform(context.Background(), Action{Name: router.ActionPlayMusic, Input: "play music"}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	joined := rec.name + " " + strings.Join(rec.args, " ")
	if !strings.Contains(joined, song) {
		t.Errorf("ran %q, want the configured track", joined)
	}
}

func TestPerformUnknownAction(t *testing.T) {
	a, rec := recordingAutomation("", "")
	if err := a.Perform(context.Background(), Action{Name: "dance"}); err == nil {
		t.Fatal("Perform accepted an unknown action")
	}
	if rec.calls != 0 {
		t.Errorf("run called %d times for an unknown action", rec.calls)
	}
}

func TestCommandLogFormat(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "command_log.txt")
	a, _ := recordingAutomation("", logPath)

	err := a.Perform(context.Background(), Action{Name: router.ActionOpenApp, App: "browser", Input: "open the browser"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) != 4 {
		t.Fatalf("log has %d lines, want 4:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "[") || !strings.HasSuffix(lines[0], "] INPUT: open the browser") {
		t.Errorf("input line = %q", lines[0])
	}
	if lines[1] != "             MATCHED: open_app browser" {
		t.Errorf("matched line = %q", lines[1])
	}
	if lines[2] != "" || lines[3] != "" {
		t.Errorf("log entry not terminated by a blank line: %q", lines[2:])
	}
}
