// Package services implements the assistant's external collaborators:
// the weather client, the local calendar, the file assistant, desktop
// automation, and the system monitor. Each exposes a small synchronous
// API returning structured results; the brain turns those into reply
// text and never reaches the OS or the network itself.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/alfred-labs/alfred/pkg/router"
)

// ErrMusicPathUnset is returned by play_music when no music path is
// configured or the configured path does not exist.
var ErrMusicPathUnset = errors.New("music path not configured")

// Action is a single automation request resolved by the intent router.
type Action struct {
	Name  string // one of the router's automation actions
	App   string // target application for open_app
	Input string // raw utterance, recorded in the command log
}

// Automation performs desktop-level actions on behalf of the assistant.
// Every request is appended to a command log file so there is an audit
// trail of what the assistant was asked to do to the machine.
type Automation struct {
	musicPath string
	logPath   string
	homeURL   string

	logMu sync.Mutex
	run   func(ctx context.Context, name string, args ...string) error
}

// NewAutomation returns an Automation that launches real commands.
// musicPath may be empty (play_music then reports ErrMusicPathUnset);
// logPath may be empty to disable the command log.
func NewAutomation(musicPath, logPath string) *Automation {
	a := &Automation{
		musicPath: musicPath,
		logPath:   logPath,
		homeURL:   "https://www.google.com",
	}
	a.run = a.execRun
	return a
}

// Perform executes act. The command is started and left to run on its
// own; lock and shutdown in particular never report back.
func (a *Automation) Perform(ctx context.Context, act Action) error {
	a.logCommand(act)

	name, args, err := a.resolve(act)
	if err != nil {
		return err
	}
	if err := a.run(ctx, name, args...); err != nil {
		return fmt.Errorf("perform %s: %w", act.Name, err)
	}
	slog.Info("automation performed", "action", act.Name, "app", act.App)
	return nil
}

func (a *Automation) resolve(act Action) (string, []string, error) {
	switch act.Name {
	case router.ActionLock:
		return lockCommand()
	case router.ActionOpenApp:
		return a.openAppCommand(act.App)
	case router.ActionPlayMusic:
		if a.musicPath == "" {
			return "", nil, ErrMusicPathUnset
		}
		if _, err := os.Stat(a.musicPath); err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrMusicPathUnset, a.musicPath)
		}
		name, args := openerCommand(a.musicPath)
		return name, args, nil
	case router.ActionShutdown:
		return shutdownCommand()
	default:
		return "", nil, fmt.Errorf("unknown automation action %q", act.Name)
	}
}

func (a *Automation) openAppCommand(app string) (string, []string, error) {
	switch app {
	case "browser":
		name, args := openerCommand(a.homeURL)
		return name, args, nil
	case "code":
		return "code", nil, nil
	default:
		return "", nil, fmt.Errorf("unknown application %q", app)
	}
}

func lockCommand() (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "pmset", []string{"displaysleepnow"}, nil
	case "windows":
		return "rundll32.exe", []string{"user32.dll,LockWorkStation"}, nil
	case "linux":
		return "loginctl", []string{"lock-session"}, nil
	default:
		return "", nil, fmt.Errorf("session locking is not supported on %s", runtime.GOOS)
	}
}

func shutdownCommand() (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "shutdown", []string{"-h", "now"}, nil
	case "windows":
		return "shutdown", []string{"/s", "/t", "0"}, nil
	case "linux":
		return "systemctl", []string{"poweroff"}, nil
	default:
		return "", nil, fmt.Errorf("shutdown is not supported on %s", runtime.GOOS)
	}
}

func (a *Automation) execRun(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// logCommand appends the request to the command log. Log failures are
// reported but never block the action itself.
func (a *Automation) logCommand(act Action) {
	if a.logPath == "" {
		return
	}
	a.logMu.Lock()
	defer a.logMu.Unlock()

	f, err := os.OpenFile(a.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("command log unavailable", "path", a.logPath, "error", err)
		return
	}
	defer f.Close()

	ts := time.Now().Format("2006-01-02 15:04:05")
	matched := act.Name
	if act.App != "" {
		matched += " " + act.App
	}
	fmt.Fprintf(f, "[%s] INPUT: %s\n", ts, act.Input)
	fmt.Fprintf(f, "             MATCHED: %s\n\n", matched)
}
