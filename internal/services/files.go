package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrOutsideRoots is returned when a path falls outside the allowed
// search roots.
var ErrOutsideRoots = errors.New("path outside allowed directories")

// excludedDirs are directory names skipped during search: caches, VCS
// metadata, virtualenvs, and OS-managed trees.
var excludedDirs = map[string]struct{}{
	"$Recycle.Bin":              {},
	"Windows":                   {},
	"ProgramData":               {},
	"AppData":                   {},
	"node_modules":              {},
	".git":                      {},
	"__pycache__":               {},
	".venv":                     {},
	"venv":                      {},
	"System Volume Information": {},
	"Recovery":                  {},
	".cache":                    {},
	".npm":                      {},
	".yarn":                     {},
	"site-packages":             {},
}

// maxSearchResults caps a single search so a broad pattern cannot chew
// through the whole disk.
const maxSearchResults = 100

// FileAssistant searches and manipulates files beneath a fixed set of
// root directories. Open and Delete refuse paths outside the roots.
type FileAssistant struct {
	roots []string
}

// NewFileAssistant builds an assistant over the given roots. With no
// roots the user's home directory is used.
func NewFileAssistant(roots ...string) *FileAssistant {
	if len(roots) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			roots = []string{home}
		}
	}
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			slog.Warn("skipping unusable search root", "root", r, "error", err)
			continue
		}
		clean = append(clean, abs)
	}
	return &FileAssistant{roots: clean}
}

// Search walks the roots for file names containing pattern,
// case-insensitively. Hidden directories and excludedDirs are skipped,
// results are capped at maxSearchResults, and the walk stops early when
// ctx is cancelled.
func (f *FileAssistant) Search(ctx context.Context, pattern string) ([]string, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return nil, fmt.Errorf("empty search pattern")
	}

	var matches []string
	for _, root := range f.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				return nil // unreadable entry, keep walking
			}
			name := d.Name()
			if d.IsDir() {
				if _, skip := excludedDirs[name]; skip {
					return filepath.SkipDir
				}
				if strings.HasPrefix(name, ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.Contains(strings.ToLower(name), pattern) {
				matches = append(matches, path)
				if len(matches) >= maxSearchResults {
					return fs.SkipAll
				}
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return matches, err
			}
			slog.Warn("file search aborted", "root", root, "error", err)
		}
		if len(matches) >= maxSearchResults {
			break
		}
	}
	slog.Debug("file search finished", "pattern", pattern, "matches", len(matches))
	return matches, nil
}

// Open launches the platform opener for path. The opener detaches, so a
// nil return only means it was started.
func (f *FileAssistant) Open(ctx context.Context, path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}

	name, args := openerCommand(abs)
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	go cmd.Wait()
	slog.Info("opened path", "path", abs)
	return nil
}

// Delete removes a regular file after confirming it lies under a root.
// Directories are refused.
func (f *FileAssistant) Delete(path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("delete %q: is a directory", path)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	slog.Info("deleted file", "path", abs)
	return nil
}

// resolve makes path absolute and rejects anything outside the roots.
func (f *FileAssistant) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for _, root := range f.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("resolve %q: %w", path, ErrOutsideRoots)
}

// openerCommand picks the platform's open-with-default-app command for
// a file, folder, or URL.
func openerCommand(target string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{target}
	case "windows":
		return "cmd", []string{"/c", "start", "", target}
	default:
		return "xdg-open", []string{target}
	}
}
