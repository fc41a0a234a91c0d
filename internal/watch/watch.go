// Package watch re-runs a sync after filesystem changes under the
// inputs settle.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is the quiet period used when Options.Debounce is
	// zero.
	DefaultDebounce = 2 * time.Second

	maxTick = 500 * time.Millisecond
	minTick = 10 * time.Millisecond
)

// SyncFunc performs one synchronization pass.
type SyncFunc func(ctx context.Context) error

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the tree must be quiet before a sync runs.
	Debounce time.Duration

	// Skip holds absolute path prefixes whose events never trigger a
	// sync, such as the store's own files when it lives under an input.
	Skip []string
}

// Watcher monitors input directories and calls a SyncFunc once changes
// settle. Events that arrive while a sync is running schedule another.
type Watcher struct {
	inputs []string
	opts   Options
	sync   SyncFunc
	logger *slog.Logger

	watcher *fsnotify.Watcher
}

// New creates a watcher for inputs. File inputs are watched through
// their parent directory.
func New(inputs []string, opts Options, fn SyncFunc, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if len(inputs) == 0 {
		inputs = []string{"."}
	}

	return &Watcher{
		inputs: inputs,
		opts:   opts,
		sync:   fn,
		logger: logger,
	}
}

// Watch blocks until ctx is cancelled or a sync fails fatally. Other
// sync errors are logged and watching continues.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	for _, in := range w.inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("%w: resolving %s: %v", kberrors.ErrIO, in, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("%w: watching %s: %v", kberrors.ErrIO, in, err)
		}

		if !info.IsDir() {
			abs = filepath.Dir(abs)
		}

		if err := w.addRecursive(abs); err != nil {
			return fmt.Errorf("watching %s: %w", in, err)
		}
	}

	w.logger.Info("file watcher started",
		slog.Int("dirs", len(watcher.WatchList())),
		slog.Duration("debounce", w.opts.Debounce),
	)

	ticker := time.NewTicker(tickFor(w.opts.Debounce))
	defer ticker.Stop()

	var (
		dirty bool
		last  time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			// Use Lstat so a symlinked directory is never followed.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

			w.logger.Debug("change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))

			dirty = true
			last = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty || time.Since(last) < w.opts.Debounce {
				continue
			}

			dirty = false

			if err := w.run(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) run(ctx context.Context) error {
	w.logger.Info("changes settled, syncing")

	err := w.sync(ctx)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case kberrors.IsFatal(err):
		return fmt.Errorf("re-sync: %w", err)
	default:
		w.logger.Warn("re-sync failed", slog.String("error", err.Error()))
		return nil
	}
}

// addRecursive adds dir and every non-hidden directory below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}

			w.logger.Warn("cannot watch directory", slog.String("path", path), slog.String("error", err.Error()))

			return filepath.SkipDir
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir {
			name := d.Name()
			if strings.HasPrefix(name, ".") || name == "node_modules" {
				return filepath.SkipDir
			}
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore returns true for paths whose changes never affect the
// discovered set.
func (w *Watcher) shouldIgnore(absPath string) bool {
	for _, p := range w.opts.Skip {
		if p != "" && strings.HasPrefix(absPath, p) {
			return true
		}
	}

	name := filepath.Base(absPath)

	if strings.HasPrefix(name, ".") {
		return true
	}

	// Temp files from editors.
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}

	return name == "node_modules"
}

func tickFor(debounce time.Duration) time.Duration {
	t := debounce / 4

	switch {
	case t > maxTick:
		return maxTick
	case t < minTick:
		return minTick
	default:
		return t
	}
}
