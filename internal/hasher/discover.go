package hasher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 4

// Options controls which files discovery admits and how many are hashed
// at once.
type Options struct {
	// Root is the directory keys are made relative to. When empty it is
	// the single directory input, the parent of a single file input, or
	// the working directory when there are several inputs.
	Root string

	// Exclude holds extra ignore patterns in ignore-file syntax.
	Exclude []string

	// IncludeExt restricts discovery to these extensions (".md" or "md").
	// Empty admits every extension.
	IncludeExt []string

	// IgnoreFile is the name of an ignore file read from Root.
	IgnoreFile string

	// MaxFileSize skips files larger than this many bytes. Zero disables
	// the limit.
	MaxFileSize int64

	// Workers bounds concurrent hashing. Values below 1 use a default.
	Workers int
}

// Result is the current fingerprint set of the inputs.
type Result struct {
	Root string

	// Files maps normalized relative path to fingerprint.
	Files map[string]string

	// Failed holds entries that could not be read. Keys may be files or
	// directories. Each error wraps ErrIO.
	Failed map[string]error

	// Filtered counts entries excluded by the admission rules.
	Filtered int

	abs map[string]string
}

// AbsPath returns the on-disk path for a discovered key.
func (r *Result) AbsPath(rel string) (string, bool) {
	p, ok := r.abs[rel]
	return p, ok
}

// Shadowed reports whether rel or one of its parent directories failed
// to read during discovery. A shadowed path's absence from Files says
// nothing about whether it still exists.
func (r *Result) Shadowed(rel string) bool {
	if _, ok := r.Failed[rel]; ok {
		return true
	}

	for dir := rel; ; {
		i := strings.LastIndexByte(dir, '/')
		if i < 0 {
			return false
		}

		dir = dir[:i]
		if _, ok := r.Failed[dir]; ok {
			return true
		}
	}
}

// Discover walks inputs (files or directories), applies the admission
// rules, and hashes every admitted file on a bounded worker pool.
// Unreadable entries are collected in Result.Failed. A missing input,
// an input outside Root, or cancellation is returned as an error.
func Discover(ctx context.Context, inputs []string, opts Options, logger *slog.Logger) (*Result, error) {
	if len(inputs) == 0 {
		inputs = []string{"."}
	}

	absInputs := make([]string, 0, len(inputs))
	infos := make([]os.FileInfo, 0, len(inputs))

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving input %s: %v", kberrors.ErrIO, in, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s: %v", kberrors.ErrIO, in, err)
		}

		absInputs = append(absInputs, abs)
		infos = append(infos, info)
	}

	root, err := resolveRoot(opts.Root, absInputs, infos)
	if err != nil {
		return nil, err
	}

	w := &walker{
		root:    root,
		opts:    opts,
		logger:  logger,
		exts:    normalizeExts(opts.IncludeExt),
		pending: make(map[string]string),
		result: &Result{
			Root:   root,
			Files:  make(map[string]string),
			Failed: make(map[string]error),
			abs:    make(map[string]string),
		},
	}

	if opts.IgnoreFile != "" {
		w.ignore = LoadIgnore(filepath.Join(root, opts.IgnoreFile), opts.Exclude)
	} else {
		w.ignore = NewIgnore(opts.Exclude)
	}

	for i, abs := range absInputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if infos[i].IsDir() {
			err = w.walkDir(abs)
		} else {
			err = w.addFile(abs, infos[i])
		}

		if err != nil {
			return nil, err
		}
	}

	if err := w.hashAll(ctx); err != nil {
		return nil, err
	}

	logger.Debug("discovery complete",
		slog.String("root", root),
		slog.Int("files", len(w.result.Files)),
		slog.Int("failed", len(w.result.Failed)),
		slog.Int("filtered", w.result.Filtered),
	)

	return w.result, nil
}

func resolveRoot(root string, inputs []string, infos []os.FileInfo) (string, error) {
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("%w: resolving root %s: %v", kberrors.ErrIO, root, err)
		}

		return abs, nil
	}

	if len(inputs) == 1 {
		if infos[0].IsDir() {
			return inputs[0], nil
		}

		return filepath.Dir(inputs[0]), nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("%w: working directory: %v", kberrors.ErrIO, err)
	}

	return wd, nil
}

func normalizeExts(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}

	out := make(map[string]bool, len(exts))

	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}

		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		out[e] = true
	}

	return out
}

type walker struct {
	root    string
	opts    Options
	logger  *slog.Logger
	ignore  *Ignore
	exts    map[string]bool
	pending map[string]string // rel -> abs, waiting to be hashed
	result  *Result
}

func (w *walker) rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: relativizing %s: %v", kberrors.ErrIO, abs, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside root %s", kberrors.ErrIO, abs, w.root)
	}

	if rel == "." {
		return "", nil
	}

	return NormalizePath(rel), nil
}

func (w *walker) walkDir(top string) error {
	return filepath.WalkDir(top, func(absPath string, d fs.DirEntry, err error) error {
		rel, relErr := w.rel(absPath)
		if relErr != nil {
			return relErr
		}

		if err != nil {
			if absPath == top {
				return fmt.Errorf("%w: walking %s: %v", kberrors.ErrIO, top, err)
			}

			w.logger.Warn("unreadable entry during discovery",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
			w.result.Failed[rel] = fmt.Errorf("%w: %v", kberrors.ErrIO, err)

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if absPath == top {
			return nil
		}

		if d.IsDir() {
			if w.skipDir(rel, d.Name()) {
				w.result.Filtered++
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			w.logger.Debug("skipping symlink during discovery", slog.String("path", rel))
			w.result.Filtered++

			return nil
		}

		info, err := d.Info()
		if err != nil {
			w.result.Failed[rel] = fmt.Errorf("%w: stat %s: %v", kberrors.ErrIO, rel, err)
			return nil
		}

		return w.consider(rel, absPath, info)
	})
}

func (w *walker) addFile(abs string, info os.FileInfo) error {
	rel, err := w.rel(abs)
	if err != nil {
		return err
	}

	if rel == "" {
		return fmt.Errorf("%w: file input %s resolves to the root", kberrors.ErrIO, abs)
	}

	return w.consider(rel, abs, info)
}

func (w *walker) skipDir(rel, name string) bool {
	if strings.HasPrefix(name, ".") || name == "node_modules" {
		return true
	}

	return w.ignore.Match(rel, true)
}

func (w *walker) consider(rel, abs string, info os.FileInfo) error {
	if !w.admitFile(rel, info) {
		w.result.Filtered++
		return nil
	}

	// Overlapping inputs can reach the same file twice. Distinct names
	// that normalize to one key cannot both be kept; the last one walked
	// wins.
	if prev, ok := w.pending[rel]; ok && prev != abs {
		w.logger.Warn("distinct files share a normalized path",
			slog.String("path", rel),
			slog.String("kept", abs),
			slog.String("dropped", prev),
		)
	}

	w.pending[rel] = abs

	return nil
}

func (w *walker) admitFile(rel string, info os.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return false
	}

	name := info.Name()
	if strings.HasPrefix(name, ".") {
		return false
	}

	// Editor temp files.
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return false
	}

	if w.ignore.Match(rel, false) {
		return false
	}

	if w.exts != nil && !w.exts[strings.ToLower(filepath.Ext(name))] {
		return false
	}

	if w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize {
		w.logger.Debug("skipping oversized file",
			slog.String("path", rel),
			slog.Int64("size", info.Size()),
			slog.Int64("max", w.opts.MaxFileSize),
		)

		return false
	}

	return true
}

func (w *walker) hashAll(ctx context.Context) error {
	workers := w.opts.Workers
	if workers < 1 {
		workers = defaultWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex

	for rel, abs := range w.pending {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			fp, err := HashFile(abs)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				w.logger.Warn("hashing failed", slog.String("path", rel), slog.String("error", err.Error()))
				w.result.Failed[rel] = err

				return nil
			}

			w.result.Files[rel] = fp
			w.result.abs[rel] = abs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}
