// Package loader runs incremental synchronization of a directory tree
// into a record store.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/categorize"
	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/hasher"
	"github.com/alexjbarnes/kb-sync/internal/records"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"golang.org/x/sync/errgroup"
)

// Loader drives one run at a time: discover, read prior state,
// categorize, dispatch, report. It keeps no state between runs; each
// run re-reads the persisted fingerprints.
type Loader struct {
	cfg      Config
	store    store.Store
	deriver  records.Deriver
	discover hasher.Options
	logger   *slog.Logger

	readFile func(string) ([]byte, error)
}

// New validates cfg and returns a Loader. Discovery uses opts with its
// worker count taken from cfg.
func New(cfg Config, st store.Store, d records.Deriver, opts hasher.Options, logger *slog.Logger) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts.Workers = cfg.workers()

	return &Loader{
		cfg:      cfg,
		store:    st,
		deriver:  d,
		discover: opts,
		logger:   logger,
		readFile: os.ReadFile,
	}, nil
}

// Config returns the configuration the loader was built with.
func (l *Loader) Config() Config {
	return l.cfg
}

// task is one per-path unit of dispatch.
type task struct {
	path string
	cat  categorize.Category
}

// result is the tagged outcome of a task.
type result struct {
	task
	outcome  Outcome
	inserted int
	removed  int
	err      error
}

// Run synchronizes the store with inputs. It always returns the stats
// gathered so far. The error is non-nil only for fatal conditions:
// invalid configuration, discovery or store failures, and cancellation
// (wrapping ErrCanceled). Per-path failures are reported in
// LoadStats.Errors.
func (l *Loader) Run(ctx context.Context, inputs []string) (LoadStats, error) {
	start := time.Now()
	stats := LoadStats{DryRun: l.cfg.DryRun}

	finish := func(err error) (LoadStats, error) {
		stats.Duration = time.Since(start)
		return stats, err
	}

	if err := l.cfg.Validate(); err != nil {
		return finish(err)
	}

	l.logger.Info("sync starting",
		slog.String("mode", l.cfg.Mode()),
		slog.Bool("dry_run", l.cfg.DryRun),
		slog.Int("inputs", len(inputs)),
		slog.Int("workers", l.cfg.workers()),
	)

	disc, err := hasher.Discover(ctx, inputs, l.discover, l.logger)
	if err != nil {
		if ctx.Err() != nil {
			stats.Canceled = true
			return finish(canceled(ctx))
		}

		return finish(fmt.Errorf("discovering files: %w", err))
	}

	for _, p := range sortedKeys(disc.Failed) {
		stats.FilesUnreadable++
		stats.Errors = append(stats.Errors, PathError{Path: p, Op: "discover", Err: disc.Failed[p]})
	}

	persisted := map[string]string{}
	if !l.cfg.Force {
		persisted, err = l.store.ReadPersistedState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stats.Canceled = true
				return finish(canceled(ctx))
			}

			return finish(fmt.Errorf("reading persisted state: %w", err))
		}
	}

	// A path under an unreadable entry is not known to be gone; keep its
	// records rather than treating it as deleted.
	for p := range persisted {
		if disc.Shadowed(p) {
			l.logger.Debug("preserving records of unreadable path", slog.String("path", p))
			delete(persisted, p)
		}
	}

	files := categorize.Categorize(disc.Files, persisted)
	stats.Categorized = files.Counts()

	l.logger.Info("categorized files",
		slog.Int("skip", stats.Categorized.Skip),
		slog.Int("add", stats.Categorized.Add),
		slog.Int("update", stats.Categorized.Update),
		slog.Int("delete", stats.Categorized.Delete),
		slog.Int("to_process", files.NeedsProcessing()),
		slog.Int("unreadable", stats.FilesUnreadable),
	)

	if l.cfg.DryRun {
		stats.Plan = files
		l.logPlan(files)

		return finish(nil)
	}

	stats.FilesSkipped = len(files.Skip)

	tasks := make([]task, 0, files.NeedsProcessing()+len(files.Delete))
	for _, p := range files.Add {
		tasks = append(tasks, task{path: p, cat: categorize.Add})
	}

	if l.cfg.Update {
		for _, p := range files.Update {
			tasks = append(tasks, task{path: p, cat: categorize.Update})
		}
	} else if len(files.Update) > 0 {
		stats.FilesSkipped += len(files.Update)
		stats.FilesStale = len(files.Update)
		l.logger.Warn("changed files left stale, enable update to rewrite them",
			slog.Int("count", len(files.Update)),
		)
	}

	if l.cfg.Cleanup {
		for _, p := range files.Delete {
			tasks = append(tasks, task{path: p, cat: categorize.Delete})
		}
	} else if len(files.Delete) > 0 {
		stats.FilesRetained = len(files.Delete)
		l.logger.Info("vanished files retained, enable cleanup to remove them",
			slog.Int("count", len(files.Delete)),
		)
	}

	fatal := l.dispatch(ctx, tasks, disc, &stats)

	// A store error raised while the caller was canceling is a symptom of
	// the cancellation, such as a rolled-back commit.
	switch {
	case ctx.Err() != nil:
		stats.Canceled = true
		l.logger.Warn("sync canceled", slog.Int("processed", stats.Processed()))

		return finish(canceled(ctx))
	case fatal != nil:
		l.logger.Error("sync aborted", slog.String("error", fatal.Error()))
		return finish(fatal)
	}

	stats, err = finish(nil)

	l.logger.Info("sync complete",
		slog.Int("added", stats.FilesAdded),
		slog.Int("updated", stats.FilesUpdated),
		slog.Int("deleted", stats.FilesDeleted),
		slog.Int("skipped", stats.FilesSkipped),
		slog.Int("failed", stats.FilesFailed),
		slog.Int("records_inserted", stats.RecordsInserted),
		slog.Int("records_deleted", stats.RecordsDeleted),
		slog.Duration("duration", stats.Duration),
	)

	return stats, err
}

// dispatch runs tasks on a bounded pool and folds each result into stats.
// It returns the first fatal error. Tasks not started before a fatal
// error or cancellation are left unprocessed.
func (l *Loader) dispatch(ctx context.Context, tasks []task, disc *hasher.Result, stats *LoadStats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.workers())

	var mu sync.Mutex

	for _, t := range tasks {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			res := l.process(gctx, t, disc)

			if isFatal(res.err) {
				return fmt.Errorf("%s %s: %w", t.cat, t.path, res.err)
			}

			if res.err != nil && gctx.Err() != nil && errors.Is(res.err, gctx.Err()) {
				return nil
			}

			mu.Lock()
			l.record(stats, res)
			mu.Unlock()

			return nil
		})
	}

	return g.Wait()
}

// process handles one path and never panics on per-path failures; they
// come back as OutcomeFailed.
func (l *Loader) process(ctx context.Context, t task, disc *hasher.Result) result {
	res := result{task: t}

	if t.cat == categorize.Delete {
		n, err := l.store.DeleteRecords(ctx, t.path)
		if err != nil {
			res.outcome, res.err = OutcomeFailed, err
			return res
		}

		res.outcome, res.removed = OutcomeSuccess, n

		return res
	}

	abs, ok := disc.AbsPath(t.path)
	if !ok {
		res.outcome = OutcomeFailed
		res.err = fmt.Errorf("%w: %s has no discovered location", kberrors.ErrIO, t.path)

		return res
	}

	content, err := l.readFile(abs)
	if err != nil {
		res.outcome = OutcomeFailed
		res.err = fmt.Errorf("%w: reading %s: %v", kberrors.ErrIO, t.path, err)

		return res
	}

	// Hash what is actually derived so records and fingerprint agree
	// even if the file changed after discovery.
	fp := hasher.HashBytes(content)
	if expected, ok := disc.Files[t.path]; ok && expected != fp {
		l.logger.Debug("file changed since discovery", slog.String("path", t.path))
	}

	recs, err := l.derive(ctx, t.path, content)
	if err != nil {
		res.outcome, res.err = OutcomeFailed, err
		return res
	}

	removed, err := l.store.ReplaceRecords(ctx, t.path, fp, recs)
	if err != nil {
		res.outcome, res.err = OutcomeFailed, err
		return res
	}

	res.outcome = OutcomeSuccess
	res.inserted = len(recs)
	res.removed = removed

	return res
}

// derive calls the deriver with up to cfg.Retries extra attempts.
func (l *Loader) derive(ctx context.Context, path string, content []byte) ([]records.Record, error) {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		recs, err := l.deriver.Derive(ctx, path, content)
		if err == nil {
			return recs, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err

		if attempt < l.cfg.Retries {
			l.logger.Debug("derivation failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}
	}

	if !errors.Is(lastErr, kberrors.ErrDerivation) {
		lastErr = fmt.Errorf("%w: %s: %v", kberrors.ErrDerivation, path, lastErr)
	}

	return nil, lastErr
}

func (l *Loader) record(stats *LoadStats, res result) {
	if res.outcome == OutcomeFailed {
		stats.FilesFailed++
		stats.Errors = append(stats.Errors, PathError{Path: res.path, Op: res.cat.String(), Err: res.err})

		l.logger.Warn("processing failed",
			slog.String("path", res.path),
			slog.String("category", res.cat.String()),
			slog.String("error", res.err.Error()),
		)

		return
	}

	switch res.cat {
	case categorize.Add:
		stats.FilesAdded++
	case categorize.Update:
		stats.FilesUpdated++
	case categorize.Delete:
		stats.FilesDeleted++
	}

	stats.RecordsInserted += res.inserted
	stats.RecordsDeleted += res.removed

	l.logger.Debug("processed",
		slog.String("path", res.path),
		slog.String("category", res.cat.String()),
		slog.Int("inserted", res.inserted),
		slog.Int("removed", res.removed),
	)
}

func (l *Loader) logPlan(files *categorize.Files) {
	for _, c := range []struct {
		cat   categorize.Category
		paths []string
	}{
		{categorize.Add, files.Add},
		{categorize.Update, files.Update},
		{categorize.Delete, files.Delete},
	} {
		for _, p := range c.paths {
			l.logger.Info("dry run", slog.String("category", c.cat.String()), slog.String("path", p))
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, kberrors.ErrStore)
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", kberrors.ErrCanceled, context.Cause(ctx))
}

func sortedKeys(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
