package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/config"
	"github.com/alexjbarnes/kb-sync/internal/loader"
	"github.com/alexjbarnes/kb-sync/internal/logging"
	"github.com/alexjbarnes/kb-sync/internal/records"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"github.com/alexjbarnes/kb-sync/internal/watch"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// overrides holds command-line values that take precedence over the
// environment when their flag is set.
type overrides struct {
	resume, update, cleanup, dryRun, force, watch bool
	workers                                       int
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	set := func(name string, dst *bool, v bool) {
		if flags.Changed(name) {
			*dst = v
		}
	}

	set("resume", &cfg.Resume, o.resume)
	set("update", &cfg.Update, o.update)
	set("cleanup", &cfg.Cleanup, o.cleanup)
	set("dry-run", &cfg.DryRun, o.dryRun)
	set("force", &cfg.Force, o.force)
	set("watch", &cfg.Watch, o.watch)

	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}

	return cfg.Validate()
}

func newRootCmd(out io.Writer) *cobra.Command {
	var o overrides

	root := &cobra.Command{
		Use:   "kb-sync [paths...]",
		Short: "Incrementally sync a directory tree into a knowledge base",
		Long: `Sync files under the given paths (default: the current directory) into
the record store, re-deriving only files whose content changed.

By default only new files are added. --update rewrites changed files and
--cleanup also removes records of files that no longer exist.`,
		Args:          cobra.ArbitraryArgs,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, &o, func(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) error {
				logger.Info("kb-sync starting",
					slog.String("version", Version),
					slog.String("store", cfg.DBPath),
					slog.String("driver", cfg.StoreDriver),
					slog.Bool("watch", cfg.Watch),
				)

				return runSync(ctx, cfg, st, args, logger, cmd.OutOrStdout())
			})
		},
	}

	root.SetOut(out)

	flags := root.Flags()
	flags.BoolVar(&o.resume, "resume", false, "add new files only (KB_RESUME)")
	flags.BoolVar(&o.update, "update", false, "rewrite records of changed files (KB_UPDATE)")
	flags.BoolVar(&o.cleanup, "cleanup", false, "remove records of vanished files, requires --update (KB_CLEANUP)")
	flags.BoolVar(&o.dryRun, "dry-run", false, "report what would change without writing (KB_DRY_RUN)")
	flags.BoolVar(&o.force, "force", false, "ignore stored state and re-derive every file (KB_FORCE)")
	flags.BoolVar(&o.watch, "watch", false, "keep running and re-sync on changes (KB_WATCH)")
	flags.IntVar(&o.workers, "workers", loader.DefaultWorkers, "files processed concurrently (KB_WORKERS)")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show what the record store holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, nil, func(ctx context.Context, cfg *config.Config, st store.Store, _ *slog.Logger) error {
				return status(ctx, cfg, st, cmd.OutOrStdout())
			})
		},
	})

	return root
}

// withStore loads configuration, applies flag overrides, and opens the
// store for the duration of fn.
func withStore(cmd *cobra.Command, o *overrides, fn func(context.Context, *config.Config, store.Store, *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if o != nil {
		if err := o.apply(cmd, cfg); err != nil {
			return fmt.Errorf("applying flags: %w", err)
		}
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreDriver, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	return fn(ctx, cfg, st, logger)
}

// runSync performs one load and, in watch mode, keeps re-running it
// after changes settle.
func runSync(ctx context.Context, cfg *config.Config, st store.Store, inputs []string, logger *slog.Logger, out io.Writer) error {
	deriver := records.NewMarkdownDeriver(cfg.ChunkSize)

	l, err := loader.New(cfg.Loader(), st, deriver, cfg.Discovery(), logger)
	if err != nil {
		return err
	}

	stats, err := l.Run(ctx, inputs)
	report(out, stats)

	if err != nil {
		return err
	}

	if !cfg.Watch {
		return nil
	}

	// Re-runs always pick up edits and removals, whatever the first
	// run was configured for.
	followCfg := cfg.Loader()
	followCfg.Resume = false
	followCfg.Force = false
	followCfg.Update = true
	followCfg.Cleanup = true

	follow, err := loader.New(followCfg, st, deriver, cfg.Discovery(), logger)
	if err != nil {
		return err
	}

	w := watch.New(inputs, watch.Options{
		Debounce: cfg.WatchDebounce,
		Skip:     []string{cfg.DBPath},
	}, func(ctx context.Context) error {
		stats, err := follow.Run(ctx, inputs)
		report(out, stats)

		return err
	}, logger)

	if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watching: %w", err)
	}

	logger.Info("kb-sync stopped")

	return nil
}

func report(out io.Writer, stats loader.LoadStats) {
	fmt.Fprintln(out, stats.String())

	for _, e := range stats.Errors {
		fmt.Fprintf(out, "  %s\n", e.Error())
	}

	if stats.Plan == nil {
		return
	}

	for _, p := range stats.Plan.Add {
		fmt.Fprintf(out, "  add    %s\n", p)
	}

	for _, p := range stats.Plan.Update {
		fmt.Fprintf(out, "  update %s\n", p)
	}

	for _, p := range stats.Plan.Delete {
		fmt.Fprintf(out, "  delete %s\n", p)
	}
}

// status prints what the store currently holds.
func status(ctx context.Context, cfg *config.Config, st store.Store, out io.Writer) error {
	files, err := st.Files(ctx)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}

	var (
		total  int
		latest int64
	)

	for _, f := range files {
		total += f.RecordCount
		if f.UpdatedAt > latest {
			latest = f.UpdatedAt
		}
	}

	fmt.Fprintf(out, "store:   %s (%s)\n", cfg.DBPath, cfg.StoreDriver)
	fmt.Fprintf(out, "files:   %d\n", len(files))
	fmt.Fprintf(out, "records: %d\n", total)

	if latest > 0 {
		fmt.Fprintf(out, "updated: %s\n", time.UnixMilli(latest).UTC().Format(time.RFC3339))
	}

	return nil
}
