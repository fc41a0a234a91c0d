package e2e_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/hasher"
	"github.com/alexjbarnes/kb-sync/internal/loader"
	"github.com/alexjbarnes/kb-sync/internal/records"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"github.com/stretchr/testify/require"
)

// harness holds the full e2e stack: a seeded knowledge-base directory,
// a real store on disk, and the default markdown deriver.
type harness struct {
	Dir     string
	DBPath  string
	Store   store.Store
	Deriver records.Deriver
	Options hasher.Options
	Logger  *slog.Logger
}

// newHarness creates a temp tree with seed notes and opens a store of
// the given driver for it.
func newHarness(t *testing.T, driver string) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		Dir:     dir,
		DBPath:  filepath.Join(t.TempDir(), "state", "kb.db"),
		Deriver: records.NewMarkdownDeriver(200),
		Options: hasher.Options{IgnoreFile: ".kbignore"},
		Logger:  slog.New(slog.DiscardHandler),
	}

	h.Write(t, "notes/hello.md", "---\ntags: [greeting]\n---\n# Hello\nThis is a test note.\n")
	h.Write(t, "readme.md", "# Readme\n\nIntro.\n\n## Usage\n\nRun it.\n")

	st, err := store.Open(driver, h.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h.Store = st

	return h
}

func (h *harness) Write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(h.Dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) Remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(h.Dir, filepath.FromSlash(rel))))
}

func (h *harness) Loader(t *testing.T, cfg loader.Config) *loader.Loader {
	t.Helper()
	l, err := loader.New(cfg, h.Store, h.Deriver, h.Options, h.Logger)
	require.NoError(t, err)
	return l
}

// Sync runs one load over the whole tree and requires it to complete.
func (h *harness) Sync(t *testing.T, cfg loader.Config) loader.LoadStats {
	t.Helper()
	stats, err := h.Loader(t, cfg).Run(context.Background(), []string{h.Dir})
	require.NoError(t, err)
	require.Equal(t, stats.Categorized.Total(), stats.Processed())
	return stats
}

func (h *harness) State(t *testing.T) map[string]string {
	t.Helper()
	m, err := h.Store.ReadPersistedState(context.Background())
	require.NoError(t, err)
	return m
}

func (h *harness) Records(t *testing.T, rel string) []records.Record {
	t.Helper()
	rs, err := h.Store.Records(context.Background(), rel)
	require.NoError(t, err)
	return rs
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}
