package e2e_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/hasher"
	"github.com/alexjbarnes/kb-sync/internal/loader"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"github.com/alexjbarnes/kb-sync/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var drivers = []string{store.DriverBolt, store.DriverSQLite}

func TestE2E_Lifecycle(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			h := newHarness(t, driver)

			stats := h.Sync(t, loader.Config{})
			assert.Equal(t, 2, stats.FilesAdded)
			assert.Equal(t, 3, stats.RecordsInserted)

			hello := h.Records(t, "notes/hello.md")
			require.Len(t, hello, 1)
			assert.Equal(t, "Hello", hello[0].Heading)
			assert.Equal(t, []string{"greeting"}, hello[0].Tags)
			assert.Equal(t, h.State(t)["notes/hello.md"], hello[0].Fingerprint)

			h.Write(t, "readme.md", "# Readme\n\nRewritten.\n")
			h.Write(t, "notes/new.md", "# New\n\nFresh.\n")
			h.Remove(t, "notes/hello.md")

			stats = h.Sync(t, loader.Config{Update: true, Cleanup: true})
			assert.Equal(t, 1, stats.FilesAdded)
			assert.Equal(t, 1, stats.FilesUpdated)
			assert.Equal(t, 1, stats.FilesDeleted)
			assert.Equal(t, 2, stats.RecordsInserted)
			assert.Equal(t, 3, stats.RecordsDeleted)

			state := h.State(t)
			assert.Len(t, state, 2)
			assert.NotContains(t, state, "notes/hello.md")
			assert.Empty(t, h.Records(t, "notes/hello.md"))

			readme := h.Records(t, "readme.md")
			require.Len(t, readme, 1)
			assert.Contains(t, readme[0].Content, "Rewritten.")

			stats = h.Sync(t, loader.Config{Update: true, Cleanup: true})
			assert.Equal(t, 2, stats.FilesSkipped)
			assert.Equal(t, 0, stats.Categorized.Add+stats.Categorized.Update+stats.Categorized.Delete)
		})
	}
}

func TestE2E_BackendsAgree(t *testing.T) {
	states := make(map[string]map[string]string)

	for _, driver := range drivers {
		h := newHarness(t, driver)
		h.Write(t, "deep/a/b/c.md", "# Deep\n")
		h.Write(t, "Café.md", "unicode name")

		h.Sync(t, loader.Config{})
		states[driver] = h.State(t)
	}

	assert.Equal(t, states[store.DriverBolt], states[store.DriverSQLite])
	assert.Contains(t, states[store.DriverBolt], "Café.md")
}

func TestE2E_IgnoreRules(t *testing.T) {
	h := newHarness(t, store.DriverBolt)
	h.Write(t, ".kbignore", "# private notes\ndrafts/\n*.log\n")
	h.Write(t, "drafts/wip.md", "unfinished")
	h.Write(t, "debug.log", "noise")
	h.Write(t, ".hidden/secret.md", "hidden")
	h.Write(t, "node_modules/pkg/readme.md", "vendored")

	h.Sync(t, loader.Config{})

	state := h.State(t)
	assert.Len(t, state, 2)
	assert.Contains(t, state, "readme.md")
	assert.Contains(t, state, "notes/hello.md")
}

func TestE2E_FingerprintsMatchContent(t *testing.T) {
	h := newHarness(t, store.DriverSQLite)
	h.Sync(t, loader.Config{})

	for path, fp := range h.State(t) {
		want, err := hasher.HashFile(filepath.Join(h.Dir, filepath.FromSlash(path)))
		require.NoError(t, err)
		assert.Equal(t, want, fp, path)
	}
}

func TestE2E_WatchResyncs(t *testing.T) {
	h := newHarness(t, store.DriverBolt)
	h.Sync(t, loader.Config{})

	follow := h.Loader(t, loader.Config{Update: true, Cleanup: true})
	w := watch.New([]string{h.Dir}, watch.Options{Debounce: 100 * time.Millisecond}, func(ctx context.Context) error {
		_, err := follow.Run(ctx, []string{h.Dir})
		return err
	}, h.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- w.Watch(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	time.Sleep(50 * time.Millisecond)

	h.Write(t, "journal/today.md", "# Today\n\nWrote a note.\n")

	waitFor(t, 3*time.Second, func() bool {
		_, ok := h.State(t)["journal/today.md"]
		return ok
	})

	h.Remove(t, "readme.md")

	waitFor(t, 3*time.Second, func() bool {
		_, ok := h.State(t)["readme.md"]
		return !ok
	})
}
