package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"KB_DB_PATH",
		"KB_STORE_DRIVER",
		"KB_RESUME",
		"KB_UPDATE",
		"KB_CLEANUP",
		"KB_DRY_RUN",
		"KB_FORCE",
		"KB_WORKERS",
		"KB_RETRIES",
		"KB_EXCLUDE",
		"KB_INCLUDE_EXT",
		"KB_IGNORE_FILE",
		"KB_MAX_FILE_SIZE",
		"KB_CHUNK_SIZE",
		"KB_WATCH",
		"KB_WATCH_DEBOUNCE",
		"ENVIRONMENT",
		"KB_LOG_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".kb-sync", "kb.db"), cfg.DBPath)
	assert.Equal(t, "bolt", cfg.StoreDriver)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 0, cfg.Retries)
	assert.Equal(t, ".kbignore", cfg.IgnoreFile)
	assert.Equal(t, int64(10<<20), cfg.MaxFileSize)
	assert.Equal(t, 2000, cfg.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.WatchDebounce)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.Watch)
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.Exclude)
	assert.Equal(t, loader.Config{Workers: 4}, cfg.Loader())
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("KB_DB_PATH", "rel/kb.sqlite")
	t.Setenv("KB_STORE_DRIVER", "sqlite")
	t.Setenv("KB_UPDATE", "true")
	t.Setenv("KB_CLEANUP", "true")
	t.Setenv("KB_WORKERS", "8")
	t.Setenv("KB_RETRIES", "2")
	t.Setenv("KB_EXCLUDE", "drafts/,*.tmp")
	t.Setenv("KB_INCLUDE_EXT", "md,.txt")
	t.Setenv("KB_CHUNK_SIZE", "500")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.DBPath))
	assert.Equal(t, "kb.sqlite", filepath.Base(cfg.DBPath))
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, []string{"drafts/", "*.tmp"}, cfg.Exclude)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.True(t, cfg.IsProduction())

	assert.Equal(t, loader.Config{Update: true, Cleanup: true, Workers: 8, Retries: 2}, cfg.Loader())

	opts := cfg.Discovery()
	assert.Equal(t, []string{"md", ".txt"}, opts.IncludeExt)
	assert.Equal(t, []string{"drafts/", "*.tmp"}, opts.Exclude)
	assert.Equal(t, ".kbignore", opts.IgnoreFile)
	assert.Equal(t, 8, opts.Workers)
	assert.Empty(t, opts.Root)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"KB_STORE_DRIVER": "postgres"}, "KB_STORE_DRIVER"},
		{"zero workers", map[string]string{"KB_WORKERS": "0"}, "KB_WORKERS"},
		{"negative retries", map[string]string{"KB_RETRIES": "-1"}, "retries"},
		{"zero chunk size", map[string]string{"KB_CHUNK_SIZE": "0"}, "KB_CHUNK_SIZE"},
		{"cleanup without update", map[string]string{"KB_CLEANUP": "true"}, "cleanup requires update"},
		{"force with resume", map[string]string{"KB_FORCE": "true", "KB_RESUME": "true"}, "force"},
		{"watch dry run", map[string]string{"KB_WATCH": "true", "KB_DRY_RUN": "true"}, "KB_WATCH"},
		{"not a number", map[string]string{"KB_WORKERS": "many"}, "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("KB_DB_PATH", filepath.Join(t.TempDir(), "kb.db"))

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, kberrors.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := DefaultDBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".kb-sync", "kb.db"), p)
}
