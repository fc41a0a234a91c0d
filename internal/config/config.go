package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/hasher"
	"github.com/alexjbarnes/kb-sync/internal/loader"
	"github.com/alexjbarnes/kb-sync/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for kb-sync.
type Config struct {
	// Store location. Defaults to ~/.kb-sync/kb.db.
	DBPath      string `env:"KB_DB_PATH"`
	StoreDriver string `env:"KB_STORE_DRIVER" envDefault:"bolt"`

	// Loader flags. See loader.Config for their meaning and the
	// combinations that are rejected.
	Resume  bool `env:"KB_RESUME" envDefault:"false"`
	Update  bool `env:"KB_UPDATE" envDefault:"false"`
	Cleanup bool `env:"KB_CLEANUP" envDefault:"false"`
	DryRun  bool `env:"KB_DRY_RUN" envDefault:"false"`
	Force   bool `env:"KB_FORCE" envDefault:"false"`

	Workers int `env:"KB_WORKERS" envDefault:"4"`
	Retries int `env:"KB_RETRIES" envDefault:"0"`

	// Discovery rules. Exclude uses ignore-file pattern syntax.
	Exclude     []string `env:"KB_EXCLUDE" envSeparator:","`
	IncludeExt  []string `env:"KB_INCLUDE_EXT" envSeparator:","`
	IgnoreFile  string   `env:"KB_IGNORE_FILE" envDefault:".kbignore"`
	MaxFileSize int64    `env:"KB_MAX_FILE_SIZE" envDefault:"10485760"`

	// Maximum characters per derived record.
	ChunkSize int `env:"KB_CHUNK_SIZE" envDefault:"2000"`

	// Watch mode keeps the process running and re-syncs after changes
	// settle for WatchDebounce.
	Watch         bool          `env:"KB_WATCH" envDefault:"false"`
	WatchDebounce time.Duration `env:"KB_WATCH_DEBOUNCE" envDefault:"2s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"KB_LOG_FILE"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %v", kberrors.ErrConfig, err)
	}

	if cfg.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absPath, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving db path to absolute path: %w", err)
	}

	cfg.DBPath = absPath

	return cfg, nil
}

// Validate checks the configuration. Load calls it; callers that change
// fields afterwards, such as command-line overrides, call it again.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverBolt, store.DriverSQLite:
	default:
		return fmt.Errorf("%w: KB_STORE_DRIVER must be %q or %q, got %q",
			kberrors.ErrConfig, store.DriverBolt, store.DriverSQLite, c.StoreDriver)
	}

	if c.Workers < 1 {
		return fmt.Errorf("%w: KB_WORKERS must be at least 1, got %d", kberrors.ErrConfig, c.Workers)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: KB_CHUNK_SIZE must be at least 1, got %d", kberrors.ErrConfig, c.ChunkSize)
	}

	if c.MaxFileSize < 0 {
		return fmt.Errorf("%w: KB_MAX_FILE_SIZE must not be negative", kberrors.ErrConfig)
	}

	if c.Watch && c.WatchDebounce <= 0 {
		return fmt.Errorf("%w: KB_WATCH_DEBOUNCE must be positive", kberrors.ErrConfig)
	}

	if c.Watch && c.DryRun {
		return fmt.Errorf("%w: KB_WATCH cannot be combined with KB_DRY_RUN", kberrors.ErrConfig)
	}

	return c.Loader().Validate()
}

// DefaultDBPath returns the default store location: ~/.kb-sync/kb.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".kb-sync", "kb.db"), nil
}

// Loader returns the loader flags.
func (c *Config) Loader() loader.Config {
	return loader.Config{
		Resume:  c.Resume,
		Update:  c.Update,
		Cleanup: c.Cleanup,
		DryRun:  c.DryRun,
		Force:   c.Force,
		Workers: c.Workers,
		Retries: c.Retries,
	}
}

// Discovery returns the discovery options. Root is left to be derived
// from the inputs.
func (c *Config) Discovery() hasher.Options {
	return hasher.Options{
		Exclude:     c.Exclude,
		IncludeExt:  c.IncludeExt,
		IgnoreFile:  c.IgnoreFile,
		MaxFileSize: c.MaxFileSize,
		Workers:     c.Workers,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
