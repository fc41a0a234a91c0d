package loader

import (
	"fmt"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
)

// DefaultWorkers is the per-path concurrency used when Config.Workers is
// zero.
const DefaultWorkers = 4

// Config selects which categories a run acts on. It is validated once,
// before any I/O.
type Config struct {
	// Resume adds new files and leaves changed and vanished ones alone.
	Resume bool

	// Update also rewrites the records of changed files.
	Update bool

	// Cleanup also removes the records of vanished files. Requires Update.
	Cleanup bool

	// DryRun categorizes and reports without touching the store.
	DryRun bool

	// Force ignores persisted state and treats every file as new.
	Force bool

	// Workers bounds how many paths are processed at once.
	Workers int

	// Retries is how many extra derivation attempts a path gets before it
	// counts as failed. Store errors are never retried.
	Retries int
}

// Validate rejects incompatible flag combinations.
func (c Config) Validate() error {
	if c.Force && c.Resume {
		return fmt.Errorf("%w: force cannot be combined with resume", kberrors.ErrConfig)
	}

	if c.Force && c.Update {
		return fmt.Errorf("%w: force cannot be combined with update", kberrors.ErrConfig)
	}

	if c.Cleanup && !c.Update {
		return fmt.Errorf("%w: cleanup requires update", kberrors.ErrConfig)
	}

	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", kberrors.ErrConfig, c.Workers)
	}

	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative, got %d", kberrors.ErrConfig, c.Retries)
	}

	return nil
}

// Mode names the configuration for logs.
func (c Config) Mode() string {
	switch {
	case c.Force:
		return "force"
	case c.Cleanup:
		return "update+cleanup"
	case c.Update:
		return "update"
	case c.Resume:
		return "resume"
	default:
		return "add-only"
	}
}

func (c Config) workers() int {
	if c.Workers == 0 {
		return DefaultWorkers
	}

	return c.Workers
}
