package loader

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/kb-sync/internal/categorize"
)

// Outcome is the result of processing one path.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PathError records a per-path failure. Op is the category being
// processed, or "discover" for files that could not be read.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e PathError) Unwrap() error {
	return e.Err
}

// LoadStats summarizes one run. A run returns it finalized and never
// changes it afterwards.
//
// When a run completes, FilesSkipped + FilesAdded + FilesUpdated +
// FilesDeleted + FilesRetained + FilesFailed equals Categorized.Total().
type LoadStats struct {
	// Categorized holds the category sizes computed for the run.
	Categorized categorize.Counts

	FilesSkipped int
	FilesAdded   int
	FilesUpdated int
	FilesDeleted int

	// FilesStale counts changed files left with outdated records because
	// Update was off. They are included in FilesSkipped.
	FilesStale int

	// FilesRetained counts vanished files whose records were kept because
	// Cleanup was off.
	FilesRetained int

	// FilesFailed counts paths whose processing failed.
	FilesFailed int

	// FilesUnreadable counts paths that could not be read during
	// discovery. They are not categorized.
	FilesUnreadable int

	RecordsInserted int
	RecordsDeleted  int

	// Errors lists every per-path failure, unreadable files included.
	Errors []PathError

	// Plan holds the full categorization on dry runs.
	Plan *categorize.Files

	DryRun   bool
	Canceled bool
	Duration time.Duration
}

// Processed returns the number of categorized paths accounted for.
func (s LoadStats) Processed() int {
	return s.FilesSkipped + s.FilesAdded + s.FilesUpdated + s.FilesDeleted + s.FilesRetained + s.FilesFailed
}

// String renders a one-line summary.
func (s LoadStats) String() string {
	if s.DryRun {
		return fmt.Sprintf("dry run: %d to add, %d to update, %d to delete, %d unchanged (%s)",
			s.Categorized.Add, s.Categorized.Update, s.Categorized.Delete, s.Categorized.Skip,
			s.Duration.Round(time.Millisecond))
	}

	out := fmt.Sprintf("%d added, %d updated, %d deleted, %d skipped, %d failed; %d records inserted, %d deleted (%s)",
		s.FilesAdded, s.FilesUpdated, s.FilesDeleted, s.FilesSkipped, s.FilesFailed,
		s.RecordsInserted, s.RecordsDeleted, s.Duration.Round(time.Millisecond))

	if s.FilesStale > 0 {
		out += fmt.Sprintf("; %d stale", s.FilesStale)
	}

	if s.FilesRetained > 0 {
		out += fmt.Sprintf("; %d retained", s.FilesRetained)
	}

	if s.Canceled {
		out += "; canceled"
	}

	return out
}
