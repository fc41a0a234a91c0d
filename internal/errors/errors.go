package errors

import "errors"

// Per-path errors. A run records these against the affected path and
// continues with the rest.
var (
	ErrIO         = errors.New("file unreadable")
	ErrDerivation = errors.New("record derivation failed")
)

// Fatal errors. These abort a run.
var (
	ErrConfig   = errors.New("invalid loader configuration")
	ErrStore    = errors.New("store operation failed")
	ErrCanceled = errors.New("sync canceled")
)

// IsFatal reports whether err aborts a run rather than a single path.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrStore) || errors.Is(err, ErrCanceled)
}
