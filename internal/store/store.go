// Package store persists derived records per source path together with
// the fingerprint they were derived from.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/hasher"
	"github.com/alexjbarnes/kb-sync/internal/records"
)

// Supported backends.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// ErrInvalidPath is returned for keys that are empty, absolute, not
// normalized, or contain traversal segments.
var ErrInvalidPath = errors.New("invalid source path")

// ErrInvalidFingerprint is returned when a fingerprint is not a lowercase
// hex SHA-256 digest.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// PersistedFile is the per-path entry of the fingerprint index.
type PersistedFile struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	RecordCount int    `json:"record_count"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Store is the persistence boundary of a sync run. Every mutation is
// scoped to one source path and is all-or-nothing: a failed call leaves
// that path exactly as it was. Errors from the backend wrap ErrStore.
//
//go:generate mockgen -destination=../loader/mock_store_test.go -package=loader github.com/alexjbarnes/kb-sync/internal/store Store
type Store interface {
	// ReadPersistedState returns path -> fingerprint for every recorded
	// path. An empty store yields an empty map.
	ReadPersistedState(ctx context.Context) (map[string]string, error)

	// ReplaceRecords removes all records of path and writes recs tagged
	// with fingerprint, in one transaction. It returns how many prior
	// records were removed.
	ReplaceRecords(ctx context.Context, path, fingerprint string, recs []records.Record) (int, error)

	// DeleteRecords removes path and its records, returning how many
	// records were removed. An absent path removes zero.
	DeleteRecords(ctx context.Context, path string) (int, error)

	// Records returns the records of path in sequence order.
	Records(ctx context.Context, path string) ([]records.Record, error)

	// Files returns the fingerprint index entries sorted by path.
	Files(ctx context.Context) ([]PersistedFile, error)

	Close() error
}

// Open opens the store at path with the named driver, creating parent
// directories as needed.
func Open(driver, path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating store directory: %v", kberrors.ErrStore, err)
	}

	switch driver {
	case DriverBolt, "":
		return OpenBolt(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func checkKey(path string) error {
	if err := hasher.CheckPath(path); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	return nil
}

func checkWrite(path, fingerprint string) error {
	if err := checkKey(path); err != nil {
		return err
	}

	if !hasher.ValidFingerprint(fingerprint) {
		return fmt.Errorf("%w: %q for %s", ErrInvalidFingerprint, fingerprint, path)
	}

	return nil
}

// tag stamps a record with its source and position before it is written.
func tag(r records.Record, path, fingerprint string, seq int) records.Record {
	r.SourcePath = path
	r.Fingerprint = fingerprint
	r.Seq = seq

	return r
}

func storeErr(op string, err error) error {
	if errors.Is(err, kberrors.ErrDerivation) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %s: %v", kberrors.ErrStore, op, err)
}
