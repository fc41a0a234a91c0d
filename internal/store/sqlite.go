package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/records"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
    path         TEXT PRIMARY KEY,
    fingerprint  TEXT NOT NULL,
    record_count INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
    path        TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    data        TEXT NOT NULL,
    PRIMARY KEY (path, seq)
);
`

// SQLite is a Store backed by an SQLite database. The pool is limited to
// one connection, which serializes every mutation.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite db: %v", kberrors.ErrStore, err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: initializing sqlite db: %v", kberrors.ErrStore, err)
		}
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ReadPersistedState implements Store. It reads the files table only.
func (s *SQLite) ReadPersistedState(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, fingerprint FROM files`)
	if err != nil {
		return nil, storeErr("reading persisted state", err)
	}
	defer rows.Close()

	result := make(map[string]string)

	for rows.Next() {
		var path, fp string
		if err := rows.Scan(&path, &fp); err != nil {
			return nil, storeErr("reading persisted state", err)
		}

		result[path] = fp
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("reading persisted state", err)
	}

	return result, nil
}

// ReplaceRecords implements Store in a single transaction.
func (s *SQLite) ReplaceRecords(ctx context.Context, path, fingerprint string, recs []records.Record) (int, error) {
	if err := checkWrite(path, fingerprint); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("beginning replace of "+path, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE path = ?`, path)
	if err != nil {
		return 0, storeErr("removing records of "+path, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("counting removed records of "+path, err)
	}

	for i, r := range recs {
		data, err := json.Marshal(tag(r, path, fingerprint, i))
		if err != nil {
			return 0, fmt.Errorf("%w: encoding record %d of %s: %v", kberrors.ErrDerivation, i, path, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (path, seq, fingerprint, data) VALUES (?, ?, ?, ?)`,
			path, i, fingerprint, string(data),
		); err != nil {
			return 0, storeErr(fmt.Sprintf("writing record %d of %s", i, path), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, fingerprint, record_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			fingerprint  = excluded.fingerprint,
			record_count = excluded.record_count,
			updated_at   = excluded.updated_at
	`, path, fingerprint, len(recs), s.now().UnixMilli()); err != nil {
		return 0, storeErr("updating index for "+path, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("committing replace of "+path, err)
	}

	return int(removed), nil
}

// DeleteRecords implements Store.
func (s *SQLite) DeleteRecords(ctx context.Context, path string) (int, error) {
	if err := checkKey(path); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("beginning delete of "+path, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE path = ?`, path)
	if err != nil {
		return 0, storeErr("removing records of "+path, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("counting removed records of "+path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return 0, storeErr("removing index entry of "+path, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("committing delete of "+path, err)
	}

	return int(removed), nil
}

// Records implements Store.
func (s *SQLite) Records(ctx context.Context, path string) ([]records.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM records WHERE path = ? ORDER BY seq`, path)
	if err != nil {
		return nil, storeErr("reading records of "+path, err)
	}
	defer rows.Close()

	var out []records.Record

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr("reading records of "+path, err)
		}

		var r records.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, storeErr("decoding record of "+path, err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("reading records of "+path, err)
	}

	return out, nil
}

// Files implements Store.
func (s *SQLite) Files(ctx context.Context) ([]PersistedFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, fingerprint, record_count, updated_at FROM files ORDER BY path`)
	if err != nil {
		return nil, storeErr("listing files", err)
	}
	defer rows.Close()

	var out []PersistedFile

	for rows.Next() {
		var pf PersistedFile
		if err := rows.Scan(&pf.Path, &pf.Fingerprint, &pf.RecordCount, &pf.UpdatedAt); err != nil {
			return nil, storeErr("listing files", err)
		}

		out = append(out, pf)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("listing files", err)
	}

	return out, nil
}
