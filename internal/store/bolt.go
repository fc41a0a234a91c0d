package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/records"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	// filesBucket is the fingerprint index: path -> PersistedFile.
	filesBucket = []byte("files")

	// recordsBucket holds one nested bucket per path: seq -> Record.
	recordsBucket = []byte("records")
)

// Bolt is a Store backed by a bbolt database. bbolt admits a single
// writer at a time, so mutations to the same path never interleave, and
// readers see either the state before or after a replacement.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens the bbolt database at path, creating it if it does not
// exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt db: %v", kberrors.ErrStore, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(recordsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing bolt db: %v", kberrors.ErrStore, err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// ReadPersistedState walks the fingerprint index only, so its cost is
// proportional to the number of paths rather than records.
func (b *Bolt) ReadPersistedState(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]string)

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var pf PersistedFile
			if err := json.Unmarshal(v, &pf); err != nil {
				return fmt.Errorf("decoding index entry %s: %w", k, err)
			}

			result[string(k)] = pf.Fingerprint

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("reading persisted state", err)
	}

	return result, nil
}

// ReplaceRecords implements Store. The delete, the inserts, and the
// index update share one bolt transaction; any error rolls all of them
// back.
func (b *Bolt) ReplaceRecords(ctx context.Context, path, fingerprint string, recs []records.Record) (int, error) {
	if err := checkWrite(path, fingerprint); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := []byte(path)
	removed := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(recordsBucket)

		if prior := rb.Bucket(key); prior != nil {
			removed = prior.Stats().KeyN

			if err := rb.DeleteBucket(key); err != nil {
				return fmt.Errorf("removing records of %s: %w", path, err)
			}
		}

		pb, err := rb.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("creating records bucket for %s: %w", path, err)
		}

		for i, r := range recs {
			data, err := json.Marshal(tag(r, path, fingerprint, i))
			if err != nil {
				return fmt.Errorf("%w: encoding record %d of %s: %v", kberrors.ErrDerivation, i, path, err)
			}

			if err := pb.Put(seqKey(i), data); err != nil {
				return fmt.Errorf("writing record %d of %s: %w", i, path, err)
			}
		}

		entry, err := json.Marshal(PersistedFile{
			Path:        path,
			Fingerprint: fingerprint,
			RecordCount: len(recs),
			UpdatedAt:   b.now().UnixMilli(),
		})
		if err != nil {
			return err
		}

		return tx.Bucket(filesBucket).Put(key, entry)
	})
	if err != nil {
		return 0, storeErr("replacing records of "+path, err)
	}

	return removed, nil
}

// DeleteRecords implements Store.
func (b *Bolt) DeleteRecords(ctx context.Context, path string) (int, error) {
	if err := checkKey(path); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := []byte(path)
	removed := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(recordsBucket)

		if pb := rb.Bucket(key); pb != nil {
			removed = pb.Stats().KeyN

			if err := rb.DeleteBucket(key); err != nil {
				return fmt.Errorf("removing records of %s: %w", path, err)
			}
		}

		return tx.Bucket(filesBucket).Delete(key)
	})
	if err != nil {
		return 0, storeErr("deleting records of "+path, err)
	}

	return removed, nil
}

// Records implements Store.
func (b *Bolt) Records(ctx context.Context, path string) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []records.Record

	err := b.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(recordsBucket).Bucket([]byte(path))
		if pb == nil {
			return nil
		}

		// Big-endian keys iterate in sequence order.
		return pb.ForEach(func(k, v []byte) error {
			var r records.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding record %x of %s: %w", k, path, err)
			}

			out = append(out, r)

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("reading records of "+path, err)
	}

	return out, nil
}

// Files implements Store.
func (b *Bolt) Files(ctx context.Context) ([]PersistedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []PersistedFile

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var pf PersistedFile
			if err := json.Unmarshal(v, &pf); err != nil {
				return fmt.Errorf("decoding index entry %s: %w", k, err)
			}

			out = append(out, pf)

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("listing files", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func seqKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))

	return k
}
