package freshness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var tasksBucket = []byte("tasks")

// BoltBackend stores one record per key in a bbolt database. Commits only
// touch the records that changed.
type BoltBackend struct {
	path string
	db   *bbolt.DB
}

func NewBoltBackend(path string) *BoltBackend {
	return &BoltBackend{path: path}
}

func (b *BoltBackend) open() error {
	if b.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := bbolt.Open(b.path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		// Anything but a held lock or missing permission means the file
		// is not a usable database.
		if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("open ledger %s: %w", b.path, err)
		}
		return &LedgerCorruptionError{Path: b.path, Err: err}
	}
	b.db = db
	return nil
}

func (b *BoltBackend) Load() (map[string]*Record, error) {
	if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
		return map[string]*Record{}, nil
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	out := map[string]*Record{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return &LedgerCorruptionError{Path: b.path, Err: fmt.Errorf("record %q: %w", k, err)}
			}
			out[string(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) Commit(_ map[string]*Record, put map[string]*Record, removed []string) error {
	if err := b.open(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tasksBucket)
		if err != nil {
			return err
		}
		for name, rec := range put {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record %q: %w", name, err)
			}
			if err := bucket.Put([]byte(name), data); err != nil {
				return err
			}
		}
		for _, name := range removed {
			if err := bucket.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Quarantine() (string, error) {
	if b.db != nil {
		_ = b.db.Close()
		b.db = nil
	}
	dst := b.path + ".corrupt"
	if err := os.Rename(b.path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return dst, nil
}

func (b *BoltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
