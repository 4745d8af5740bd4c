// Package storage keeps the client's persisted state in a single bbolt file:
// the session keys and an offline cache of conversation history.
package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	sessionBucket = "session"
	historyBucket = "history"
)

// Store owns the bbolt handle. A nil *Store behaves as an empty, read-only
// store so callers can run without persistence.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
