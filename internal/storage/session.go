package storage

import (
	"go.etcd.io/bbolt"
)

// Session keys mirror what the web client keeps in local storage.
const (
	KeyToken  = "token"
	KeyUser   = "user"
	KeyUserID = "userId"
)

// Get returns the value stored under key, or "" if absent.
func (s *Store) Get(key string) (string, error) {
	if s == nil || s.db == nil {
		return "", nil
	}
	var out string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(sessionBucket)).Get([]byte(key)); v != nil {
			out = string(v)
		}
		return nil
	})
	return out, err
}

// PutAll writes every pair in one transaction. Empty values delete the key.
func (s *Store) PutAll(values map[string]string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		for k, v := range values {
			var err error
			if v == "" {
				err = bucket.Delete([]byte(k))
			} else {
				err = bucket.Put([]byte(k), []byte(v))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes keys from the session bucket.
func (s *Store) Delete(keys ...string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionBucket))
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}
