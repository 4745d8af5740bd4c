package storage

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"noxchat/internal/message"
)

// SaveHistory upserts confirmed messages into the per-peer bucket. Entries
// without a server id are skipped; optimistic sends are never cached.
func (s *Store) SaveHistory(peer int64, msgs ...message.Message) error {
	if s == nil || s.db == nil || len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(historyBucket)).CreateBucketIfNotExists(peerKey(peer))
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if !msg.Confirmed() {
				continue
			}
			data, err := message.Encode(msg)
			if err != nil {
				return errors.Wrapf(err, "encode message %d", msg.ID)
			}
			if err := bucket.Put(historyKey(msg), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit cached messages for peer, newest first.
func (s *Store) Recent(peer int64, limit int) ([]message.Message, error) {
	if s == nil || s.db == nil || limit <= 0 {
		return nil, nil
	}
	var out []message.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket)).Bucket(peerKey(peer))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && limit > 0; k, v = cursor.Prev() {
			if msg, err := message.Decode(v); err == nil {
				out = append(out, msg)
			}
			limit--
		}
		return nil
	})
	return out, err
}

// ForgetMessage removes a cached entry, used after a delete.
func (s *Store) ForgetMessage(peer int64, msg message.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket)).Bucket(peerKey(peer))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(historyKey(msg))
	})
}

// ClearHistory drops every cached conversation.
func (s *Store) ClearHistory() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(historyBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(historyBucket))
		return err
	})
}

func peerKey(peer int64) []byte {
	return []byte(strconv.FormatInt(peer, 10))
}

func historyKey(msg message.Message) []byte {
	return []byte(fmt.Sprintf("%020d-%020d", msg.CreatedAt.UnixNano(), msg.ID))
}
