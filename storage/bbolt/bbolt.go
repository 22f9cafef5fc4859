// Package bbolt provides a BBolt-backed session repository. This is the
// default on-disk backend for desktop and extension hosts.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/pkeller/passauth/session"
	"github.com/pkeller/passauth/storage"
)

var bucketSessions = []byte("sessions")

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and
// returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(localID int) []byte {
	return []byte(strconv.Itoa(localID))
}

func (s *Store) Put(ctx context.Context, record session.Persisted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketSessions)
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(recordKey(record.LocalID), data)
	})
}

func (s *Store) Get(ctx context.Context, localID int) (session.Persisted, error) {
	if err := ctx.Err(); err != nil {
		return session.Persisted{}, err
	}
	var record session.Persisted
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get(recordKey(localID))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return session.Persisted{}, err
	}
	return record, nil
}

func (s *Store) List(ctx context.Context) ([]session.Persisted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []session.Persisted
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var record session.Persisted
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Delete(ctx context.Context, localID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil || b.Get(recordKey(localID)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete(recordKey(localID))
	})
}
