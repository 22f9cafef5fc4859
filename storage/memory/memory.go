// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Suitable for testing and ephemeral contexts where
// sessions must not outlive the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pkeller/passauth/session"
	"github.com/pkeller/passauth/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
type Repository struct {
	mu   sync.RWMutex
	data map[int]session.Persisted
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[int]session.Persisted)}
}

func (r *Repository) Put(ctx context.Context, record session.Persisted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[record.LocalID] = record
	return nil
}

func (r *Repository) Get(ctx context.Context, localID int) (session.Persisted, error) {
	if err := ctx.Err(); err != nil {
		return session.Persisted{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.data[localID]
	if !ok {
		return session.Persisted{}, storage.ErrNotFound
	}
	return record, nil
}

func (r *Repository) List(ctx context.Context) ([]session.Persisted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]session.Persisted, 0, len(r.data))
	for _, record := range r.data {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LocalID < records[j].LocalID
	})
	return records, nil
}

func (r *Repository) Delete(ctx context.Context, localID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[localID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, localID)
	return nil
}
