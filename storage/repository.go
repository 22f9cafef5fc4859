// Package storage provides the persistence abstraction for encrypted
// session records. One record per local ID; the blob inside each record is
// already encrypted by the session codec, so backends never see sensitive
// material in the clear.
package storage

import (
	"context"
	"errors"

	"github.com/pkeller/passauth/session"
)

// ErrNotFound is returned when no record exists for the requested local ID.
var ErrNotFound = errors.New("session record not found")

// Repository defines the interface for persisted session storage.
type Repository interface {
	Put(ctx context.Context, record session.Persisted) error
	Get(ctx context.Context, localID int) (session.Persisted, error)
	List(ctx context.Context) ([]session.Persisted, error)
	Delete(ctx context.Context, localID int) error
}
