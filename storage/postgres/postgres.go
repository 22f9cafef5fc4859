// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Intended for shared-host deployments where session records for many
// browser profiles live in one database. The encrypted payload is stored
// as BYTEA; uid and user_id are duplicated into columns for indexing only.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pkeller/passauth/session"
	"github.com/pkeller/passauth/storage"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the required tables and indexes if they do not
// exist. Safe to call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Put(ctx context.Context, record session.Persisted) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pass_sessions (local_id, uid, user_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (local_id) DO UPDATE
		SET uid = EXCLUDED.uid,
		    user_id = EXCLUDED.user_id,
		    payload = EXCLUDED.payload,
		    updated_at = now()`,
		record.LocalID, record.UID, record.UserID, payload)
	return err
}

func (s *Store) Get(ctx context.Context, localID int) (session.Persisted, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM pass_sessions WHERE local_id = $1`, localID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Persisted{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Persisted{}, err
	}

	var record session.Persisted
	if err := json.Unmarshal(payload, &record); err != nil {
		return session.Persisted{}, fmt.Errorf("decoding session record: %w", err)
	}
	return record, nil
}

func (s *Store) List(ctx context.Context) ([]session.Persisted, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM pass_sessions ORDER BY local_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []session.Persisted
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record session.Persisted
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decoding session record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) Delete(ctx context.Context, localID int) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pass_sessions WHERE local_id = $1`, localID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
