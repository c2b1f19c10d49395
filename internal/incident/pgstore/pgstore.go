// Package pgstore provides a Postgres-backed incident.Store. The incident
// record is stored as a JSONB document with the fields the queries need
// promoted to columns, so every state transition is one upsert.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS incidents_open_fingerprint
	ON incidents (fingerprint) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS incidents_status ON incidents (status);
`

// Store implements incident.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New ensures the schema exists and returns the store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure incidents schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewPool dials Postgres and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Put upserts the full incident record.
func (s *Store) Put(ctx context.Context, in *models.Incident) error {
	record, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO incidents (id, fingerprint, status, stage, created_at, updated_at, record)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    status      = EXCLUDED.status,
		    stage       = EXCLUDED.stage,
		    updated_at  = now(),
		    record      = EXCLUDED.record`,
		in.ID, in.Fingerprint, string(in.Status), string(in.Stage), in.CreatedAt, record)
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", in.ID, err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Incident, bool, error) {
	return s.scanOne(ctx, `SELECT record FROM incidents WHERE id = $1`, id)
}

// OpenByFingerprint retrieves the open incident for a fingerprint, if any.
// Most-recently-created wins should the index ever hold more than one.
func (s *Store) OpenByFingerprint(ctx context.Context, fingerprint string) (*models.Incident, bool, error) {
	return s.scanOne(ctx, `
		SELECT record FROM incidents
		WHERE fingerprint = $1 AND status = 'open'
		ORDER BY created_at DESC
		LIMIT 1`, fingerprint)
}

// ListOpen returns all open incidents, oldest first.
func (s *Store) ListOpen(ctx context.Context) ([]*models.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM incidents WHERE status = 'open' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		var in models.Incident
		if err := json.Unmarshal(record, &in); err != nil {
			return nil, fmt.Errorf("decode incident: %w", err)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (*models.Incident, bool, error) {
	var record []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var in models.Incident
	if err := json.Unmarshal(record, &in); err != nil {
		return nil, false, fmt.Errorf("decode incident: %w", err)
	}
	return &in, true, nil
}
