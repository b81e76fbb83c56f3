// Package postgres implements the idemgate store contract on PostgreSQL
// via pgx. Lease acquisition rides a single conditional upsert, so the
// contract's atomicity comes from the database rather than process-local
// locks; any number of instances can share one table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

// Schema is the DDL the store expects; Migrate applies it statement by
// statement (pgx's default exec mode prepares, so no multi-statement
// strings).
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		key         TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		state       TEXT NOT NULL,
		response    JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		lease_token TEXT,
		trace_id    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_records_expires_at_idx
		ON idempotency_records (expires_at)`,
}

// Store is a Postgres implementation of idemgate.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wraps an existing pool. The pool's lifetime belongs to the
// caller.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idemgate.IdempotencyRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, fingerprint, state, response, created_at, expires_at, lease_token, trace_id
		FROM idempotency_records
		WHERE key = $1 AND expires_at > $2
	`, key, s.now().UTC())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*idemgate.LeaseResult, error) {
	for {
		now := s.now().UTC()
		token := uuid.NewString()

		// The upsert wins only when the key is free or its record has
		// expired; a live record leaves the row untouched.
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO idempotency_records
				(key, fingerprint, state, response, created_at, expires_at, lease_token, trace_id)
			VALUES ($1, $2, $3, NULL, $4, $5, $6, $7)
			ON CONFLICT (key) DO UPDATE SET
				fingerprint = EXCLUDED.fingerprint,
				state       = EXCLUDED.state,
				response    = NULL,
				created_at  = EXCLUDED.created_at,
				expires_at  = EXCLUDED.expires_at,
				lease_token = EXCLUDED.lease_token,
				trace_id    = EXCLUDED.trace_id
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
		`, key, fingerprint, string(idemgate.StateRunning), now, now.Add(ttl), token, nullable(traceID))
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return &idemgate.LeaseResult{Acquired: true, LeaseToken: token}, nil
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &idemgate.LeaseResult{Acquired: false, Existing: existing}, nil
		}
		// The blocking record expired between the upsert and the read.
	}
}

func (s *Store) Complete(ctx context.Context, leaseToken string, response *idemgate.StoredResponse) error {
	return s.terminal(ctx, leaseToken, idemgate.StateCompleted, response)
}

func (s *Store) Fail(ctx context.Context, leaseToken string, response *idemgate.StoredResponse) error {
	return s.terminal(ctx, leaseToken, idemgate.StateFailed, response)
}

func (s *Store) terminal(ctx context.Context, leaseToken string, state idemgate.RequestState, response *idemgate.StoredResponse) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("postgres: encode response: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET state = $1, response = $2, lease_token = NULL
		WHERE lease_token = $3 AND state = $4 AND expires_at > $5
	`, string(state), payload, leaseToken, string(idemgate.StateRunning), s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return idemgate.ErrUnknownLease
	}
	return nil
}

func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (*idemgate.IdempotencyRecord, error) {
	var (
		rec        idemgate.IdempotencyRecord
		state      string
		response   []byte
		leaseToken *string
		traceID    *string
	)
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &state, &response,
		&rec.CreatedAt, &rec.ExpiresAt, &leaseToken, &traceID); err != nil {
		return nil, err
	}
	rec.State = idemgate.RequestState(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if leaseToken != nil {
		rec.LeaseToken = *leaseToken
	}
	if traceID != nil {
		rec.TraceID = *traceID
	}
	if len(response) > 0 {
		var stored idemgate.StoredResponse
		if err := json.Unmarshal(response, &stored); err != nil {
			return nil, fmt.Errorf("postgres: decode response: %w", err)
		}
		rec.Response = &stored
	}
	return &rec, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ idemgate.Store = (*Store)(nil)
