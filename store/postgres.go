package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Port using a PostgreSQL backend. Snapshots live in
// a single machine_contexts table; the user payload is stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &Error{Op: "connect", Retryable: false, Err: err}
	}

	// Pool sizing for tens of thousands of machines saving concurrently.
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, &Error{Op: "connect", Retryable: true, Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &Error{Op: "connect", Retryable: true, Err: err}
	}

	return &PostgresStore{pool: pool}, nil
}

// Initialize creates the machine_contexts table if it does not exist.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS machine_contexts (
			id                TEXT PRIMARY KEY,
			current_state     TEXT NOT NULL,
			last_state_change TIMESTAMPTZ NOT NULL,
			complete          BOOLEAN NOT NULL DEFAULT FALSE,
			data              JSONB,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &Error{Op: "initialize", Retryable: true, Err: err}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	query := `
		INSERT INTO machine_contexts (id, current_state, last_state_change, complete, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			last_state_change = EXCLUDED.last_state_change,
			complete = EXCLUDED.complete,
			data = EXCLUDED.data,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		snap.ID, snap.CurrentState, snap.LastStateChange.UTC(), snap.Complete, snap.Data,
	)
	if err != nil {
		return &Error{Op: "save", Retryable: isRetryable(err), Err: err}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	query := `
		SELECT id, current_state, last_state_change, complete, data
		FROM machine_contexts WHERE id = $1
	`
	var snap Snapshot
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&snap.ID, &snap.CurrentState, &snap.LastStateChange, &snap.Complete, &snap.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // absent, consistent with the Port contract
	}
	if err != nil {
		return nil, &Error{Op: "load", Retryable: isRetryable(err), Err: err}
	}
	return &snap, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// isRetryable classifies a pgx error. Connection-level failures are worth
// retrying; constraint and syntax errors are not.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, class 57 operator intervention
		// (e.g. shutdown in progress), class 40 transaction rollback.
		switch pgErr.Code[:2] {
		case "08", "57", "40":
			return true
		}
		return false
	}
	// Anything that is not a server-reported error (dial failures, closed
	// pools, timeouts) is treated as transient.
	return true
}
