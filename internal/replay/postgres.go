package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresNonceStore persists consumed nonces in Postgres. The primary key
// on (license_key, nonce) makes ON CONFLICT DO NOTHING the atomic
// check-and-set: under concurrent identical inserts exactly one row wins.
//
// Schema:
//
//	CREATE TABLE consumed_nonces (
//	    license_key text NOT NULL,
//	    nonce       text NOT NULL,
//	    consumed_at timestamptz NOT NULL,
//	    PRIMARY KEY (license_key, nonce)
//	);
type PostgresNonceStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresNonceStore creates a store over the given connection pool.
func NewPostgresNonceStore(db *sql.DB, queryTimeout time.Duration) *PostgresNonceStore {
	return &PostgresNonceStore{db: db, queryTimeout: queryTimeout}
}

// PutIfAbsent implements NonceStore.
func (s *PostgresNonceStore) PutIfAbsent(ctx context.Context, licenseKey, nonce string, seenAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO consumed_nonces (license_key, nonce, consumed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (license_key, nonce) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, licenseKey, nonce, seenAt)
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read nonce insert result: %w", err)
	}
	return rows == 1, nil
}

// Purge implements NonceStore.
func (s *PostgresNonceStore) Purge(ctx context.Context, before time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `DELETE FROM consumed_nonces WHERE consumed_at < $1`

	if _, err := s.db.ExecContext(ctx, query, before); err != nil {
		return fmt.Errorf("failed to purge nonces: %w", err)
	}
	return nil
}
