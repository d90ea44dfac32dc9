package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "keygate/internal/errors"
	"keygate/pkg/contracts/domain"
)

// PostgresStore persists licenses and app secrets in Postgres.
//
// Schema:
//
//	CREATE TABLE apps (
//	    app_id text PRIMARY KEY,
//	    secret text NOT NULL
//	);
//	CREATE TABLE licenses (
//	    id           uuid PRIMARY KEY,
//	    key          text NOT NULL UNIQUE,
//	    app_id       text NOT NULL REFERENCES apps(app_id),
//	    status       text NOT NULL,
//	    bound_target text,
//	    issued_at    timestamptz NOT NULL,
//	    expires_at   timestamptz,
//	    revoked_at   timestamptz
//	);
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, queryTimeout: queryTimeout}
}

const licenseColumns = `id, key, app_id, status, bound_target, issued_at, expires_at, revoked_at`

func scanLicense(row *sql.Row) (*License, error) {
	var lic License
	var boundTarget sql.NullString
	var expiresAt, revokedAt sql.NullTime

	err := row.Scan(&lic.ID, &lic.Key, &lic.AppID, &lic.Status, &boundTarget, &lic.IssuedAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to scan license: %w", err)
	}

	if boundTarget.Valid {
		lic.BoundTarget = boundTarget.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		lic.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		lic.RevokedAt = &t
	}
	return &lic, nil
}

// Secret implements signing.SecretSource.
func (s *PostgresStore) Secret(ctx context.Context, appID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var secret string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM apps WHERE app_id = $1`, appID).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", apperrors.ErrSecretNotFound, appID)
		}
		return "", fmt.Errorf("failed to load app secret: %w", err)
	}
	return secret, nil
}

// GetByKey implements Store.
func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*License, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = $1`
	return scanLicense(s.db.QueryRowContext(ctx, query, key))
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*License, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1`
	return scanLicense(s.db.QueryRowContext(ctx, query, id))
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, lic *License) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO licenses (id, key, app_id, status, bound_target, issued_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		lic.ID, lic.Key, lic.AppID, lic.Status, lic.BoundTarget, lic.IssuedAt, lic.ExpiresAt, lic.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}
	return nil
}

// BindIfUnbound implements Store. The conditional UPDATE is the atomic
// compare-and-swap: it only succeeds while bound_target is NULL, so exactly
// one concurrent first bind wins and the rest observe the committed target.
func (s *PostgresStore) BindIfUnbound(ctx context.Context, key, target string) (BindResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	update := `
		UPDATE licenses SET bound_target = $2
		WHERE key = $1 AND bound_target IS NULL`

	result, err := s.db.ExecContext(ctx, update, key, target)
	if err != nil {
		return 0, fmt.Errorf("failed to bind license: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read bind result: %w", err)
	}
	if rows == 1 {
		return FirstBind, nil
	}

	// Lost the race or already bound; read the committed target.
	var bound sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT bound_target FROM licenses WHERE key = $1`, key).Scan(&bound)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.ErrLicenseNotFound
		}
		return 0, fmt.Errorf("failed to read bound target: %w", err)
	}
	if bound.Valid && bound.String == target {
		return Bound, nil
	}
	return Conflict, nil
}

// SetStatus implements Store.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status domain.LicenseStatus, now time.Time) (*License, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		UPDATE licenses
		SET status = $2,
		    revoked_at = CASE WHEN $2 = 'REVOKED' THEN $3 ELSE NULL END
		WHERE id = $1
		RETURNING ` + licenseColumns

	return scanLicense(s.db.QueryRowContext(ctx, query, id, status, now))
}

// ListByApp implements Store.
func (s *PostgresStore) ListByApp(ctx context.Context, appID string) ([]*License, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + licenseColumns + ` FROM licenses
		WHERE ($1 = '' OR app_id = $1)
		ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var out []*License
	for rows.Next() {
		var lic License
		var boundTarget sql.NullString
		var expiresAt, revokedAt sql.NullTime

		err := rows.Scan(&lic.ID, &lic.Key, &lic.AppID, &lic.Status, &boundTarget, &lic.IssuedAt, &expiresAt, &revokedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license row: %w", err)
		}
		if boundTarget.Valid {
			lic.BoundTarget = boundTarget.String
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			lic.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			lic.RevokedAt = &t
		}
		out = append(out, &lic)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}
