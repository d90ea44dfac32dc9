package updates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "keygate/internal/errors"
)

// Release is an update descriptor: one published artifact of one app
// version. Withdrawn and pre-release artifacts exist in the store but are
// never served to clients.
type Release struct {
	AppID        string
	Version      string
	ArtifactPath string // relative to the configured packages directory
	Checksum     string // hex-encoded SHA-256 of the artifact
	Withdrawn    bool
	Prerelease   bool
	PublishedAt  time.Time
}

// Servable reports whether this release may be handed to clients.
func (r *Release) Servable() bool {
	return !r.Withdrawn && !r.Prerelease
}

// ReleaseStore resolves update descriptors.
type ReleaseStore interface {
	// Latest returns the highest servable version of an app, or
	// errors.ErrVersionNotFound when the app has no servable release.
	Latest(ctx context.Context, appID string) (*Release, error)
	// Get returns the descriptor for an exact app version, servable or not,
	// or errors.ErrVersionNotFound.
	Get(ctx context.Context, appID, version string) (*Release, error)
}

// MemoryReleaseStore is a mutex-guarded in-memory ReleaseStore.
type MemoryReleaseStore struct {
	mu       sync.RWMutex
	releases map[string][]*Release // appID -> releases
}

// NewMemoryReleaseStore creates an empty store.
func NewMemoryReleaseStore() *MemoryReleaseStore {
	return &MemoryReleaseStore{releases: make(map[string][]*Release)}
}

// Publish adds a release descriptor.
func (s *MemoryReleaseStore) Publish(rel *Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rel
	s.releases[rel.AppID] = append(s.releases[rel.AppID], &copied)
}

// Latest implements ReleaseStore.
func (s *MemoryReleaseStore) Latest(ctx context.Context, appID string) (*Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var servable []*Release
	for _, rel := range s.releases[appID] {
		if rel.Servable() {
			servable = append(servable, rel)
		}
	}
	if len(servable) == 0 {
		return nil, apperrors.ErrVersionNotFound
	}

	sort.Slice(servable, func(i, j int) bool {
		cmp, err := CompareVersions(servable[i].Version, servable[j].Version)
		if err != nil {
			// Unparseable stored versions sort last; Publish accepts any
			// string so ordering must stay total here.
			return false
		}
		return cmp > 0
	})

	copied := *servable[0]
	return &copied, nil
}

// Get implements ReleaseStore.
func (s *MemoryReleaseStore) Get(ctx context.Context, appID, version string) (*Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rel := range s.releases[appID] {
		if rel.Version == version {
			copied := *rel
			return &copied, nil
		}
	}
	return nil, apperrors.ErrVersionNotFound
}

// PostgresReleaseStore resolves release descriptors from Postgres.
//
// Schema:
//
//	CREATE TABLE releases (
//	    app_id        text NOT NULL,
//	    version       text NOT NULL,
//	    artifact_path text NOT NULL,
//	    checksum      text NOT NULL,
//	    withdrawn     boolean NOT NULL DEFAULT false,
//	    prerelease    boolean NOT NULL DEFAULT false,
//	    published_at  timestamptz NOT NULL,
//	    PRIMARY KEY (app_id, version)
//	);
type PostgresReleaseStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresReleaseStore creates a store over the given connection pool.
func NewPostgresReleaseStore(db *sql.DB, queryTimeout time.Duration) *PostgresReleaseStore {
	return &PostgresReleaseStore{db: db, queryTimeout: queryTimeout}
}

const releaseColumns = `app_id, version, artifact_path, checksum, withdrawn, prerelease, published_at`

// Latest implements ReleaseStore. Version ordering is numeric-segment, which
// SQL string ordering cannot express, so candidates are compared in Go.
func (s *PostgresReleaseStore) Latest(ctx context.Context, appID string) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + releaseColumns + ` FROM releases
		WHERE app_id = $1 AND NOT withdrawn AND NOT prerelease`

	rows, err := s.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	var latest *Release
	for rows.Next() {
		var rel Release
		if err := rows.Scan(&rel.AppID, &rel.Version, &rel.ArtifactPath, &rel.Checksum,
			&rel.Withdrawn, &rel.Prerelease, &rel.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		if latest == nil {
			copied := rel
			latest = &copied
			continue
		}
		cmp, err := CompareVersions(rel.Version, latest.Version)
		if err == nil && cmp > 0 {
			copied := rel
			latest = &copied
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, apperrors.ErrVersionNotFound
	}
	return latest, nil
}

// Get implements ReleaseStore.
func (s *PostgresReleaseStore) Get(ctx context.Context, appID, version string) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT ` + releaseColumns + ` FROM releases WHERE app_id = $1 AND version = $2`

	var rel Release
	err := s.db.QueryRowContext(ctx, query, appID, version).Scan(
		&rel.AppID, &rel.Version, &rel.ArtifactPath, &rel.Checksum,
		&rel.Withdrawn, &rel.Prerelease, &rel.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to load release: %w", err)
	}
	return &rel, nil
}
