package registry

import (
	"context"
	"time"

	"keygate/pkg/contracts/domain"
)

// Store persists license records. Implementations must make BindIfUnbound a
// single atomic compare-and-swap so two concurrent first-time binds with
// different targets cannot both succeed.
type Store interface {
	// GetByKey resolves a license key. Returns errors.ErrLicenseNotFound
	// (wrapped or direct) when no record exists.
	GetByKey(ctx context.Context, key string) (*License, error)
	// GetByID resolves a license id.
	GetByID(ctx context.Context, id string) (*License, error)
	// Insert stores a newly issued license.
	Insert(ctx context.Context, lic *License) error
	// BindIfUnbound atomically sets BoundTarget from empty to target.
	// Reports Bound when already bound to target, FirstBind when the write
	// happened, Conflict when bound to a different target.
	BindIfUnbound(ctx context.Context, key, target string) (BindResult, error)
	// SetStatus persists an ACTIVE or REVOKED transition and returns the
	// updated record. revokedAt is recorded on REVOKED and cleared on ACTIVE.
	SetStatus(ctx context.Context, id string, status domain.LicenseStatus, now time.Time) (*License, error)
	// ListByApp returns the licenses of an app, newest first. An empty appID
	// returns all licenses.
	ListByApp(ctx context.Context, appID string) ([]*License, error)
	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error
}
