// Package registry owns license records and their state machine. ACTIVE and
// REVOKED are persisted, admin-controlled states; EXPIRED is derived at read
// time from expiresAt and is never written.
package registry

import (
	"time"

	"keygate/pkg/contracts/domain"
)

// License is the stored license record. Key and AppID are immutable once
// issued; BoundTarget is set once by the first successful bind and is
// immutable thereafter.
type License struct {
	ID          string
	Key         string
	AppID       string
	Status      domain.LicenseStatus // ACTIVE or REVOKED, never EXPIRED
	BoundTarget string               // empty until first bind
	IssuedAt    time.Time
	ExpiresAt   *time.Time // nil means no expiry
	RevokedAt   *time.Time
}

// EffectiveStatus combines the persisted state with time-derived expiry.
// REVOKED wins over EXPIRED wins over ACTIVE: both are terminal for the
// caller but are reported distinctly for diagnostics.
func (l *License) EffectiveStatus(now time.Time) domain.LicenseStatus {
	if l.Status == domain.StatusRevoked {
		return domain.StatusRevoked
	}
	if l.ExpiresAt != nil && now.After(*l.ExpiresAt) {
		return domain.StatusExpired
	}
	return domain.StatusActive
}

// ToDomain converts the record to its wire representation.
func (l *License) ToDomain() domain.License {
	return domain.License{
		ID:          l.ID,
		Key:         l.Key,
		AppID:       l.AppID,
		Status:      l.Status,
		BoundTarget: l.BoundTarget,
		IssuedAt:    l.IssuedAt,
		ExpiresAt:   l.ExpiresAt,
		RevokedAt:   l.RevokedAt,
	}
}

// BindResult is the discriminated outcome of a binding check.
type BindResult int

const (
	// Bound: the license was already bound to the requested target.
	Bound BindResult = iota + 1
	// FirstBind: the license was unbound and is now bound to the target.
	FirstBind
	// Conflict: the license is bound to a different target.
	Conflict
)

// String returns the result name for logs.
func (r BindResult) String() string {
	switch r {
	case Bound:
		return "bound"
	case FirstBind:
		return "first_bind"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}
