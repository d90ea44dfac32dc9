package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "keygate/internal/errors"
	"keygate/pkg/contracts/domain"
)

// Registry is the service wrapping a Store with the license state machine
// and admin authorization. Admin-only operations take an explicit Actor and
// reject non-admin callers before any state is touched.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over the given store.
func New(store Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logger.With(slog.String("component", "license_registry")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve looks up a license by key.
func (r *Registry) Resolve(ctx context.Context, key string) (*License, error) {
	return r.store.GetByKey(ctx, key)
}

// CheckBinding enforces first-bind-wins binding. If the license is unbound
// the call performs the first-bind write atomically with the read.
func (r *Registry) CheckBinding(ctx context.Context, key, target string) (BindResult, error) {
	result, err := r.store.BindIfUnbound(ctx, key, target)
	if err != nil {
		return 0, err
	}

	if result == FirstBind {
		r.logger.InfoContext(ctx, "license bound to target",
			slog.String("license_key", MaskKey(key)),
			slog.String("bind_target", target))
	}
	return result, nil
}

// EffectiveStatus reports the status a license has right now.
func (r *Registry) EffectiveStatus(lic *License) domain.LicenseStatus {
	return lic.EffectiveStatus(r.now())
}

// SetStatus performs an admin ACTIVE⇄REVOKED transition. EXPIRED is derived
// and can never be set. Authorization is checked before any store access.
func (r *Registry) SetStatus(ctx context.Context, actor Actor, id string, status domain.LicenseStatus) (*License, error) {
	if !actor.Admin {
		return nil, apperrors.ErrNotAuthorized
	}
	if status != domain.StatusActive && status != domain.StatusRevoked {
		return nil, fmt.Errorf("status %q is not a persisted state", status)
	}

	lic, err := r.store.SetStatus(ctx, id, status, r.now())
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", id),
		slog.String("status", string(status)),
		slog.String("actor", actor.Subject))
	return lic, nil
}

// Issue creates a new license for an app. Admin only.
func (r *Registry) Issue(ctx context.Context, actor Actor, appID string, expiresAt *time.Time) (*License, error) {
	if !actor.Admin {
		return nil, apperrors.ErrNotAuthorized
	}

	lic := &License{
		ID:        uuid.New().String(),
		Key:       GenerateKey(),
		AppID:     appID,
		Status:    domain.StatusActive,
		IssuedAt:  r.now(),
		ExpiresAt: expiresAt,
	}

	if err := r.store.Insert(ctx, lic); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.ID),
		slog.String("license_key", MaskKey(lic.Key)),
		slog.String("app_id", appID),
		slog.String("actor", actor.Subject))
	return lic, nil
}

// List returns the licenses of an app. Admin only.
func (r *Registry) List(ctx context.Context, actor Actor, appID string) ([]*License, error) {
	if !actor.Admin {
		return nil, apperrors.ErrNotAuthorized
	}
	return r.store.ListByApp(ctx, appID)
}

// Ping reports store reachability.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// GenerateKey produces an opaque license key: KG- followed by four
// base32 groups from 16 random bytes, e.g. KG-ABCDE-FGHIJ-KLMNO-PQRST.
func GenerateKey() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	var groups []string
	for i := 0; i+5 <= len(encoded) && len(groups) < 4; i += 5 {
		groups = append(groups, encoded[i:i+5])
	}
	return "KG-" + strings.Join(groups, "-")
}

// MaskKey masks a license key for logging: first and last four characters.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// AuditHash returns a stable correlation token for a license key. Log lines
// carry it alongside the masked key so audit trails can be joined without
// ever recording the key itself.
func AuditHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}
