// Package updates implements the update-gating channel: a lighter-weight,
// unsigned endpoint pair where the license key acts as a bearer credential
// and the registry's effective status decides whether update metadata or
// package bytes are released.
package updates

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/registry"
	"keygate/pkg/contracts/domain"
)

// Decision is the outcome of an update check.
type Decision struct {
	Allowed        bool
	Reason         domain.VerdictStatus // set when not allowed
	HasUpdate      bool
	CurrentVersion string
	Latest         *Release // nil when no update is available
}

// Gate decides whether a license may see or fetch updates for its app.
type Gate struct {
	registry    *registry.Registry
	releases    ReleaseStore
	packagesDir string
	logger      *slog.Logger
	metrics     *infrastructure.ProtocolMetrics
	now         func() time.Time
}

// NewGate creates an update gate.
func NewGate(reg *registry.Registry, releases ReleaseStore, packagesDir string, logger *slog.Logger) *Gate {
	return &Gate{
		registry:    reg,
		releases:    releases,
		packagesDir: packagesDir,
		logger:      logger.With(slog.String("component", "update_gate")),
		now:         time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// WithMetrics sets the protocol instruments.
func (g *Gate) WithMetrics(m *infrastructure.ProtocolMetrics) *Gate {
	g.metrics = m
	return g
}

func (g *Gate) countCheck(ctx context.Context, outcome string) {
	if g.metrics == nil {
		return
	}
	g.metrics.UpdateChecksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// gateLicense resolves the license for the requested app and maps its
// effective status to a denial reason. A valid, ACTIVE license for appID
// yields (nil reason).
func (g *Gate) gateLicense(ctx context.Context, appID, licenseKey string) (domain.VerdictStatus, error) {
	lic, err := g.registry.Resolve(ctx, licenseKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			return domain.VerdictNotFound, nil
		}
		return "", err
	}
	// A license for another app must not gate this app's packages.
	if lic.AppID != appID {
		return domain.VerdictNotFound, nil
	}

	switch lic.EffectiveStatus(g.now()) {
	case domain.StatusRevoked:
		return domain.VerdictRevoked, nil
	case domain.StatusExpired:
		return domain.VerdictExpired, nil
	}
	return "", nil
}

// CheckUpdate reports whether a newer servable version exists for the app.
// Denial mirrors the registry status vocabulary; version comparison only
// happens for licenses in good standing.
func (g *Gate) CheckUpdate(ctx context.Context, appID, currentVersion, licenseKey string) (*Decision, error) {
	reason, err := g.gateLicense(ctx, appID, licenseKey)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		g.logger.InfoContext(ctx, "update check denied",
			slog.String("app_id", appID),
			slog.String("license_key", registry.MaskKey(licenseKey)),
			slog.String("reason", string(reason)))
		g.countCheck(ctx, string(reason))
		return &Decision{Allowed: false, Reason: reason, CurrentVersion: currentVersion}, nil
	}

	latest, err := g.releases.Latest(ctx, appID)
	if err != nil {
		if errors.Is(err, apperrors.ErrVersionNotFound) {
			// No published release: allowed, nothing to update to.
			g.countCheck(ctx, "allowed")
			return &Decision{Allowed: true, HasUpdate: false, CurrentVersion: currentVersion}, nil
		}
		return nil, err
	}

	cmp, err := CompareVersions(latest.Version, currentVersion)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Allowed:        true,
		CurrentVersion: currentVersion,
	}
	if cmp > 0 {
		decision.HasUpdate = true
		decision.Latest = latest
	}
	g.countCheck(ctx, "allowed")
	return decision, nil
}

// Package returns the release descriptor and an open artifact reader for an
// exact version, applying the same license gating as CheckUpdate. Unknown
// and non-servable versions report ErrVersionNotFound rather than revealing
// whether a withdrawn artifact exists.
func (g *Gate) Package(ctx context.Context, appID, version, licenseKey string) (*Release, *os.File, error) {
	reason, err := g.gateLicense(ctx, appID, licenseKey)
	if err != nil {
		return nil, nil, err
	}
	if reason != "" {
		return nil, nil, &DeniedError{Reason: reason}
	}

	rel, err := g.releases.Get(ctx, appID, version)
	if err != nil {
		return nil, nil, err
	}
	if !rel.Servable() {
		return nil, nil, apperrors.ErrVersionNotFound
	}

	// Artifact paths are confined to the packages dir; Clean alone keeps a
	// leading ".." and would let a stored path escape it.
	if !filepath.IsLocal(rel.ArtifactPath) {
		g.logger.ErrorContext(ctx, "release artifact path escapes packages dir",
			slog.String("app_id", appID),
			slog.String("version", version),
			slog.String("artifact_path", rel.ArtifactPath))
		return nil, nil, apperrors.ErrVersionNotFound
	}

	file, err := os.Open(filepath.Join(g.packagesDir, rel.ArtifactPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			g.logger.ErrorContext(ctx, "release artifact missing on disk",
				slog.String("app_id", appID),
				slog.String("version", version),
				slog.String("artifact_path", rel.ArtifactPath))
			return nil, nil, apperrors.ErrVersionNotFound
		}
		return nil, nil, err
	}

	g.logger.InfoContext(ctx, "package released",
		slog.String("app_id", appID),
		slog.String("version", version),
		slog.String("license_key", registry.MaskKey(licenseKey)))
	return rel, file, nil
}

// DeniedError carries the registry status that denied a package fetch.
type DeniedError struct {
	Reason domain.VerdictStatus
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return "package fetch denied: " + string(e.Reason)
}
