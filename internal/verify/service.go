// Package verify implements the signed license verification pipeline. Each
// request passes an ordered chain of checks and short-circuits at the first
// failure: existence, signature, freshness and nonce, binding, then effective
// status. Only ACTIVE reaches valid=true; every other outcome is a protocol
// verdict, not a transport error.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/registry"
	"keygate/internal/replay"
	"keygate/internal/signing"
	"keygate/pkg/contracts/domain"
)

// Service runs the verification pipeline.
type Service struct {
	registry *registry.Registry
	codec    *signing.Codec
	guard    *replay.Guard
	metrics  *infrastructure.ProtocolMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracer sets the tracer used for verification spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithMetrics sets the protocol instruments.
func WithMetrics(m *infrastructure.ProtocolMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the pipeline dependencies.
func NewService(reg *registry.Registry, codec *signing.Codec, guard *replay.Guard, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		codec:    codec,
		guard:    guard,
		logger:   logger.With(slog.String("component", "verify_service")),
		tracer:   noop.NewTracerProvider().Tracer("verify"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify runs the full pipeline for one request. The returned response is
// always a protocol verdict; an error means the backing store was
// unreachable and no verdict could be produced.
//
// The nonce is consumed as soon as the signature checks out, before binding
// and status are evaluated. A request that ends in BINDING_CONFLICT, REVOKED
// or EXPIRED therefore cannot be replayed either.
func (s *Service) Verify(ctx context.Context, req *domain.VerifyRequest) (*domain.VerifyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "verify.license",
		trace.WithAttributes(attribute.String("license_key", registry.MaskKey(req.LicenseKey))))
	defer span.End()

	start := s.now()
	resp, err := s.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("verdict", string(resp.Status)))
	s.record(ctx, resp.Status, s.now().Sub(start))
	return resp, nil
}

func (s *Service) run(ctx context.Context, req *domain.VerifyRequest) (*domain.VerifyResponse, error) {
	now := s.now()

	// 1. Existence. An unknown key has no app and therefore no secret; the
	// NOT_FOUND verdict goes out unsigned.
	lic, err := s.registry.Resolve(ctx, req.LicenseKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			s.logger.InfoContext(ctx, "verification verdict",
				slog.String("license_key", registry.MaskKey(req.LicenseKey)),
				slog.String("license_key_hash", registry.AuditHash(req.LicenseKey)),
				slog.String("verdict", string(domain.VerdictNotFound)))
			return s.unsignedVerdict(domain.VerdictNotFound, now), nil
		}
		return nil, err
	}

	// 2. Signature, before any state is consumed. A request that cannot
	// prove possession of the app secret must not burn a nonce.
	payload := signing.Payload{
		LicenseKey: req.LicenseKey,
		BindTarget: req.BindTarget,
		Timestamp:  req.Timestamp,
		Nonce:      req.Nonce,
	}
	ok, err := s.codec.VerifyRequest(ctx, lic.AppID, payload, req.Sign)
	if err != nil {
		if errors.Is(err, apperrors.ErrSecretNotFound) || errors.Is(err, signing.ErrNoSecret) {
			// An app with no signing secret can never have produced a valid
			// signature, so this is a protocol rejection rather than an
			// infrastructure failure. Unsigned, like NOT_FOUND: there is no
			// secret to sign the verdict with either.
			s.logger.WarnContext(ctx, "verification verdict",
				slog.String("license_key", registry.MaskKey(req.LicenseKey)),
				slog.String("license_key_hash", registry.AuditHash(req.LicenseKey)),
				slog.String("app_id", lic.AppID),
				slog.String("verdict", string(domain.VerdictInvalidSignature)),
				slog.String("reason", "no signing secret for app"))
			return s.unsignedVerdict(domain.VerdictInvalidSignature, now), nil
		}
		return nil, err
	}
	if !ok {
		return s.verdict(ctx, lic, domain.VerdictInvalidSignature, now)
	}

	// 3. Freshness and nonce. The nonce is recorded here and stays consumed
	// regardless of what the remaining checks decide.
	decision, err := s.guard.Admit(ctx, req.LicenseKey, req.Nonce, time.Unix(req.Timestamp, 0), now)
	if err != nil {
		return nil, err
	}
	switch decision {
	case replay.StaleTimestamp:
		s.countNonceRejection(ctx, decision)
		return s.verdict(ctx, lic, domain.VerdictStaleTimestamp, now)
	case replay.Replayed:
		s.countNonceRejection(ctx, decision)
		return s.verdict(ctx, lic, domain.VerdictReplayed, now)
	}

	// 4. Binding, first-bind-wins.
	bind, err := s.registry.CheckBinding(ctx, req.LicenseKey, req.BindTarget)
	if err != nil {
		return nil, err
	}
	if bind == registry.Conflict {
		return s.verdict(ctx, lic, domain.VerdictBindingConflict, now)
	}

	// 5. Effective status decides the final verdict.
	switch lic.EffectiveStatus(now) {
	case domain.StatusRevoked:
		return s.verdict(ctx, lic, domain.VerdictRevoked, now)
	case domain.StatusExpired:
		return s.verdict(ctx, lic, domain.VerdictExpired, now)
	}
	return s.verdict(ctx, lic, domain.VerdictActive, now)
}

// verdict builds and signs the response for a resolved license.
func (s *Service) verdict(ctx context.Context, lic *registry.License, status domain.VerdictStatus, now time.Time) (*domain.VerifyResponse, error) {
	resp := &domain.VerifyResponse{
		Valid:      status == domain.VerdictActive,
		Status:     status,
		ServerTime: now.Unix(),
	}
	if lic.ExpiresAt != nil {
		expires := *lic.ExpiresAt
		resp.ExpiresAt = &expires
	}

	var expiresAt int64
	if resp.ExpiresAt != nil {
		expiresAt = resp.ExpiresAt.Unix()
	}
	signature, err := s.codec.SignResponse(ctx, lic.AppID, signing.ResponsePayload{
		Valid:      resp.Valid,
		Status:     string(status),
		ExpiresAt:  expiresAt,
		ServerTime: resp.ServerTime,
	})
	if err != nil {
		return nil, err
	}
	resp.Signature = signature

	s.logger.InfoContext(ctx, "verification verdict",
		slog.String("license_key", registry.MaskKey(lic.Key)),
		slog.String("license_key_hash", registry.AuditHash(lic.Key)),
		slog.String("app_id", lic.AppID),
		slog.String("verdict", string(status)))
	return resp, nil
}

// unsignedVerdict builds a response without a signature, for the verdicts
// where no app secret exists to sign with: NOT_FOUND, and INVALID_SIGNATURE
// when the app has no registered secret.
func (s *Service) unsignedVerdict(status domain.VerdictStatus, now time.Time) *domain.VerifyResponse {
	return &domain.VerifyResponse{
		Valid:      false,
		Status:     status,
		ServerTime: now.Unix(),
	}
}

func (s *Service) record(ctx context.Context, verdict domain.VerdictStatus, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("verdict", string(verdict)))
	s.metrics.VerificationsTotal.Add(ctx, 1, attrs)
	s.metrics.VerificationLatency.Record(ctx, elapsed.Seconds(), attrs)
}

func (s *Service) countNonceRejection(ctx context.Context, decision replay.Decision) {
	if s.metrics == nil {
		return
	}
	s.metrics.NonceRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", decision.String())))
}
