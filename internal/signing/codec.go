// Package signing implements the request/response signature scheme used by
// the verification protocol. Payloads are canonicalized into a fixed field
// order and signed with HMAC-SHA256 keyed by a per-app secret, so that a
// compromised secret affects only its own app.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the set of request fields covered by the signature. Two
// semantically equal payloads always canonicalize identically; changing any
// field changes the canonical string.
type Payload struct {
	LicenseKey string
	BindTarget string
	Timestamp  int64
	Nonce      string
}

// Canonical returns the deterministic serialization used as signature input.
// Fields appear in fixed key order with key=value pairs joined by '&'. Values
// never contain '&' or '=' ambiguity because keys are fixed and values are
// length-delimited by position.
func (p Payload) Canonical() string {
	var b strings.Builder
	b.WriteString("bind_target=")
	b.WriteString(p.BindTarget)
	b.WriteString("&license_key=")
	b.WriteString(p.LicenseKey)
	b.WriteString("&nonce=")
	b.WriteString(p.Nonce)
	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return b.String()
}

// ResponsePayload covers the fields of a signed verdict.
type ResponsePayload struct {
	Valid      bool
	Status     string
	ExpiresAt  int64 // epoch seconds, 0 when the license never expires
	ServerTime int64
}

// Canonical returns the deterministic serialization of a response payload.
func (p ResponsePayload) Canonical() string {
	return fmt.Sprintf("expires_at=%d&server_time=%d&status=%s&valid=%t",
		p.ExpiresAt, p.ServerTime, p.Status, p.Valid)
}

// Sign computes the hex-encoded HMAC-SHA256 of the canonical string under
// the given secret.
func Sign(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether provided is a valid signature over canonical under
// secret. Comparison is constant-time.
func Verify(canonical, provided, secret string) bool {
	providedRaw, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hmac.Equal(providedRaw, mac.Sum(nil))
}

// SecretSource resolves the signing secret for an app. A missing secret is
// reported as an error wrapping the implementation's sentinel (ErrNoSecret
// for StaticSecrets); callers treat any error as a failure to sign.
type SecretSource interface {
	Secret(ctx context.Context, appID string) (string, error)
}

// Codec binds signing and verification to a secret source.
type Codec struct {
	secrets SecretSource
}

// NewCodec creates a codec over the given secret source.
func NewCodec(secrets SecretSource) *Codec {
	return &Codec{secrets: secrets}
}

// SignRequest signs a request payload with the secret of the given app.
func (c *Codec) SignRequest(ctx context.Context, appID string, p Payload) (string, error) {
	secret, err := c.secrets.Secret(ctx, appID)
	if err != nil {
		return "", err
	}
	return Sign(p.Canonical(), secret), nil
}

// VerifyRequest checks a provided signature against the request payload
// under the app's secret. A missing secret is reported as (false, err) so the
// caller can distinguish infrastructure failure from a plain mismatch.
func (c *Codec) VerifyRequest(ctx context.Context, appID string, p Payload, provided string) (bool, error) {
	secret, err := c.secrets.Secret(ctx, appID)
	if err != nil {
		return false, err
	}
	return Verify(p.Canonical(), provided, secret), nil
}

// SignResponse signs a verdict payload with the secret of the given app.
func (c *Codec) SignResponse(ctx context.Context, appID string, p ResponsePayload) (string, error) {
	secret, err := c.secrets.Secret(ctx, appID)
	if err != nil {
		return "", err
	}
	return Sign(p.Canonical(), secret), nil
}
