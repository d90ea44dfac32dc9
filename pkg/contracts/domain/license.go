package domain

import (
	"time"
)

// LicenseStatus is the persisted or derived state of a license.
type LicenseStatus string

const (
	StatusActive  LicenseStatus = "ACTIVE"
	StatusRevoked LicenseStatus = "REVOKED"
	StatusExpired LicenseStatus = "EXPIRED"
)

// VerdictStatus is the status vocabulary returned by the verification
// endpoint. ACTIVE is the only value paired with valid=true.
type VerdictStatus string

const (
	VerdictActive           VerdictStatus = "ACTIVE"
	VerdictNotFound         VerdictStatus = "NOT_FOUND"
	VerdictInvalidSignature VerdictStatus = "INVALID_SIGNATURE"
	VerdictStaleTimestamp   VerdictStatus = "STALE_TIMESTAMP"
	VerdictReplayed         VerdictStatus = "REPLAYED"
	VerdictBindingConflict  VerdictStatus = "BINDING_CONFLICT"
	VerdictRevoked          VerdictStatus = "REVOKED"
	VerdictExpired          VerdictStatus = "EXPIRED"
	VerdictInvalidPayload   VerdictStatus = "INVALID_PAYLOAD"
)

// VerifyRequest is the signed verification envelope sent by client software.
// Timestamp is epoch seconds chosen by the signer; Nonce must be unique per
// request within the freshness window.
type VerifyRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8,max=64"`
	BindTarget string `json:"bind_target" validate:"required,min=1,max=255"`
	Timestamp  int64  `json:"timestamp" validate:"required,gt=0"`
	Nonce      string `json:"nonce" validate:"required,min=8,max=128"`
	Sign       string `json:"sign" validate:"required,len=64,hexadecimal"`
}

// VerifyResponse is the signed verdict. It is returned with HTTP 200 for
// every protocol outcome, positive or negative; Signature authenticates the
// verdict to the client using the app secret. Signature is empty only when
// no secret exists to sign with: an unknown key (NOT_FOUND), or an app with
// no registered secret (INVALID_SIGNATURE).
type VerifyResponse struct {
	Valid      bool          `json:"valid"`
	Status     VerdictStatus `json:"status"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	ServerTime int64         `json:"server_time"`
	Signature  string        `json:"signature,omitempty"`
}

// License is the externally visible license record.
type License struct {
	ID          string        `json:"id"`
	Key         string        `json:"key"`
	AppID       string        `json:"app_id"`
	Status      LicenseStatus `json:"status"`
	BoundTarget string        `json:"bound_target,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	RevokedAt   *time.Time    `json:"revoked_at,omitempty"`
}

// StatusChangeRequest is the admin request to revoke or unrevoke a license.
// Only the persisted states are accepted; EXPIRED is derived and can never
// be set.
type StatusChangeRequest struct {
	Status LicenseStatus `json:"status" validate:"required,oneof=ACTIVE REVOKED"`
}

// IssueLicenseRequest is the admin request to issue a new license.
type IssueLicenseRequest struct {
	AppID     string     `json:"app_id" validate:"required,min=1,max=64"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
