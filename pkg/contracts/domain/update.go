package domain

import (
	"time"
)

// UpdateCheckResponse reports whether a newer release exists for the app the
// license belongs to. When Allowed is false, Reason carries the registry
// status that denied the check (NOT_FOUND, REVOKED, EXPIRED).
type UpdateCheckResponse struct {
	Allowed        bool          `json:"allowed"`
	Reason         VerdictStatus `json:"reason,omitempty"`
	HasUpdate      bool          `json:"has_update"`
	CurrentVersion string        `json:"current_version,omitempty"`
	LatestVersion  string        `json:"latest_version,omitempty"`
	Checksum       string        `json:"checksum,omitempty"`
	PublishedAt    *time.Time    `json:"published_at,omitempty"`
	ServerTime     int64         `json:"server_time"`
}
