// Package replay implements the anti-replay defense for signed verification
// requests. A request carries a signer-chosen nonce and timestamp; the guard
// rejects timestamps outside the freshness window and admits each
// (license_key, nonce) pair at most once inside it.
package replay

import (
	"context"
	"log/slog"
	"time"

	"keygate/internal/infrastructure"
)

// Decision is the discriminated outcome of a nonce admission. Expected
// rejections are values, not errors; only store failures surface as errors.
type Decision int

const (
	// Unknown is the zero value, returned alongside store errors.
	Unknown Decision = iota
	Accepted
	StaleTimestamp
	Replayed
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case StaleTimestamp:
		return "stale_timestamp"
	case Replayed:
		return "replayed"
	default:
		return "unknown"
	}
}

// NonceStore persists consumed nonces. PutIfAbsent must be atomic: under
// concurrent identical calls exactly one returns true.
type NonceStore interface {
	// PutIfAbsent records (licenseKey, nonce) consumed at seenAt if it is not
	// already present. Returns true if the record was created.
	PutIfAbsent(ctx context.Context, licenseKey, nonce string, seenAt time.Time) (bool, error)
	// Purge removes records consumed before the cutoff.
	Purge(ctx context.Context, before time.Time) error
}

// Guard validates request freshness and nonce uniqueness.
type Guard struct {
	store  NonceStore
	window time.Duration
}

// NewGuard creates a guard with freshness window W. Timestamps outside
// [now-W, now+W] are rejected before the store is consulted.
func NewGuard(store NonceStore, window time.Duration) *Guard {
	return &Guard{store: store, window: window}
}

// Window returns the configured freshness window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Admit checks the timestamp against the freshness window and then records
// the nonce. The boundary instants now-W and now+W are both accepted.
func (g *Guard) Admit(ctx context.Context, licenseKey, nonce string, timestamp, now time.Time) (Decision, error) {
	// Cheap rejection first: no store round-trip for stale requests.
	if timestamp.Before(now.Add(-g.window)) || timestamp.After(now.Add(g.window)) {
		return StaleTimestamp, nil
	}

	created, err := g.store.PutIfAbsent(ctx, licenseKey, nonce, now)
	if err != nil {
		return Unknown, err
	}
	if !created {
		return Replayed, nil
	}
	return Accepted, nil
}

// Sweep purges expired nonce records every interval until the context is
// canceled. Correctness never depends on the sweep; it only bounds storage.
func (g *Guard) Sweep(ctx context.Context, interval time.Duration) {
	logger := infrastructure.WithComponent(infrastructure.GetLogger(), "replay_sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-g.window)
			if err := g.store.Purge(ctx, cutoff); err != nil {
				logger.WarnContext(ctx, "nonce purge failed",
					slog.String("error", err.Error()),
					slog.Time("cutoff", cutoff))
			}
		case <-ctx.Done():
			return
		}
	}
}
