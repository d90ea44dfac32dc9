package replay

import (
	"context"
	"sync"
	"time"
)

type nonceKey struct {
	licenseKey string
	nonce      string
}

// MemoryNonceStore is a mutex-guarded in-memory NonceStore. The single lock
// makes PutIfAbsent a true check-and-set: two concurrent identical requests
// can never both observe "absent".
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[nonceKey]time.Time
	window time.Duration
}

// NewMemoryNonceStore creates an empty store. Records older than window are
// evicted lazily on the next PutIfAbsent in addition to explicit Purge calls.
func NewMemoryNonceStore(window time.Duration) *MemoryNonceStore {
	return &MemoryNonceStore{
		seen:   make(map[nonceKey]time.Time),
		window: window,
	}
}

// PutIfAbsent implements NonceStore.
func (s *MemoryNonceStore) PutIfAbsent(ctx context.Context, licenseKey, nonce string, seenAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := nonceKey{licenseKey: licenseKey, nonce: nonce}

	s.mu.Lock()
	defer s.mu.Unlock()

	if consumedAt, ok := s.seen[key]; ok {
		// An expired record no longer blocks re-admission; the timestamp
		// check upstream already rejects requests that old.
		if seenAt.Sub(consumedAt) <= s.window {
			return false, nil
		}
	}

	s.seen[key] = seenAt
	s.evictLocked(seenAt)
	return true, nil
}

// Purge implements NonceStore.
func (s *MemoryNonceStore) Purge(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, consumedAt := range s.seen {
		if consumedAt.Before(before) {
			delete(s.seen, key)
		}
	}
	return nil
}

// Len reports the number of retained records.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// evictLocked drops records outside the window. Called with the lock held.
func (s *MemoryNonceStore) evictLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	for key, consumedAt := range s.seen {
		if consumedAt.Before(cutoff) {
			delete(s.seen, key)
		}
	}
}
