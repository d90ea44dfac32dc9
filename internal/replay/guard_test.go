package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWindow = 300 * time.Second

func newTestGuard() (*Guard, *MemoryNonceStore) {
	store := NewMemoryNonceStore(testWindow)
	return NewGuard(store, testWindow), store
}

func TestAdmitThenReplay(t *testing.T) {
	ctx := context.Background()
	guard, _ := newTestGuard()
	now := time.Now()

	decision, err := guard.Admit(ctx, "lic-1", "nonce-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, Accepted, decision)

	decision, err = guard.Admit(ctx, "lic-1", "nonce-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, Replayed, decision)
}

func TestNonceScopedPerLicenseKey(t *testing.T) {
	ctx := context.Background()
	guard, _ := newTestGuard()
	now := time.Now()

	decision, err := guard.Admit(ctx, "lic-1", "nonce-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, Accepted, decision)

	// Same nonce under a different license key is a distinct pair.
	decision, err = guard.Admit(ctx, "lic-2", "nonce-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, Accepted, decision)
}

// The window boundaries are inclusive: exactly now-W and now+W are accepted,
// one second further out is stale.
func TestTimestampWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)

	tests := []struct {
		name      string
		timestamp time.Time
		want      Decision
	}{
		{"exactly now", now, Accepted},
		{"lower boundary", now.Add(-testWindow), Accepted},
		{"upper boundary", now.Add(testWindow), Accepted},
		{"one second too old", now.Add(-testWindow - time.Second), StaleTimestamp},
		{"one second too new", now.Add(testWindow + time.Second), StaleTimestamp},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, store := newTestGuard()
			decision, err := guard.Admit(ctx, "lic-1", "nonce", tt.timestamp, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision)

			// Stale rejections never touch the nonce store.
			if tt.want == StaleTimestamp {
				assert.Equal(t, 0, store.Len(), "case %d recorded a stale nonce", i)
			}
		})
	}
}

// Under concurrent identical requests exactly one admission wins.
func TestConcurrentAdmissionSingleWinner(t *testing.T) {
	ctx := context.Background()
	guard, _ := newTestGuard()
	now := time.Now()

	const workers = 32
	var wg sync.WaitGroup
	decisions := make([]Decision, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			decisions[idx], errs[idx] = guard.Admit(ctx, "lic-1", "contested-nonce", now, now)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	accepted := 0
	replayed := 0
	for _, d := range decisions {
		switch d {
		case Accepted:
			accepted++
		case Replayed:
			replayed++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one winner")
	assert.Equal(t, workers-1, replayed)
}

func TestLazyEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNonceStore(testWindow)
	guard := NewGuard(store, testWindow)

	base := time.Unix(1735689600, 0)
	decision, err := guard.Admit(ctx, "lic-1", "old-nonce", base, base)
	require.NoError(t, err)
	require.Equal(t, Accepted, decision)

	// A later admission evicts records that fell out of the window.
	later := base.Add(2 * testWindow)
	decision, err = guard.Admit(ctx, "lic-1", "new-nonce", later, later)
	require.NoError(t, err)
	require.Equal(t, Accepted, decision)

	assert.Equal(t, 1, store.Len(), "old record evicted")
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNonceStore(testWindow)

	base := time.Unix(1735689600, 0)
	created, err := store.PutIfAbsent(ctx, "lic-1", "n1", base)
	require.NoError(t, err)
	require.True(t, created)
	created, err = store.PutIfAbsent(ctx, "lic-1", "n2", base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.Purge(ctx, base.Add(30*time.Second)))
	assert.Equal(t, 1, store.Len())
}

func TestPutIfAbsentHonorsContextCancellation(t *testing.T) {
	store := NewMemoryNonceStore(testWindow)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.PutIfAbsent(ctx, "lic-1", "n1", time.Now())
	assert.Error(t, err)
}
