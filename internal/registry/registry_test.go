package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "keygate/internal/errors"
	"keygate/pkg/contracts/domain"
)

func newTestRegistry(t *testing.T, now time.Time) (*Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	reg := New(store, slog.Default(), WithClock(func() time.Time { return now }))
	return reg, store
}

func seedLicense(t *testing.T, store *MemoryStore, lic *License) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), lic))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)

	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-AAAAA-BBBBB-CCCCC-DDDDD", AppID: "app-a",
		Status: domain.StatusActive, IssuedAt: now,
	})

	lic, err := reg.Resolve(ctx, "KG-AAAAA-BBBBB-CCCCC-DDDDD")
	require.NoError(t, err)
	assert.Equal(t, "app-a", lic.AppID)

	_, err = reg.Resolve(ctx, "KG-MISSING")
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

// REVOKED wins over EXPIRED wins over ACTIVE.
func TestEffectiveStatusPrecedence(t *testing.T) {
	now := time.Unix(1735689600, 0)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		status    domain.LicenseStatus
		expiresAt *time.Time
		want      domain.LicenseStatus
	}{
		{"active no expiry", domain.StatusActive, nil, domain.StatusActive},
		{"active future expiry", domain.StatusActive, &future, domain.StatusActive},
		{"active past expiry", domain.StatusActive, &past, domain.StatusExpired},
		{"revoked future expiry", domain.StatusRevoked, &future, domain.StatusRevoked},
		{"revoked past expiry reports revoked", domain.StatusRevoked, &past, domain.StatusRevoked},
		{"revoked no expiry", domain.StatusRevoked, nil, domain.StatusRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := &License{Status: tt.status, ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, lic.EffectiveStatus(now))
		})
	}
}

func TestCheckBindingFirstBindThenBound(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)
	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-KEY", AppID: "app-a", Status: domain.StatusActive, IssuedAt: now,
	})

	result, err := reg.CheckBinding(ctx, "KG-KEY", "device-1")
	require.NoError(t, err)
	assert.Equal(t, FirstBind, result)

	result, err = reg.CheckBinding(ctx, "KG-KEY", "device-1")
	require.NoError(t, err)
	assert.Equal(t, Bound, result)

	result, err = reg.CheckBinding(ctx, "KG-KEY", "device-2")
	require.NoError(t, err)
	assert.Equal(t, Conflict, result)
}

// Two concurrent first binds with different targets: exactly one wins.
func TestConcurrentFirstBindSingleWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)
	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-KEY", AppID: "app-a", Status: domain.StatusActive, IssuedAt: now,
	})

	const workers = 16
	var wg sync.WaitGroup
	results := make([]BindResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			target := "device-a"
			if idx%2 == 1 {
				target = "device-b"
			}
			results[idx], errs[idx] = reg.CheckBinding(ctx, "KG-KEY", target)
		}(i)
	}
	wg.Wait()

	firstBinds := 0
	for i, err := range errs {
		require.NoError(t, err)
		if results[i] == FirstBind {
			firstBinds++
		}
	}
	assert.Equal(t, 1, firstBinds, "exactly one first-bind winner")

	// The winner's target always reports Bound afterwards.
	lic, err := reg.Resolve(ctx, "KG-KEY")
	require.NoError(t, err)
	result, err := reg.CheckBinding(ctx, "KG-KEY", lic.BoundTarget)
	require.NoError(t, err)
	assert.Equal(t, Bound, result)
}

func TestSetStatusRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)
	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-KEY", AppID: "app-a", Status: domain.StatusActive, IssuedAt: now,
	})

	_, err := reg.SetStatus(ctx, Actor{Subject: "intern"}, "id-1", domain.StatusRevoked)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	// State untouched by the rejected call.
	lic, err := reg.Resolve(ctx, "KG-KEY")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, lic.Status)
}

func TestSetStatusRevokeAndUnrevoke(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)
	admin := Actor{Subject: "ops", Admin: true}
	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-KEY", AppID: "app-a", Status: domain.StatusActive, IssuedAt: now,
	})

	lic, err := reg.SetStatus(ctx, admin, "id-1", domain.StatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, lic.Status)
	require.NotNil(t, lic.RevokedAt)
	assert.Equal(t, now, *lic.RevokedAt)

	lic, err = reg.SetStatus(ctx, admin, "id-1", domain.StatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, lic.Status, "revoke is idempotent")

	lic, err = reg.SetStatus(ctx, admin, "id-1", domain.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, lic.Status)
	assert.Nil(t, lic.RevokedAt)
}

func TestSetStatusRejectsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, store := newTestRegistry(t, now)
	admin := Actor{Subject: "ops", Admin: true}
	seedLicense(t, store, &License{
		ID: "id-1", Key: "KG-KEY", AppID: "app-a", Status: domain.StatusActive, IssuedAt: now,
	})

	_, err := reg.SetStatus(ctx, admin, "id-1", domain.StatusExpired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a persisted state")
}

func TestIssueAndList(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1735689600, 0)
	reg, _ := newTestRegistry(t, now)
	admin := Actor{Subject: "ops", Admin: true}

	expiry := now.Add(365 * 24 * time.Hour)
	lic, err := reg.Issue(ctx, admin, "app-a", &expiry)
	require.NoError(t, err)
	assert.NotEmpty(t, lic.ID)
	assert.Regexp(t, `^KG-[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}-[A-Z2-7]{5}$`, lic.Key)
	assert.Equal(t, domain.StatusActive, lic.Status)
	assert.Empty(t, lic.BoundTarget)

	_, err = reg.Issue(ctx, admin, "app-b", nil)
	require.NoError(t, err)

	all, err := reg.List(ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	appA, err := reg.List(ctx, admin, "app-a")
	require.NoError(t, err)
	require.Len(t, appA, 1)
	assert.Equal(t, lic.Key, appA[0].Key)

	_, err = reg.List(ctx, Actor{Subject: "guest"}, "")
	assert.ErrorIs(t, err, apperrors.ErrNotAuthorized)
}

func TestGenerateKeyUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := GenerateKey()
		assert.False(t, seen[key], "duplicate key generated")
		seen[key] = true
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "KG-A****DDDD", MaskKey("KG-AAAAA-BBBBB-CCCCC-DDDD"))
	assert.Equal(t, "****", MaskKey("short"))
}

func TestAuditHash(t *testing.T) {
	h := AuditHash("KG-AAAAA-BBBBB-CCCCC-DDDDD")
	assert.Len(t, h, 16)
	assert.Equal(t, h, AuditHash("KG-AAAAA-BBBBB-CCCCC-DDDDD"), "stable per key")
	assert.NotEqual(t, h, AuditHash("KG-AAAAA-BBBBB-CCCCC-DDDDE"))
	assert.NotContains(t, "KG-AAAAA-BBBBB-CCCCC-DDDDD", h)
}
