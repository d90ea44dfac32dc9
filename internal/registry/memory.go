package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "keygate/internal/errors"
	"keygate/pkg/contracts/domain"
)

// MemoryStore is a mutex-guarded in-memory Store. It also acts as a
// signing.SecretSource when seeded with app secrets, so the in-memory mode
// needs no separate secret registry.
type MemoryStore struct {
	mu         sync.RWMutex
	byKey      map[string]*License
	byID       map[string]*License
	appSecrets map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:      make(map[string]*License),
		byID:       make(map[string]*License),
		appSecrets: make(map[string]string),
	}
}

// RegisterApp seeds an app's signing secret.
func (s *MemoryStore) RegisterApp(appID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appSecrets[appID] = secret
}

// Secret implements signing.SecretSource.
func (s *MemoryStore) Secret(ctx context.Context, appID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.appSecrets[appID]
	if !ok {
		return "", fmt.Errorf("%w: %s", apperrors.ErrSecretNotFound, appID)
	}
	return secret, nil
}

// GetByKey implements Store.
func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.byKey[key]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	copied := *lic
	return &copied, nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.byID[id]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	copied := *lic
	return &copied, nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[lic.Key]; exists {
		return fmt.Errorf("license key already exists: %s", lic.Key)
	}
	copied := *lic
	s.byKey[copied.Key] = &copied
	s.byID[copied.ID] = &copied
	return nil
}

// BindIfUnbound implements Store. The write happens under the same lock as
// the read, so exactly one of two concurrent first binds wins.
func (s *MemoryStore) BindIfUnbound(ctx context.Context, key, target string) (BindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.byKey[key]
	if !ok {
		return 0, apperrors.ErrLicenseNotFound
	}

	switch lic.BoundTarget {
	case "":
		lic.BoundTarget = target
		return FirstBind, nil
	case target:
		return Bound, nil
	default:
		return Conflict, nil
	}
}

// SetStatus implements Store.
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status domain.LicenseStatus, now time.Time) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.byID[id]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}

	lic.Status = status
	switch status {
	case domain.StatusRevoked:
		revokedAt := now
		lic.RevokedAt = &revokedAt
	case domain.StatusActive:
		lic.RevokedAt = nil
	}

	copied := *lic
	return &copied, nil
}

// ListByApp implements Store.
func (s *MemoryStore) ListByApp(ctx context.Context, appID string) ([]*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*License
	for _, lic := range s.byKey {
		if appID != "" && lic.AppID != appID {
			continue
		}
		copied := *lic
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
