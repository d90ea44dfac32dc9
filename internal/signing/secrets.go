package signing

import (
	"context"
	"fmt"
	"sync"
)

// ErrNoSecret is returned when an app has no registered signing secret.
var ErrNoSecret = fmt.Errorf("no signing secret registered for app")

// StaticSecrets is an in-memory SecretSource keyed by app ID. It is safe for
// concurrent use and serves as the fixture source in tests and in-memory mode.
type StaticSecrets struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticSecrets creates a static source from the given map. The map is
// copied; later mutation of the argument does not affect the source.
func NewStaticSecrets(secrets map[string]string) *StaticSecrets {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &StaticSecrets{secrets: copied}
}

// Secret implements SecretSource.
func (s *StaticSecrets) Secret(ctx context.Context, appID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[appID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, appID)
	}
	return secret, nil
}

// Register adds or replaces the secret for an app.
func (s *StaticSecrets) Register(appID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[appID] = secret
}
