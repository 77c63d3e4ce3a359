package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/timzifer/netlease/config"
	"github.com/timzifer/netlease/lease"
	"github.com/timzifer/netlease/provider"
)

// settingsStore serves configuration values to the coordinators and allows the
// reload loop to swap the underlying configuration atomically. It implements
// both lease.Settings and provider.SlotResolver.
type settingsStore struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func newSettingsStore(cfg *config.Config) *settingsStore {
	return &settingsStore{cfg: cfg}
}

func (s *settingsStore) current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *settingsStore) swap(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *settingsStore) RequestTimeout() time.Duration {
	return s.current().RequestTimeoutOrDefault()
}

func (s *settingsStore) ReleaseDelay(owner string) time.Duration {
	return s.current().ReleaseDelayFor(owner)
}

func (s *settingsStore) AlternatePreferenceEnabled() bool {
	return s.current().AlternatePreferenceEnabled()
}

func (s *settingsStore) AcquireGrace() time.Duration {
	return lease.DefaultAcquireGrace
}

func (s *settingsStore) Slot(ownerID string) (string, error) {
	owner, ok := s.current().Owner(ownerID)
	if !ok {
		return "", fmt.Errorf("owner %s not configured", ownerID)
	}
	return owner.Slot, nil
}

var _ lease.Settings = (*settingsStore)(nil)
var _ provider.SlotResolver = (*settingsStore)(nil)
