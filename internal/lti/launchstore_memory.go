package lti

import (
	"context"
	"sync"
	"time"
)

// MemoryLaunchStore is process-local. Only for development and tests: a
// launch that lands on another instance will not find its state.
type MemoryLaunchStore struct {
	mu      sync.Mutex
	entries map[string]PendingLaunch
	ttl     time.Duration
	now     func() time.Time

	// purge expired entries every purgeN creates
	creates uint64
	purgeN  uint64
}

var (
	_ LaunchStore = (*MemoryLaunchStore)(nil)
	_ Reaper      = (*MemoryLaunchStore)(nil)
)

func NewMemoryLaunchStore(ttl time.Duration) *MemoryLaunchStore {
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}
	return &MemoryLaunchStore{
		entries: make(map[string]PendingLaunch),
		ttl:     ttl,
		now:     time.Now,
		purgeN:  256,
	}
}

func (m *MemoryLaunchStore) Create(_ context.Context, deploymentID, targetLinkURI, loginHint string) (PendingLaunch, error) {
	pl, err := newPendingLaunch(deploymentID, targetLinkURI, loginHint, m.now().UTC(), m.ttl)
	if err != nil {
		return PendingLaunch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[pl.State] = pl
	m.creates++
	if m.creates%m.purgeN == 0 {
		m.purgeLocked()
	}
	return pl, nil
}

func (m *MemoryLaunchStore) Consume(_ context.Context, state string) (PendingLaunch, error) {
	m.mu.Lock()
	pl, ok := m.entries[state]
	delete(m.entries, state)
	m.mu.Unlock()

	if !ok {
		return PendingLaunch{}, ErrStateNotFound
	}
	if !m.now().Before(pl.ExpiresAt) {
		return PendingLaunch{}, ErrStateExpired
	}
	return pl, nil
}

func (m *MemoryLaunchStore) Reap(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(), nil
}

func (m *MemoryLaunchStore) purgeLocked() int64 {
	now := m.now()
	var n int64
	for k, pl := range m.entries {
		if !now.Before(pl.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
