package liveness

import (
	"context"
	"sync"
	"time"
)

// MemoryLeases is an in-process LeaseStore for local runs and tests.
type MemoryLeases struct {
	mu     sync.RWMutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLeases) Refresh(ctx context.Context, driverID string, lc LeaseContext, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[leaseKey(driverID, lc)] = m.now().Add(ttl)
	return nil
}

func (m *MemoryLeases) Clear(ctx context.Context, driverID string, lc LeaseContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseKey(driverID, lc))
	return nil
}

func (m *MemoryLeases) IsAlive(ctx context.Context, driverID string, lc LeaseContext) (bool, error) {
	m.mu.RLock()
	deadline, ok := m.leases[leaseKey(driverID, lc)]
	m.mu.RUnlock()
	return ok && m.now().Before(deadline), nil
}
