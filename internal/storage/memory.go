package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-presence/internal/models"
)

// MemoryRecords is an in-process RecordStore for local runs and tests.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	loc     *time.Location
	now     func() time.Time
}

type memoryRecord struct {
	presence  models.DriverPresence
	expiresAt time.Time
}

func NewMemoryRecords(loc *time.Location) *MemoryRecords {
	if loc == nil {
		loc = time.Local
	}
	return &MemoryRecords{records: make(map[string]memoryRecord), loc: loc, now: time.Now}
}

func (m *MemoryRecords) Upsert(ctx context.Context, p models.DriverPresence) error {
	now := m.now().In(m.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc).AddDate(0, 0, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.DriverID] = memoryRecord{presence: p, expiresAt: midnight}
	return nil
}

func (m *MemoryRecords) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[driverID]
	m.mu.RUnlock()
	if !ok || m.now().After(rec.expiresAt) {
		return models.DriverPresence{}, false, nil
	}
	return rec.presence, true, nil
}

func (m *MemoryRecords) Remove(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, driverID)
	return nil
}
