package liveness

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLeasesRefreshAndExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLeases()
	current := time.Now()
	m.now = func() time.Time { return current }

	if err := m.Refresh(ctx, "d1", ContextIdle, 120*time.Second); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// 60s later a refreshed lease is still alive
	current = current.Add(60 * time.Second)
	if err := m.Refresh(ctx, "d1", ContextIdle, 120*time.Second); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	alive, err := m.IsAlive(ctx, "d1", ContextIdle)
	if err != nil || !alive {
		t.Fatalf("expected alive after refresh, got alive=%v err=%v", alive, err)
	}

	// 130s past the last refresh with no heartbeat the lease has lapsed
	current = current.Add(130 * time.Second)
	alive, err = m.IsAlive(ctx, "d1", ContextIdle)
	if err != nil || alive {
		t.Fatalf("expected lapsed lease, got alive=%v err=%v", alive, err)
	}
}

func TestMemoryLeasesContextsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLeases()

	if err := m.Refresh(ctx, "d1", ContextRide, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if alive, _ := m.IsAlive(ctx, "d1", ContextRide); !alive {
		t.Fatal("ride lease should be alive")
	}
	if alive, _ := m.IsAlive(ctx, "d1", ContextIdle); alive {
		t.Fatal("idle lease must not be armed by a ride refresh")
	}
}

func TestMemoryLeasesClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLeases()

	if err := m.Refresh(ctx, "d1", ContextIdle, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := m.Clear(ctx, "d1", ContextIdle); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if alive, _ := m.IsAlive(ctx, "d1", ContextIdle); alive {
		t.Fatal("lease should be gone after clear")
	}
	if err := m.Clear(ctx, "d1", ContextIdle); err != nil {
		t.Fatalf("clear of absent lease must not error: %v", err)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLeases()
	current := time.Now()
	m.now = func() time.Time { return current }

	// ttl <= 0 falls back to the 120s default
	if err := m.Refresh(ctx, "d1", ContextIdle, 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	current = current.Add(119 * time.Second)
	if alive, _ := m.IsAlive(ctx, "d1", ContextIdle); !alive {
		t.Fatal("lease should survive 119s under the default TTL")
	}
	current = current.Add(2 * time.Second)
	if alive, _ := m.IsAlive(ctx, "d1", ContextIdle); alive {
		t.Fatal("lease should lapse after the default TTL")
	}
}
