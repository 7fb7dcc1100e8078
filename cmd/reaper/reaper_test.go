package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/driver-presence/internal/geo"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/observability"
	"github.com/example/driver-presence/internal/storage"
)

type recordedEviction struct {
	driverID string
	pool     string
}

type fakeSink struct {
	evictions []recordedEviction
}

func (f *fakeSink) DriverEvicted(driverID, pool string) {
	f.evictions = append(f.evictions, recordedEviction{driverID, pool})
}

// erroringLeases fails every liveness check.
type erroringLeases struct {
	liveness.LeaseStore
}

func (e *erroringLeases) IsAlive(ctx context.Context, driverID string, lc liveness.LeaseContext) (bool, error) {
	return false, storage.ErrUnavailable
}

func seedDriver(t *testing.T, pools geo.PoolIndex, records storage.RecordStore, pool geo.Pool, driverID string) {
	t.Helper()
	ctx := context.Background()
	loc := models.Coordinates{Latitude: 12.90, Longitude: 77.60}
	if err := pools.Insert(ctx, pool, driverID, loc); err != nil {
		t.Fatalf("insert %s: %v", driverID, err)
	}
	if err := records.Upsert(ctx, models.DriverPresence{DriverID: driverID, Name: "Asha"}); err != nil {
		t.Fatalf("upsert %s: %v", driverID, err)
	}
}

func TestReapPoolEvictsLapsedDrivers(t *testing.T) {
	ctx := context.Background()
	pools := geo.NewMemoryPools()
	leases := liveness.NewMemoryLeases()
	records := storage.NewMemoryRecords(time.UTC)
	sink := &fakeSink{}

	seedDriver(t, pools, records, geo.PoolIdle, "lapsed")
	seedDriver(t, pools, records, geo.PoolIdle, "live")
	if err := leases.Refresh(ctx, "live", liveness.ContextIdle, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	gaugeBefore := testutil.ToFloat64(observability.DriversOnline)
	evicted, err := reapPool(ctx, pools, leases, records, sink, geo.PoolIdle, liveness.ContextIdle, time.Second)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	// The reaper never incremented the online gauge, so it must not
	// decrement it either.
	if got := testutil.ToFloat64(observability.DriversOnline); got != gaugeBefore {
		t.Fatalf("sweep moved the online gauge: %v -> %v", gaugeBefore, got)
	}
	if _, ok, _ := pools.Position(ctx, geo.PoolIdle, "lapsed"); ok {
		t.Fatal("lapsed driver should be out of the pool")
	}
	if _, ok, _ := records.Get(ctx, "lapsed"); ok {
		t.Fatal("lapsed driver's record should be gone")
	}
	if _, ok, _ := pools.Position(ctx, geo.PoolIdle, "live"); !ok {
		t.Fatal("live driver must survive the sweep")
	}
	if len(sink.evictions) != 1 || sink.evictions[0] != (recordedEviction{"lapsed", "idle"}) {
		t.Fatalf("unexpected eviction events: %v", sink.evictions)
	}
}

func TestReapPoolChecksMatchingLeaseContext(t *testing.T) {
	ctx := context.Background()
	pools := geo.NewMemoryPools()
	leases := liveness.NewMemoryLeases()
	records := storage.NewMemoryRecords(time.UTC)

	// Mid-ride driver with a live ride lease but no idle lease. The ride
	// sweep must consult the ride lease, not the idle one.
	seedDriver(t, pools, records, geo.PoolRide, "onride")
	if err := leases.Refresh(ctx, "onride", liveness.ContextRide, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	evicted, err := reapPool(ctx, pools, leases, records, nil, geo.PoolRide, liveness.ContextRide, time.Second)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("mid-ride driver with a live ride lease must not be evicted, got %d", evicted)
	}
}

func TestReapPoolSkipsIndeterminateLiveness(t *testing.T) {
	ctx := context.Background()
	pools := geo.NewMemoryPools()
	records := storage.NewMemoryRecords(time.UTC)
	leases := &erroringLeases{LeaseStore: liveness.NewMemoryLeases()}
	sink := &fakeSink{}

	seedDriver(t, pools, records, geo.PoolIdle, "unknown")

	evicted, err := reapPool(ctx, pools, leases, records, sink, geo.PoolIdle, liveness.ContextIdle, time.Second)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("erroring liveness check must not evict, got %d", evicted)
	}
	if _, ok, _ := pools.Position(ctx, geo.PoolIdle, "unknown"); !ok {
		t.Fatal("driver must stay in the pool when liveness is indeterminate")
	}
	if len(sink.evictions) != 0 {
		t.Fatalf("no events expected, got %v", sink.evictions)
	}
}

func TestReapPoolNilSink(t *testing.T) {
	ctx := context.Background()
	pools := geo.NewMemoryPools()
	leases := liveness.NewMemoryLeases()
	records := storage.NewMemoryRecords(time.UTC)

	seedDriver(t, pools, records, geo.PoolIdle, "lapsed")

	evicted, err := reapPool(ctx, pools, leases, records, nil, geo.PoolIdle, liveness.ContextIdle, time.Second)
	if err != nil {
		t.Fatalf("reap with nil sink: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
}
