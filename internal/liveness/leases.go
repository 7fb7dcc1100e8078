// Package liveness tracks per-driver heartbeat leases. A lease is a
// TTL-bound key that expires on its own; absence of timely renewal is the
// failure detector for crashed or disconnected drivers.
package liveness

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-presence/internal/storage"
)

const (
	idleLeasePrefix = "driver:heartbeat:"
	rideLeasePrefix = "driver:inride:heartbeat:"

	// DefaultIdleTTL is the idle-context lease duration a heartbeat arms
	// when the caller does not override it.
	DefaultIdleTTL = 120 * time.Second
)

// LeaseContext selects which of a driver's two independent leases an
// operation refers to. Idle and ride leases use different cadences: a
// driver mid-ride is also tracked by the rider's app and tolerates
// sparser heartbeats.
type LeaseContext int

const (
	ContextIdle LeaseContext = iota
	ContextRide
)

func (c LeaseContext) String() string {
	if c == ContextRide {
		return "ride"
	}
	return "idle"
}

// LeaseStore arms and inspects heartbeat leases. IsAlive must never
// report false liveness for an indeterminate store state; store faults
// surface as errors so callers do not evict drivers on bad evidence.
type LeaseStore interface {
	Refresh(ctx context.Context, driverID string, lc LeaseContext, ttl time.Duration) error
	IsAlive(ctx context.Context, driverID string, lc LeaseContext) (bool, error)
	// Clear drops the lease immediately; no-op if absent. Used on state
	// transitions so a driver never holds live leases for both contexts.
	Clear(ctx context.Context, driverID string, lc LeaseContext) error
}

type RedisLeases struct {
	client *redis.Client
}

func NewRedisLeases(client *redis.Client) *RedisLeases {
	return &RedisLeases{client: client}
}

func leaseKey(driverID string, lc LeaseContext) string {
	if lc == ContextRide {
		return rideLeasePrefix + driverID
	}
	return idleLeasePrefix + driverID
}

func (r *RedisLeases) Refresh(ctx context.Context, driverID string, lc LeaseContext, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if err := r.client.Set(ctx, leaseKey(driverID, lc), "1", ttl).Err(); err != nil {
		return storage.WrapErr(err)
	}
	return nil
}

func (r *RedisLeases) Clear(ctx context.Context, driverID string, lc LeaseContext) error {
	if err := r.client.Del(ctx, leaseKey(driverID, lc)).Err(); err != nil {
		return storage.WrapErr(err)
	}
	return nil
}

func (r *RedisLeases) IsAlive(ctx context.Context, driverID string, lc LeaseContext) (bool, error) {
	n, err := r.client.Exists(ctx, leaseKey(driverID, lc)).Result()
	if err != nil {
		return false, storage.WrapErr(err)
	}
	return n == 1, nil
}
