// Package presence coordinates the record store, lease tracker and pool
// index into race-free driver state transitions. It is the only writer
// of cross-store invariants: a presence record exists iff the driver is
// a member of exactly one pool.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/driver-presence/internal/geo"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/observability"
	"github.com/example/driver-presence/internal/storage"
)

// EventSink receives fire-and-forget lifecycle notifications. The
// coordinator invokes it on its own goroutine, so an implementation may
// block; publish failure must never fail the operation that triggered it.
type EventSink interface {
	DriverOnline(driverID string, loc models.Coordinates)
	DriverOffline(driverID string)
	RideStarted(driverID string, loc *models.Coordinates)
	RideEnded(driverID string, loc *models.Coordinates)
}

// TransitionResult reports side observations of a pool transition.
// SpatialEntry is the position carried into the destination pool; nil
// with Degraded set means the driver is in the pool logically but
// invisible to spatial queries until its next location update.
type TransitionResult struct {
	SpatialEntry   *models.Coordinates
	Degraded       bool
	AlreadyInState bool
}

type Coordinator struct {
	records storage.RecordStore
	leases  liveness.LeaseStore
	pools   geo.PoolIndex
	events  EventSink // optional
	logger  *slog.Logger

	idleTTL time.Duration
	rideTTL time.Duration
	now     func() time.Time
}

type Options struct {
	IdleLeaseTTL time.Duration
	RideLeaseTTL time.Duration
	Events       EventSink
}

func NewCoordinator(records storage.RecordStore, leases liveness.LeaseStore, pools geo.PoolIndex, logger *slog.Logger, opts Options) *Coordinator {
	idleTTL := opts.IdleLeaseTTL
	if idleTTL <= 0 {
		idleTTL = liveness.DefaultIdleTTL
	}
	rideTTL := opts.RideLeaseTTL
	if rideTTL <= 0 {
		rideTTL = idleTTL
	}
	return &Coordinator{
		records: records,
		leases:  leases,
		pools:   pools,
		events:  opts.Events,
		logger:  logger,
		idleTTL: idleTTL,
		rideTTL: rideTTL,
		now:     time.Now,
	}
}

func (c *Coordinator) ttlFor(lc liveness.LeaseContext) time.Duration {
	if lc == liveness.ContextRide {
		return c.rideTTL
	}
	return c.idleTTL
}

// GoOnline registers a driver: presence record, idle pool entry and idle
// lease together. If any sub-step fails the earlier ones are compensated
// so the driver never ends up partially registered.
func (c *Coordinator) GoOnline(ctx context.Context, p models.DriverPresence, loc models.Coordinates) error {
	if err := geo.ValidateCoordinates(loc); err != nil {
		return err
	}
	_, existed, err := c.records.Get(ctx, p.DriverID)
	if err != nil {
		if !errors.Is(err, storage.ErrCorruptRecord) {
			return fmt.Errorf("go online: %w", err)
		}
		// A corrupt record still marks the driver as online.
		existed = true
	}
	now := c.now()
	if p.SessionStart.IsZero() {
		p.SessionStart = now
	}
	p.LastSeen = now

	if err := c.records.Upsert(ctx, p); err != nil {
		return fmt.Errorf("go online: upsert presence: %w", err)
	}
	if err := c.pools.Insert(ctx, geo.PoolIdle, p.DriverID, loc); err != nil {
		return c.rollback(ctx, "go_online", err, rollbackStep{
			name: "presence_record",
			undo: func(ctx context.Context) error { return c.records.Remove(ctx, p.DriverID) },
		})
	}
	if err := c.leases.Refresh(ctx, p.DriverID, liveness.ContextIdle, c.idleTTL); err != nil {
		return c.rollback(ctx, "go_online", err,
			rollbackStep{
				name: "idle_pool",
				undo: func(ctx context.Context) error { return c.pools.Remove(ctx, geo.PoolIdle, p.DriverID) },
			},
			rollbackStep{
				name: "presence_record",
				undo: func(ctx context.Context) error { return c.records.Remove(ctx, p.DriverID) },
			})
	}

	observability.TransitionsTotal.WithLabelValues("go_online").Inc()
	if !existed {
		observability.DriversOnline.Inc()
	}
	if c.events != nil {
		go c.events.DriverOnline(p.DriverID, loc)
	}
	return nil
}

// Heartbeat re-arms the lease for the given context and bumps lastSeen.
func (c *Coordinator) Heartbeat(ctx context.Context, driverID string, lc liveness.LeaseContext) error {
	p, ok, err := c.records.Get(ctx, driverID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", driverID, ErrUnknownDriver)
	}
	if err := c.leases.Refresh(ctx, driverID, lc, c.ttlFor(lc)); err != nil {
		return fmt.Errorf("heartbeat: refresh lease: %w", err)
	}
	// lastSeen is advisory; a concurrent writer may win, which is the
	// documented last-write-wins behavior for same-driver updates from
	// different connections.
	p.LastSeen = c.now()
	if err := c.records.Upsert(ctx, p); err != nil {
		return fmt.Errorf("heartbeat: touch presence: %w", err)
	}
	observability.HeartbeatsTotal.WithLabelValues(lc.String()).Inc()
	return nil
}

// UpdateLocation writes a fresh position into whichever pool currently
// holds the driver. A driver whose ride-pool entry was degraded (no
// spatial entry) is recognized by its live ride lease.
func (c *Coordinator) UpdateLocation(ctx context.Context, driverID string, loc models.Coordinates) error {
	if err := geo.ValidateCoordinates(loc); err != nil {
		return err
	}
	if _, ok, err := c.records.Get(ctx, driverID); err != nil {
		return fmt.Errorf("update location: %w", err)
	} else if !ok {
		return fmt.Errorf("update location %s: %w", driverID, ErrUnknownDriver)
	}
	pool, err := c.currentPool(ctx, driverID)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if err := c.pools.Insert(ctx, pool, driverID, loc); err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	return nil
}

// currentPool resolves which pool an online driver belongs to. Spatial
// membership wins; a driver visible in neither pool (a degraded move) is
// routed by its ride lease, which transitions keep mutually exclusive.
func (c *Coordinator) currentPool(ctx context.Context, driverID string) (geo.Pool, error) {
	if _, ok, err := c.pools.Position(ctx, geo.PoolRide, driverID); err != nil {
		return geo.PoolIdle, err
	} else if ok {
		return geo.PoolRide, nil
	}
	if _, ok, err := c.pools.Position(ctx, geo.PoolIdle, driverID); err != nil {
		return geo.PoolIdle, err
	} else if ok {
		return geo.PoolIdle, nil
	}
	alive, err := c.leases.IsAlive(ctx, driverID, liveness.ContextRide)
	if err != nil {
		return geo.PoolIdle, err
	}
	if alive {
		return geo.PoolRide, nil
	}
	return geo.PoolIdle, nil
}

// StartRide moves the driver from the idle pool to the ride pool and arms
// the ride lease. The presence record is kept. A driver already mid-ride
// is reported benignly, never duplicated.
func (c *Coordinator) StartRide(ctx context.Context, driverID string) (TransitionResult, error) {
	if _, ok, err := c.records.Get(ctx, driverID); err != nil {
		return TransitionResult{}, fmt.Errorf("start ride: %w", err)
	} else if !ok {
		return TransitionResult{}, fmt.Errorf("start ride %s: %w", driverID, ErrUnknownDriver)
	}

	alreadyInRide := false
	if _, idle, err := c.pools.Position(ctx, geo.PoolIdle, driverID); err != nil {
		return TransitionResult{}, fmt.Errorf("start ride: %w", err)
	} else if !idle {
		if _, inRide, err := c.pools.Position(ctx, geo.PoolRide, driverID); err != nil {
			return TransitionResult{}, fmt.Errorf("start ride: %w", err)
		} else if inRide {
			alreadyInRide = true
		}
	}

	outcome, err := c.pools.Move(ctx, driverID, geo.PoolIdle, geo.PoolRide, nil)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("start ride: move pools: %w", err)
	}
	if err := c.leases.Refresh(ctx, driverID, liveness.ContextRide, c.rideTTL); err != nil {
		return TransitionResult{}, c.rollback(ctx, "start_ride", err, rollbackStep{
			name: "pool_membership",
			undo: func(ctx context.Context) error {
				_, undoErr := c.pools.Move(ctx, driverID, geo.PoolRide, geo.PoolIdle, outcome.Position)
				return undoErr
			},
		})
	}

	// A driver must never hold live leases for both contexts at once.
	if err := c.leases.Clear(ctx, driverID, liveness.ContextIdle); err != nil {
		c.logger.Warn("clear idle lease failed", "driver_id", driverID, "error", err)
	}

	if outcome.Degraded {
		observability.DegradedMovesTotal.Inc()
		c.logger.Warn("pool move without spatial entry", "driver_id", driverID, "op", "start_ride")
	}
	observability.TransitionsTotal.WithLabelValues("start_ride").Inc()
	if c.events != nil && !alreadyInRide {
		go c.events.RideStarted(driverID, outcome.Position)
	}
	return TransitionResult{
		SpatialEntry:   outcome.Position,
		Degraded:       outcome.Degraded,
		AlreadyInState: alreadyInRide,
	}, nil
}

// EndRide moves the driver back to the idle pool, optionally at a fresh
// drop-off location, and re-arms the idle lease.
func (c *Coordinator) EndRide(ctx context.Context, driverID string, loc *models.Coordinates) (TransitionResult, error) {
	if loc != nil {
		if err := geo.ValidateCoordinates(*loc); err != nil {
			return TransitionResult{}, err
		}
	}
	if _, ok, err := c.records.Get(ctx, driverID); err != nil {
		return TransitionResult{}, fmt.Errorf("end ride: %w", err)
	} else if !ok {
		return TransitionResult{}, fmt.Errorf("end ride %s: %w", driverID, ErrUnknownDriver)
	}

	alreadyIdle := false
	if _, inRide, err := c.pools.Position(ctx, geo.PoolRide, driverID); err != nil {
		return TransitionResult{}, fmt.Errorf("end ride: %w", err)
	} else if !inRide {
		if _, idle, err := c.pools.Position(ctx, geo.PoolIdle, driverID); err != nil {
			return TransitionResult{}, fmt.Errorf("end ride: %w", err)
		} else if idle {
			alreadyIdle = true
		}
	}

	outcome, err := c.pools.Move(ctx, driverID, geo.PoolRide, geo.PoolIdle, loc)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("end ride: move pools: %w", err)
	}
	if err := c.leases.Refresh(ctx, driverID, liveness.ContextIdle, c.idleTTL); err != nil {
		return TransitionResult{}, c.rollback(ctx, "end_ride", err, rollbackStep{
			name: "pool_membership",
			undo: func(ctx context.Context) error {
				_, undoErr := c.pools.Move(ctx, driverID, geo.PoolIdle, geo.PoolRide, outcome.Position)
				return undoErr
			},
		})
	}

	if err := c.leases.Clear(ctx, driverID, liveness.ContextRide); err != nil {
		c.logger.Warn("clear ride lease failed", "driver_id", driverID, "error", err)
	}

	if outcome.Degraded {
		observability.DegradedMovesTotal.Inc()
		c.logger.Warn("pool move without spatial entry", "driver_id", driverID, "op", "end_ride")
	}
	observability.TransitionsTotal.WithLabelValues("end_ride").Inc()
	if c.events != nil && !alreadyIdle {
		go c.events.RideEnded(driverID, outcome.Position)
	}
	return TransitionResult{
		SpatialEntry:   outcome.Position,
		Degraded:       outcome.Degraded,
		AlreadyInState: alreadyIdle,
	}, nil
}

// GoOffline removes the driver from whichever pool holds it and deletes
// the presence record. Calling it for an already-offline driver is a
// no-op, not an error. Leases are left to expire on their own.
func (c *Coordinator) GoOffline(ctx context.Context, driverID string) error {
	_, existed, err := c.records.Get(ctx, driverID)
	if err != nil {
		if !errors.Is(err, storage.ErrCorruptRecord) {
			return fmt.Errorf("go offline: %w", err)
		}
		// A corrupt record must still be removable.
		existed = true
	}

	var inconsistent []string
	var firstErr error
	if err := c.pools.Remove(ctx, geo.PoolIdle, driverID); err != nil {
		inconsistent = append(inconsistent, "idle_pool")
		firstErr = err
	}
	if err := c.pools.Remove(ctx, geo.PoolRide, driverID); err != nil {
		inconsistent = append(inconsistent, "ride_pool")
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := c.records.Remove(ctx, driverID); err != nil {
		inconsistent = append(inconsistent, "presence_record")
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		if len(inconsistent) < 3 {
			// Part of the teardown applied; name what is left behind.
			return &DegradedError{Op: "go_offline", Inconsistent: inconsistent, Err: firstErr}
		}
		return fmt.Errorf("go offline: %w", firstErr)
	}

	if existed {
		observability.TransitionsTotal.WithLabelValues("go_offline").Inc()
		observability.DriversOnline.Dec()
		if c.events != nil {
			go c.events.DriverOffline(driverID)
		}
	}
	return nil
}

// FindNearbyIdleDrivers searches the idle pool and joins each hit with
// its presence record into a dispatch-ready preview. Hits whose record
// vanished (a race with a concurrent go-offline) or fails decoding are
// dropped rather than returned with null fields.
func (c *Coordinator) FindNearbyIdleDrivers(ctx context.Context, origin models.Coordinates, radiusKm float64, limit int) ([]models.DriverPreview, error) {
	start := c.now()
	defer func() {
		observability.NearbyQueryDuration.Observe(time.Since(start).Seconds())
	}()

	nearby, err := c.pools.Nearest(ctx, geo.PoolIdle, origin, radiusKm, limit)
	if err != nil {
		return nil, fmt.Errorf("find nearby: %w", err)
	}
	out := make([]models.DriverPreview, 0, len(nearby))
	for _, n := range nearby {
		p, ok, err := c.records.Get(ctx, n.DriverID)
		if err != nil {
			if errors.Is(err, storage.ErrCorruptRecord) {
				c.logger.Warn("dropping corrupt presence record", "driver_id", n.DriverID, "error", err)
				continue
			}
			return nil, fmt.Errorf("find nearby: join presence: %w", err)
		}
		if !ok {
			continue
		}
		out = append(out, models.DriverPreview{
			DriverID:      p.DriverID,
			Name:          p.Name,
			DistanceKm:    n.DistanceKm,
			Location:      n.Location,
			VehicleModel:  p.VehicleModel,
			VehicleNumber: p.VehicleNumber,
			Rating:        p.Rating,
		})
	}
	return out, nil
}

// IsAlive reports lease liveness for the given context.
func (c *Coordinator) IsAlive(ctx context.Context, driverID string, lc liveness.LeaseContext) (bool, error) {
	return c.leases.IsAlive(ctx, driverID, lc)
}

type rollbackStep struct {
	name string
	undo func(ctx context.Context) error
}

// rollback compensates already-applied sub-steps after a later one
// failed. If every undo succeeds the original error is returned and the
// transition cleanly failed; otherwise the surviving sub-states are
// named in a DegradedError for an external reconciler.
func (c *Coordinator) rollback(ctx context.Context, op string, cause error, steps ...rollbackStep) error {
	var inconsistent []string
	for _, s := range steps {
		if err := s.undo(ctx); err != nil {
			inconsistent = append(inconsistent, s.name)
			c.logger.Error("rollback step failed", "op", op, "step", s.name, "error", err)
		}
	}
	if len(inconsistent) > 0 {
		return &DegradedError{Op: op, Inconsistent: inconsistent, Err: cause}
	}
	return fmt.Errorf("%s: %w", op, cause)
}
