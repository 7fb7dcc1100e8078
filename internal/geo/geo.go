// Package geo implements the dual-pool geospatial index over driver
// positions: one pool for idle dispatchable drivers, one for drivers
// mid-ride. A driver belongs to at most one pool at any instant.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/driver-presence/internal/models"
)

// Pool names one of the two spatial sets.
type Pool int

const (
	PoolIdle Pool = iota
	PoolRide
)

func (p Pool) String() string {
	if p == PoolRide {
		return "ride"
	}
	return "idle"
}

// ErrInvalidCoordinates flags malformed input rejected before it
// reaches the index.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ValidateCoordinates rejects non-finite or out-of-range WGS84 degrees.
func ValidateCoordinates(c models.Coordinates) error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: non-finite", ErrInvalidCoordinates)
	}
	if math.Abs(c.Latitude) > 90 {
		return fmt.Errorf("%w: latitude %f", ErrInvalidCoordinates, c.Latitude)
	}
	if math.Abs(c.Longitude) > 180 {
		return fmt.Errorf("%w: longitude %f", ErrInvalidCoordinates, c.Longitude)
	}
	return nil
}

// MoveOutcome reports how a pool transition carried the spatial entry.
// Degraded means the driver completed the pool switch without a position:
// logically a member, but invisible to spatial queries until its next
// location update.
type MoveOutcome struct {
	Position *models.Coordinates
	Degraded bool
}

// PoolIndex is the spatial index contract shared by the Redis-backed and
// in-memory implementations.
type PoolIndex interface {
	// Insert adds or overwrites the driver's position in the pool.
	Insert(ctx context.Context, pool Pool, driverID string, loc models.Coordinates) error

	// Remove drops the driver from the pool; no-op if absent.
	Remove(ctx context.Context, pool Pool, driverID string) error

	// Move atomically removes the driver from one pool and inserts it
	// into the other. When loc is nil the position falls back to the
	// driver's last known position in from, then in to; if none is known
	// anywhere the switch completes degraded.
	Move(ctx context.Context, driverID string, from, to Pool, loc *models.Coordinates) (MoveOutcome, error)

	// Position reports the driver's last known position in the pool.
	Position(ctx context.Context, pool Pool, driverID string) (models.Coordinates, bool, error)

	// Nearest returns pool members within radiusKm of the origin,
	// ascending by great-circle distance, truncated to limit. Ordering
	// among exact distance ties is not stable.
	Nearest(ctx context.Context, pool Pool, origin models.Coordinates, radiusKm float64, limit int) ([]models.NearbyDriver, error)

	// Members lists every driver currently in the pool.
	Members(ctx context.Context, pool Pool) ([]string, error)
}

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points in km.
func HaversineKm(a, b models.Coordinates) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*math.Pi/180)*math.Cos(b.Latitude*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
