package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/storage"
)

const (
	idlePoolKey = "onlineDrivers:geo"
	ridePoolKey = "rideDrivers:geo"
)

// RedisPools implements PoolIndex over Redis GEO sets. Each pool is a
// structurally distinct sorted set; moves run inside MULTI/EXEC so no
// concurrent reader sees a driver in both pools or in neither.
type RedisPools struct {
	client *redis.Client
}

func NewRedisPools(client *redis.Client) *RedisPools {
	return &RedisPools{client: client}
}

func poolKey(p Pool) string {
	if p == PoolRide {
		return ridePoolKey
	}
	return idlePoolKey
}

func (r *RedisPools) Insert(ctx context.Context, pool Pool, driverID string, loc models.Coordinates) error {
	if err := ValidateCoordinates(loc); err != nil {
		return err
	}
	err := r.client.GeoAdd(ctx, poolKey(pool), &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Err()
	if err != nil {
		return storage.WrapErr(err)
	}
	return nil
}

func (r *RedisPools) Remove(ctx context.Context, pool Pool, driverID string) error {
	if err := r.client.ZRem(ctx, poolKey(pool), driverID).Err(); err != nil {
		return storage.WrapErr(err)
	}
	return nil
}

func (r *RedisPools) Position(ctx context.Context, pool Pool, driverID string) (models.Coordinates, bool, error) {
	pos, err := r.client.GeoPos(ctx, poolKey(pool), driverID).Result()
	if err != nil {
		return models.Coordinates{}, false, storage.WrapErr(err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Coordinates{}, false, nil
	}
	return models.Coordinates{Latitude: pos[0].Latitude, Longitude: pos[0].Longitude}, true, nil
}

// Move removes the driver from one pool and inserts it into the other in
// a single MULTI/EXEC. The position fallback chain is resolved first:
// explicit location, then last known in from, then last known in to
// (covers reconnect after a partial failure); with nothing known the
// switch completes degraded.
func (r *RedisPools) Move(ctx context.Context, driverID string, from, to Pool, loc *models.Coordinates) (MoveOutcome, error) {
	if loc != nil {
		if err := ValidateCoordinates(*loc); err != nil {
			return MoveOutcome{}, err
		}
	}
	if loc == nil {
		if pos, ok, err := r.Position(ctx, from, driverID); err != nil {
			return MoveOutcome{}, err
		} else if ok {
			loc = &pos
		}
	}
	if loc == nil {
		if pos, ok, err := r.Position(ctx, to, driverID); err != nil {
			return MoveOutcome{}, err
		} else if ok {
			loc = &pos
		}
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, poolKey(from), driverID)
	if loc != nil {
		pipe.GeoAdd(ctx, poolKey(to), &redis.GeoLocation{
			Name:      driverID,
			Longitude: loc.Longitude,
			Latitude:  loc.Latitude,
		})
	} else {
		// No spatial entry survives the switch, but the driver must not
		// linger in the destination set from an earlier stay either.
		pipe.ZRem(ctx, poolKey(to), driverID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return MoveOutcome{}, storage.WrapErr(err)
	}
	return MoveOutcome{Position: loc, Degraded: loc == nil}, nil
}

func (r *RedisPools) Nearest(ctx context.Context, pool Pool, origin models.Coordinates, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	if err := ValidateCoordinates(origin); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, fmt.Errorf("%w: negative radius", ErrInvalidCoordinates)
	}
	if limit <= 0 {
		return nil, nil
	}
	res, err := r.client.GeoSearchLocation(ctx, poolKey(pool), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Longitude,
			Latitude:   origin.Latitude,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, storage.WrapErr(err)
	}
	out := make([]models.NearbyDriver, 0, len(res))
	for _, g := range res {
		out = append(out, models.NearbyDriver{
			DriverID:   g.Name,
			DistanceKm: g.Dist,
			Location:   models.Coordinates{Latitude: g.Latitude, Longitude: g.Longitude},
		})
	}
	return out, nil
}

func (r *RedisPools) Members(ctx context.Context, pool Pool) ([]string, error) {
	members, err := r.client.ZRange(ctx, poolKey(pool), 0, -1).Result()
	if err != nil {
		return nil, storage.WrapErr(err)
	}
	return members, nil
}
