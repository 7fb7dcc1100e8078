package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/example/driver-presence/internal/models"
)

// entryTolerance is the half-side of the point bounding box in degrees.
const entryTolerance = 0.0001

// kmPerDegreeLat holds for latitude everywhere and for longitude at the
// equator; the longitude padding is widened by 1/cos(lat) at the query.
const kmPerDegreeLat = 111.19

type poolEntry struct {
	id  string
	loc models.Coordinates
}

func (e *poolEntry) Bounds() rtreego.Rect {
	return rtreego.Point{e.loc.Latitude, e.loc.Longitude}.ToRect(entryTolerance)
}

type memoryPool struct {
	tree    *rtreego.Rtree
	entries map[string]*poolEntry
}

func newMemoryPool() *memoryPool {
	return &memoryPool{tree: rtreego.NewTree(2, 25, 50), entries: make(map[string]*poolEntry)}
}

// MemoryPools is an in-process PoolIndex backed by two R-trees, used for
// local runs and tests. A single mutex covers both pools so a move is
// observed atomically.
type MemoryPools struct {
	mu    sync.RWMutex
	pools [2]*memoryPool
}

func NewMemoryPools() *MemoryPools {
	return &MemoryPools{pools: [2]*memoryPool{newMemoryPool(), newMemoryPool()}}
}

func (m *MemoryPools) pool(p Pool) *memoryPool {
	if p == PoolRide {
		return m.pools[1]
	}
	return m.pools[0]
}

func (m *MemoryPools) Insert(ctx context.Context, pool Pool, driverID string, loc models.Coordinates) error {
	if err := ValidateCoordinates(loc); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(pool, driverID, loc)
	return nil
}

func (m *MemoryPools) insertLocked(pool Pool, driverID string, loc models.Coordinates) {
	mp := m.pool(pool)
	if old, ok := mp.entries[driverID]; ok {
		mp.tree.Delete(old)
	}
	e := &poolEntry{id: driverID, loc: loc}
	mp.entries[driverID] = e
	mp.tree.Insert(e)
}

func (m *MemoryPools) Remove(ctx context.Context, pool Pool, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(pool, driverID)
	return nil
}

func (m *MemoryPools) removeLocked(pool Pool, driverID string) {
	mp := m.pool(pool)
	if e, ok := mp.entries[driverID]; ok {
		mp.tree.Delete(e)
		delete(mp.entries, driverID)
	}
}

func (m *MemoryPools) Position(ctx context.Context, pool Pool, driverID string) (models.Coordinates, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.pool(pool).entries[driverID]; ok {
		return e.loc, true, nil
	}
	return models.Coordinates{}, false, nil
}

func (m *MemoryPools) Move(ctx context.Context, driverID string, from, to Pool, loc *models.Coordinates) (MoveOutcome, error) {
	if loc != nil {
		if err := ValidateCoordinates(*loc); err != nil {
			return MoveOutcome{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc == nil {
		if e, ok := m.pool(from).entries[driverID]; ok {
			pos := e.loc
			loc = &pos
		} else if e, ok := m.pool(to).entries[driverID]; ok {
			pos := e.loc
			loc = &pos
		}
	}
	m.removeLocked(from, driverID)
	if loc != nil {
		m.insertLocked(to, driverID, *loc)
	} else {
		m.removeLocked(to, driverID)
	}
	return MoveOutcome{Position: loc, Degraded: loc == nil}, nil
}

func (m *MemoryPools) Nearest(ctx context.Context, pool Pool, origin models.Coordinates, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	if err := ValidateCoordinates(origin); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, fmt.Errorf("%w: negative radius", ErrInvalidCoordinates)
	}
	if limit <= 0 {
		return nil, nil
	}

	latPad := radiusKm/kmPerDegreeLat + entryTolerance
	lonPad := latPad
	if cosLat := math.Cos(origin.Latitude * math.Pi / 180); cosLat > 1e-6 {
		lonPad = radiusKm/(kmPerDegreeLat*cosLat) + entryTolerance
	} else {
		lonPad = 180
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	mp := m.pool(pool)
	bounds, err := rtreego.NewRect(
		rtreego.Point{origin.Latitude - latPad, origin.Longitude - lonPad},
		[]float64{2 * latPad, 2 * lonPad},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	hits := mp.tree.SearchIntersect(bounds)

	out := make([]models.NearbyDriver, 0, len(hits))
	for _, h := range hits {
		e, ok := h.(*poolEntry)
		if !ok {
			continue
		}
		dist := HaversineKm(origin, e.loc)
		if dist > radiusKm+1e-9 {
			continue
		}
		out = append(out, models.NearbyDriver{DriverID: e.id, DistanceKm: dist, Location: e.loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryPools) Members(ctx context.Context, pool Pool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp := m.pool(pool)
	out := make([]string, 0, len(mp.entries))
	for id := range mp.entries {
		out = append(out, id)
	}
	return out, nil
}
