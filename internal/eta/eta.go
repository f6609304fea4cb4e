package eta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/accessible-dispatch/internal/geo"
	"github.com/example/accessible-dispatch/internal/models"
)

// ErrNoRoute is returned when the provider answers but has no route.
var ErrNoRoute = errors.New("no route")

// Route is a driving estimate between two points.
type Route struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Router is the routing/ETA provider consumed by the matcher.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// RouteCache stores routes keyed by endpoints.
type RouteCache interface {
	Get(ctx context.Context, from, to models.Coord) (Route, bool)
	Set(ctx context.Context, from, to models.Coord, r Route)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~11m resolution so nearby fixes share an entry
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(_ context.Context, a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(_ context.Context, a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedRouter consults Cache before calling Next. Failures are not cached.
type CachedRouter struct {
	Next  Router
	Cache RouteCache
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.Cache.Get(ctx, from, to); ok {
		return r, nil
	}
	r, err := c.Next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(ctx, from, to, r)
	return r, nil
}

// HaversineRouter estimates straight-line distance at a fixed speed. It is the
// fallback when no routing engine is configured.
type HaversineRouter struct {
	SpeedMps float64
	// Detour inflates straight-line distance to approximate road distance.
	Detour float64
}

func (h HaversineRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	if !from.Valid() || !to.Valid() {
		return Route{}, fmt.Errorf("%w: missing coordinates", ErrNoRoute)
	}
	speed := h.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	detour := h.Detour
	if detour < 1 {
		detour = 1
	}
	meters := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) * detour
	return Route{DistanceKm: meters / 1000, DurationSeconds: meters / speed}, nil
}

// Fallback tries Primary and falls back to Secondary on error.
type Fallback struct {
	Primary   Router
	Secondary Router
}

func (f Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.Primary.Route(ctx, from, to)
	if err == nil {
		return r, nil
	}
	if ctx.Err() != nil {
		return Route{}, err
	}
	return f.Secondary.Route(ctx, from, to)
}
