package geo

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Naive ETA: distance / speed_mps. The dispatch server sends routed ETAs;
// this only fills the gap when it does not.
func EstimateSeconds(meters, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return meters / speedMps
}

type Estimate struct {
	DistanceMeters float64
	ETASeconds     float64
}

// Estimator computes pickup estimates and caches them per coordinate pair.
type Estimator struct {
	speedMps float64
	cache    *Cache
}

func NewEstimator(speedMps float64, ttl time.Duration) *Estimator {
	return &Estimator{speedMps: speedMps, cache: NewCache(ttl)}
}

func (e *Estimator) Estimate(from, to models.Coord) Estimate {
	if v, ok := e.cache.Get(from, to); ok {
		return v
	}
	d := Distance(from, to)
	est := Estimate{DistanceMeters: d, ETASeconds: EstimateSeconds(d, e.speedMps)}
	e.cache.Set(from, to, est)
	return est
}

// Cache is a tiny in-memory cache for estimates keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Estimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Estimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
