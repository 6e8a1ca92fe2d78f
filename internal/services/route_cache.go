package services

import (
	"crypto/md5"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RouteCache keeps recent optimization results so repeated previews of
// the same stop list skip the remote call.
type RouteCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	stats      CacheStats
}

type cacheEntry struct {
	result       OptimizeResult
	createdAt    time.Time
	lastAccessed time.Time
}

type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func NewRouteCache(maxEntries int, ttl time.Duration) *RouteCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RouteCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Signature identifies a request by its endpoints and ordered waypoints.
// Coordinates are rounded to about a metre.
func Signature(req OptimizeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.5f,%.5f", req.Origin.Latitude, req.Origin.Longitude)
	if req.Destination != nil {
		fmt.Fprintf(&b, ">%.5f,%.5f", req.Destination.Latitude, req.Destination.Longitude)
	}
	for _, wp := range req.Waypoints {
		fmt.Fprintf(&b, "|%s@%.5f,%.5f", wp.ID, wp.Latitude, wp.Longitude)
	}
	if req.DepartureTime != nil {
		// Traffic-aware results depend on the departure slot
		fmt.Fprintf(&b, "#%d", req.DepartureTime.Unix()/900)
	}

	hash := md5.Sum([]byte(b.String()))
	return fmt.Sprintf("%x", hash[:8])
}

func (c *RouteCache) Get(signature string) (*OptimizeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[signature]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	now := c.now()
	if now.Sub(entry.createdAt) > c.ttl {
		delete(c.entries, signature)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	entry.lastAccessed = now
	c.stats.Hits++
	res := entry.result
	res.Stops = append([]Waypoint(nil), entry.result.Stops...)
	res.Geometry = append([][2]float64(nil), entry.result.Geometry...)
	return &res, true
}

func (c *RouteCache) Set(signature string, result *OptimizeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[signature]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	now := c.now()
	stored := *result
	stored.Stops = append([]Waypoint(nil), result.Stops...)
	stored.Geometry = append([][2]float64(nil), result.Geometry...)
	c.entries[signature] = &cacheEntry{result: stored, createdAt: now, lastAccessed: now}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *RouteCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *RouteCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Size = len(c.entries)
	return st
}
