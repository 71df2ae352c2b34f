package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/store"
)

const routeCacheTable = "route_cache"

type cacheEntry struct {
	route Route
	at    time.Time
}

// routeCache is read-mostly: a stale entry within TTL may still be served to
// a reader racing a writer, per the "Route cache: read-mostly... readers may
// see a stale entry within TTL" shared-resource discipline. Each destination
// key gets its own lock so rediscovery for one destination never blocks
// reads of another.
type routeCache struct {
	ttl    time.Duration
	clock  clock.Clock
	locks  sync.Map // key -> *sync.RWMutex
	mu     sync.RWMutex
	byKey  map[string]cacheEntry
	snap   store.Store // may be nil: snapshotting is best-effort
}

func newRouteCache(ttl time.Duration, clk clock.Clock, snap store.Store) *routeCache {
	return &routeCache{
		ttl:   ttl,
		clock: clk,
		byKey: make(map[string]cacheEntry),
		snap:  snap,
	}
}

func cacheKey(source, destination string) string {
	return source + "\x00" + destination
}

func (c *routeCache) lockFor(key string) *sync.RWMutex {
	l, _ := c.locks.LoadOrStore(key, &sync.RWMutex{})
	return l.(*sync.RWMutex)
}

// get returns a cached route and whether it is still within TTL. A stale
// entry is still returned (with ok=false) so callers can fall back to it if
// rediscovery fails.
func (c *routeCache) get(key string) (Route, bool) {
	lock := c.lockFor(key)
	lock.RLock()
	defer lock.RUnlock()

	c.mu.RLock()
	entry, found := c.byKey[key]
	c.mu.RUnlock()
	if !found {
		return Route{}, false
	}
	fresh := c.clock.Now().Sub(entry.at) <= c.ttl
	return entry.route, fresh
}

func (c *routeCache) put(ctx context.Context, key string, r Route) {
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := c.clock.Now()
	r.CachedAt = now
	c.mu.Lock()
	c.byKey[key] = cacheEntry{route: r, at: now}
	c.mu.Unlock()

	if c.snap == nil {
		return
	}
	blob, err := json.Marshal(r)
	if err != nil {
		return
	}
	// Best-effort: a snapshot failure never blocks serving the cache.
	_ = c.snap.Put(ctx, routeCacheTable, store.Record{
		Key:       key,
		Status:    "cached",
		Timestamp: now,
		Value:     blob,
	})
}

// warm loads a previously snapshotted cache on startup. Best-effort: entries
// older than ttl are loaded anyway (they'll be treated as stale and
// rediscovered on first read) since the snapshot has no per-key range scan
// by destination.
func (c *routeCache) warm(ctx context.Context, keys []string) {
	if c.snap == nil {
		return
	}
	for _, key := range keys {
		rec, ok, err := c.snap.Get(ctx, routeCacheTable, key)
		if err != nil || !ok {
			continue
		}
		var r Route
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			continue
		}
		c.mu.Lock()
		c.byKey[key] = cacheEntry{route: r, at: rec.Timestamp}
		c.mu.Unlock()
	}
}
