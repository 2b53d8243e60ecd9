package container

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/assembly/ports"
)

// Cached decorates a container with an in-memory TTL cache. Only keys that
// are missing or expired reach the inner container. Misses are cached too,
// so a key the source does not know is not asked for again until it expires.
// Expired entries are dropped when touched and swept at most once per ttl.
type Cached struct {
	inner ports.Container
	ttl   time.Duration
	clock ports.Clock

	mu        sync.Mutex
	entries   map[string]cacheEntry
	lastSweep time.Time
}

type cacheEntry struct {
	value     any
	found     bool
	expiresAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewCached wraps inner. A zero ttl caches forever. clock may be nil to use
// wall time.
func NewCached(inner ports.Container, ttl time.Duration, clock ports.Clock) *Cached {
	if clock == nil {
		clock = wallClock{}
	}
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Namespace returns the inner container's namespace.
func (c *Cached) Namespace() string { return c.inner.Namespace() }

// MappingType returns the inner container's mapping type.
func (c *Cached) MappingType() ports.MappingType { return c.inner.MappingType() }

// Fetch serves keys from the cache and fetches the rest.
func (c *Cached) Fetch(ctx context.Context, keys []any) (map[any]any, error) {
	result := make(map[any]any, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	now := c.clock.Now()
	var misses []any

	c.mu.Lock()
	for _, k := range keys {
		ks := KeyString(k)
		e, ok := c.entries[ks]
		if !ok || e.expired(now) {
			if ok {
				delete(c.entries, ks)
			}
			misses = append(misses, k)
			continue
		}
		if e.found {
			result[k] = e.value
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.inner.Fetch(ctx, misses)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = now.Add(c.ttl)
	}

	// sources may answer with another key representation, int64 for int
	var byString map[string]any
	lookup := func(k any) (any, bool) {
		if v, ok := fetched[k]; ok {
			return v, true
		}
		if byString == nil {
			byString = make(map[string]any, len(fetched))
			for fk, fv := range fetched {
				byString[KeyString(fk)] = fv
			}
		}
		v, ok := byString[KeyString(k)]
		return v, ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	for _, k := range misses {
		v, ok := lookup(k)
		c.entries[KeyString(k)] = cacheEntry{value: v, found: ok, expiresAt: expiresAt}
		if ok {
			result[k] = v
		}
	}
	return result, nil
}

// sweep drops expired entries. Callers hold mu.
func (c *Cached) sweep(now time.Time) {
	if c.ttl <= 0 || now.Sub(c.lastSweep) < c.ttl {
		return
	}
	c.lastSweep = now
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// Invalidate drops the cached entries for keys.
func (c *Cached) Invalidate(keys ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, KeyString(k))
	}
}

// Purge drops all cached entries.
func (c *Cached) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries. Expired entries not yet swept
// are counted.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

var _ ports.Container = (*Cached)(nil)
