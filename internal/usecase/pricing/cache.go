package pricing

import (
	"sync"
	"time"

	dompricing "github.com/kailas-cloud/costkeeper/internal/domain/pricing"
)

// Cache is an in-process TTL map of rates.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rate      dompricing.Rate
	expiresAt time.Time
}

// NewCache creates a cache. now may be nil.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

// Get returns a live entry.
func (c *Cache) Get(key string) (dompricing.Rate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return dompricing.Rate{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return dompricing.Rate{}, false
	}
	return e.rate, true
}

// Put stores r under key.
func (c *Cache) Put(key string, r dompricing.Rate) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{rate: r, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
