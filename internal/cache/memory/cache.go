// Package memory provides a process-local TTL cache for resolved series
// keys.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trendkeeper/trendkeeper/internal/clock/system"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a mutex-guarded map with per-entry expiry. Expired entries are
// dropped lazily on read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   refresher.Clock
}

// New creates an empty cache on the system clock.
func New() *Cache {
	return NewWithClock(system.New())
}

// NewWithClock creates an empty cache on the given clock.
func NewWithClock(clk refresher.Clock) *Cache {
	if clk == nil {
		clk = system.New()
	}
	return &Cache{entries: make(map[string]entry), clock: clk}
}

// Get returns the cached value for key, or found=false when absent or
// expired.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Put stores value under key. A non-positive ttl means no expiry.
func (c *Cache) Put(_ context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
