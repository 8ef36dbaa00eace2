// Package cache provides a small string cache with TTL support, used for
// username hint lookups. The default is in-memory; a redis backend can be
// configured for multi-instance deployments.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a best-effort key/value store. Implementations never fail a
// caller: a miss is returned instead.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

type entry struct {
	value      string
	expiration time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an in-memory cache. Expired entries are dropped lazily
// on read and swept whenever the map grows past a threshold.
func NewMemory() Cache {
	return &memoryCache{entries: make(map[string]entry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiration) {
		return "", false
	}
	return e.value, true
}

func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiration) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = entry{value: value, expiration: time.Now().Add(ttl)}
}
