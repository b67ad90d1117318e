package main

import (
	"sync"
	"time"
)

// CatalogCache provides thread-safe TTL caching for the model catalog so the
// UI doesn't hammer the upstream models endpoint.
type CatalogCache struct {
	mu          sync.RWMutex
	models      []CatalogModel
	lastUpdated time.Time
	ttl         time.Duration
}

// NewCatalogCache creates a catalog cache with the specified TTL.
func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{ttl: ttl}
}

// Get retrieves the cached catalog if present and not expired.
func (c *CatalogCache) Get() ([]CatalogModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return nil, false
	}
	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	modelsCopy := make([]CatalogModel, len(c.models))
	copy(modelsCopy, c.models)
	return modelsCopy, true
}

// Set replaces the cached catalog.
func (c *CatalogCache) Set(models []CatalogModel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = make([]CatalogModel, len(models))
	copy(c.models, models)
	c.lastUpdated = time.Now()
}

// Clear empties the cache.
func (c *CatalogCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = nil
	c.lastUpdated = time.Time{}
}

// LastUpdated returns when the cache was last refreshed.
func (c *CatalogCache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdated
}

// IsExpired reports whether the cache needs a refresh.
func (c *CatalogCache) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return true
	}
	return time.Since(c.lastUpdated) > c.ttl
}
