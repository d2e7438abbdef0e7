package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weathernow/internal/models"
)

// Cache stores upstream responses by request key.
// Get returns the entry if present and not past its retention TTL; freshness is the caller's decision.
type Cache interface {
	Get(ctx context.Context, key string) (models.CachedResponse, bool, error)
	Set(ctx context.Context, key string, value models.CachedResponse, ttl time.Duration) error
}

// Pinger is implemented by backends that can report reachability for health checks.
type Pinger interface {
	Ping() error
}

// InMemoryCache implements Cache using a map guarded by a mutex.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.CachedResponse
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (value, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.CachedResponse{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.CachedResponse{}, false, nil
	}
	return cloneResponse(entry.value), true, nil
}

// Set stores value until ttl elapses.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.CachedResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     cloneResponse(value),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len reports the number of stored entries, expired ones included until touched.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Ping always succeeds for the in-process backend.
func (c *InMemoryCache) Ping() error { return nil }

func cloneResponse(r models.CachedResponse) models.CachedResponse {
	out := r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}
