package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/kjstillabower/weathernow/internal/models"
)

const keyPrefix = "weathernow:"

// memcached caps relative expirations at 30 days.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Entries are stored as JSON-encoded
// CachedResponse values so headers and the stored-at stamp survive the round trip.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key maps a request key onto memcached's key alphabet (no spaces or control
// characters, at most 250 bytes). Long or unsafe keys are hashed.
func (c *MemcachedCache) key(k string) string {
	if len(keyPrefix)+len(k) <= 250 && isSafeKey(k) {
		return keyPrefix + k
	}
	sum := sha256.Sum256([]byte(k))
	return keyPrefix + "h:" + hex.EncodeToString(sum[:])
}

func isSafeKey(k string) bool {
	for i := 0; i < len(k); i++ {
		if k[i] <= ' ' || k[i] == 0x7f {
			return false
		}
	}
	return true
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.CachedResponse, bool, error) {
	if ctx.Err() != nil {
		return models.CachedResponse{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.CachedResponse{}, false, nil
		}
		return models.CachedResponse{}, false, err
	}
	var data models.CachedResponse
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.CachedResponse{}, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.CachedResponse, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
