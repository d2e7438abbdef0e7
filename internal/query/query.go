// Package query is a keyed client-side cache with per-kind staleness and GC windows.
// Concurrent reads of one key share a single fetch; failed fetches are retried with
// exponential backoff before the error reaches the caller.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/validation"
)

// Resource kinds refreshed together by the auto-refresh schedule.
const (
	KindWeather       = "weather"
	KindWeatherCoords = "weather-coords"
	KindForecast      = "forecast"
)

// RefreshKinds are invalidated by Refresh and the auto-refresh schedule.
var RefreshKinds = []string{KindWeather, KindWeatherCoords, KindForecast}

const (
	DefaultRetries        = 2
	DefaultRetryBaseDelay = time.Second
	maxRetryDelay         = 30 * time.Second
	metricsLayer          = "query"
)

// Options are the per-call cache windows.
type Options struct {
	// StaleTime is how long a value is returned without refetching.
	StaleTime time.Duration
	// GCTime is how long an unread entry is kept.
	GCTime time.Duration
}

// Per-kind windows.
var (
	WeatherOptions     = Options{StaleTime: 5 * time.Minute, GCTime: 30 * time.Minute}
	ForecastOptions    = Options{StaleTime: 10 * time.Minute, GCTime: time.Hour}
	SuggestionsOptions = Options{StaleTime: 5 * time.Minute, GCTime: 10 * time.Minute}
)

// Key identifies a cached resource: its kind plus parameters.
type Key struct {
	Kind   string
	Params string
}

// KeyOf builds a Key. Params are joined with "|".
func KeyOf(kind string, params ...string) Key {
	return Key{Kind: kind, Params: strings.Join(params, "|")}
}

func (k Key) String() string {
	return k.Kind + ":" + k.Params
}

// Fetcher loads the value for a key.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	value       any
	updatedAt   time.Time
	lastAccess  time.Time
	opts        Options
	invalidated bool
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Retries after the first failed attempt. Negative disables retry; zero uses DefaultRetries.
	Retries        int
	RetryBaseDelay time.Duration
	// ShouldRetry reports whether a failed fetch may be retried. Validation errors never are.
	ShouldRetry func(error) bool
	Logger      *zap.Logger
	Now         func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	entries map[Key]*entry
	group   singleflight.Group

	retries     int
	retryBase   time.Duration
	shouldRetry func(error) bool
	logger      *zap.Logger
	now         func() time.Time
}

// NewClient returns an empty Client.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		entries:     make(map[Key]*entry),
		retries:     opts.Retries,
		retryBase:   opts.RetryBaseDelay,
		shouldRetry: opts.ShouldRetry,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if c.retries == 0 {
		c.retries = DefaultRetries
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBaseDelay
	}
	if c.shouldRetry == nil {
		c.shouldRetry = func(error) bool { return true }
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Get returns the cached value for key while it is fresh, otherwise fetches it. Concurrent
// callers for one key share the fetch. When a refetch fails and an earlier value exists,
// the earlier value is returned.
func (c *Client) Get(ctx context.Context, key Key, fetch Fetcher, opts Options) (any, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && opts.GCTime > 0 && now.Sub(e.lastAccess) >= opts.GCTime {
		delete(c.entries, key)
		ok = false
	}
	if ok {
		e.lastAccess = now
		e.opts = opts
		if !e.invalidated && now.Sub(e.updatedAt) < opts.StaleTime {
			value := e.value
			c.mu.Unlock()
			observability.CacheHitsTotal.WithLabelValues(metricsLayer).Inc()
			return value, nil
		}
	}
	c.mu.Unlock()
	observability.CacheMissesTotal.WithLabelValues(metricsLayer).Inc()

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.fetchAndStore(context.WithoutCancel(ctx), key, fetch, opts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.CoalescedRequestsTotal.WithLabelValues(metricsLayer).Inc()
		}
		if res.Err != nil {
			if prev, ok := c.peek(key); ok {
				c.logger.Warn("refetch failed, keeping previous value",
					zap.String("key", key.String()), zap.Error(res.Err))
				return prev, nil
			}
			return nil, res.Err
		}
		return res.Val, nil
	}
}

func (c *Client) fetchAndStore(ctx context.Context, key Key, fetch Fetcher, opts Options) (any, error) {
	value, err := c.fetchWithRetry(ctx, key, fetch)
	if err != nil {
		return nil, err
	}
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry{value: value, updatedAt: now, lastAccess: now, opts: opts}
	c.mu.Unlock()
	return value, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = maxRetryDelay
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.retries)), ctx)

	var (
		value   any
		attempt int
	)
	op := func() error {
		attempt++
		v, err := fetch(ctx)
		if err != nil {
			if errors.Is(err, validation.ErrInvalidRequest) || !c.shouldRetry(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("query fetch failed, retrying",
			zap.String("key", key.String()), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return value, nil
}

func (c *Client) peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Peek returns the cached value for key without fetching, regardless of staleness.
func (c *Client) Peek(key Key) (any, bool) {
	return c.peek(key)
}

// Set stores value for key as freshly fetched.
func (c *Client) Set(key Key, value any, opts Options) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, updatedAt: now, lastAccess: now, opts: opts}
}

// Invalidate marks every entry of the given kinds stale so the next Get refetches.
// It returns the number of entries marked.
func (c *Client) Invalidate(kinds ...string) int {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if want[key.Kind] {
			e.invalidated = true
			n++
		}
	}
	return n
}

// Refresh invalidates the weather, coordinate weather and forecast kinds immediately.
func (c *Client) Refresh() int {
	n := c.Invalidate(RefreshKinds...)
	observability.QueryRefreshTotal.WithLabelValues("manual").Inc()
	return n
}

// GC drops entries unread for longer than their GC window and returns how many were removed.
func (c *Client) GC() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if e.opts.GCTime > 0 && now.Sub(e.lastAccess) >= e.opts.GCTime {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get is the typed form of Client.Get.
func Get[T any](ctx context.Context, c *Client, key Key, fetch func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: cached value is %T", key, v)
	}
	return typed, nil
}
