// Package edgecache is an http.RoundTripper that applies offline-first caching to the
// requests a client makes: cache-first with timed revalidation for weather proxy GETs
// and network-first for everything else.
package edgecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weathernow/internal/observability"
)

// Versioned cache names. Activate deletes every other cache.
const (
	StaticCache  = "weathernow-v1"
	OfflineCache = "weathernow-offline-v1"
	WeatherCache = "weathernow-weather-v1"
)

// CachedTimeHeader carries the store time (Unix milliseconds) of a weather entry.
const CachedTimeHeader = "Sw-Cached-Time"

const (
	DefaultFreshness   = 5 * time.Minute
	DefaultWeatherPath = "/weather-proxy"
	DefaultRevalidate  = 30 * time.Second
	metricsLayer       = "edge"
)

// PrecacheAssets are fetched into StaticCache by Install.
var PrecacheAssets = []string{"/", "/index.html"}

// Options configures a Transport.
type Options struct {
	// Base performs network requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// AppOrigin is the client's own origin ("https://weathernow.example"). Responses
	// from it are "basic" and eligible for the general cache.
	AppOrigin string
	// AllowedOrigins are other origins whose GETs are intercepted, typically the proxy.
	AllowedOrigins []string
	// WeatherPath is the path suffix of the weather proxy endpoint.
	WeatherPath string
	// Freshness is how long a weather entry is served without a synchronous fetch.
	Freshness time.Duration
	// RevalidateTimeout bounds each background refresh, which outlives the caller's request.
	RevalidateTimeout time.Duration
	Store             *Store
	Logger            *zap.Logger
	Now               func() time.Time
}

// Transport is safe for concurrent use.
type Transport struct {
	base              http.RoundTripper
	appOrigin         string
	allowed           map[string]struct{}
	weatherPath       string
	freshness         time.Duration
	revalidateTimeout time.Duration
	store             *Store
	logger            *zap.Logger
	now               func() time.Time

	revalidate singleflight.Group
	background sync.WaitGroup
}

// New returns a Transport with defaults applied.
func New(opts Options) (*Transport, error) {
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.WeatherPath == "" {
		opts.WeatherPath = DefaultWeatherPath
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = DefaultRevalidate
	}
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Transport{
		base:              opts.Base,
		allowed:           make(map[string]struct{}),
		weatherPath:       opts.WeatherPath,
		freshness:         opts.Freshness,
		revalidateTimeout: opts.RevalidateTimeout,
		store:             opts.Store,
		logger:            opts.Logger,
		now:               opts.Now,
	}
	if opts.AppOrigin != "" {
		origin, err := normalizeOrigin(opts.AppOrigin)
		if err != nil {
			return nil, err
		}
		t.appOrigin = origin
		t.allowed[origin] = struct{}{}
	}
	for _, raw := range opts.AllowedOrigins {
		origin, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		t.allowed[origin] = struct{}{}
	}
	return t, nil
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("edgecache: invalid origin %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// Store returns the backing store.
func (t *Transport) Store() *Store { return t.store }

// Install precaches the app shell into StaticCache. Any failed asset fails the install.
func (t *Transport) Install(ctx context.Context) error {
	if t.appOrigin == "" {
		return fmt.Errorf("edgecache: install requires an app origin")
	}
	t.store.Open(StaticCache)
	for _, asset := range PrecacheAssets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.appOrigin+asset, nil)
		if err != nil {
			return err
		}
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", asset, err)
		}
		entry, err := readEntry(resp)
		if err != nil {
			return fmt.Errorf("precache %s: %w", asset, err)
		}
		if entry.Status != http.StatusOK {
			return fmt.Errorf("precache %s: status %d", asset, entry.Status)
		}
		t.store.Put(StaticCache, req.URL.String(), entry)
	}
	return nil
}

// Activate deletes caches outside the current versioned set and returns their names.
func (t *Transport) Activate() []string {
	var deleted []string
	for _, name := range t.store.Names() {
		switch name {
		case StaticCache, OfflineCache, WeatherCache:
			continue
		}
		if t.store.Delete(name) {
			deleted = append(deleted, name)
		}
	}
	if len(deleted) > 0 {
		t.logger.Info("deleted outdated caches", zap.Strings("caches", deleted))
	}
	return deleted
}

// Wait blocks until background revalidations finish.
func (t *Transport) Wait() {
	t.background.Wait()
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}
	if _, ok := t.allowed[originOf(req.URL)]; !ok {
		return t.base.RoundTrip(req)
	}
	if strings.HasSuffix(req.URL.Path, t.weatherPath) {
		return t.cacheFirst(req)
	}
	return t.networkFirst(req)
}

// cacheFirst serves a fresh entry and refreshes it in the background. Older entries are
// replaced by a synchronous fetch, or served stale when the network fails.
func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	entry, cached := t.store.Match(WeatherCache, key)

	if cached && t.isFresh(entry) {
		observability.CacheHitsTotal.WithLabelValues(metricsLayer).Inc()
		t.revalidateInBackground(req, key)
		return entry.Response(req), nil
	}
	observability.CacheMissesTotal.WithLabelValues(metricsLayer).Inc()

	resp, err := t.fetchWeather(req, key)
	if err != nil {
		if cached {
			observability.StaleServesTotal.WithLabelValues(metricsLayer).Inc()
			t.logger.Debug("serving stale weather entry", zap.String("url", key), zap.Error(err))
			return entry.Response(req), nil
		}
		return nil, err
	}
	return resp, nil
}

func (t *Transport) isFresh(e Entry) bool {
	ms, err := strconv.ParseInt(e.Header.Get(CachedTimeHeader), 10, 64)
	if err != nil {
		return false
	}
	return t.now().Sub(time.UnixMilli(ms)) < t.freshness
}

// fetchWeather performs the network call and stores a stamped copy of a 200 response.
func (t *Transport) fetchWeather(req *http.Request, key string) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	entry, err := readEntry(resp)
	if err != nil {
		return nil, err
	}
	if entry.Status == http.StatusOK {
		entry.Header.Set(CachedTimeHeader, strconv.FormatInt(t.now().UnixMilli(), 10))
		t.store.Put(WeatherCache, key, entry)
	}
	return entry.Response(req), nil
}

func (t *Transport) revalidateInBackground(req *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), t.revalidateTimeout)
	bg := req.Clone(ctx)
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		defer cancel()
		_, err, shared := t.revalidate.Do(key, func() (interface{}, error) {
			_, err := t.fetchWeather(bg, key)
			return nil, err
		})
		if shared {
			observability.CoalescedRequestsTotal.WithLabelValues(metricsLayer).Inc()
		}
		if err != nil {
			t.logger.Debug("background revalidation failed", zap.String("url", key), zap.Error(err))
		}
	}()
}

// networkFirst stores same-origin 200 responses and falls back to any cache, then to
// the app shell for navigations.
func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode != http.StatusOK || originOf(req.URL) != t.appOrigin {
			return resp, nil
		}
		entry, readErr := readEntry(resp)
		if readErr == nil {
			t.store.Put(StaticCache, key, entry)
			return entry.Response(req), nil
		}
		err = readErr
	}

	if entry, ok := t.store.MatchAny(key); ok {
		observability.StaleServesTotal.WithLabelValues(metricsLayer).Inc()
		return entry.Response(req), nil
	}
	if isNavigation(req) && t.appOrigin != "" {
		if shell, ok := t.store.MatchAny(t.appOrigin + "/"); ok {
			return shell.Response(req), nil
		}
	}
	return nil, err
}

// isNavigation approximates a browser page navigation.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func readEntry(resp *http.Response) (Entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("read response body: %w", err)
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return Entry{Status: resp.StatusCode, Header: header, Body: body}, nil
}
