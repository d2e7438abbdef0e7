package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weathernow/internal/cache"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/validation"
)

// ErrCoalesceTimeout is returned when a caller gave up waiting on a shared upstream call.
var ErrCoalesceTimeout = errors.New("timed out waiting for in-flight request")

// Options configures a ProxyService. A nil Cache disables server-side caching.
type Options struct {
	Cache cache.Cache
	// FreshTTL is how long a stored response is served without an upstream call.
	FreshTTL time.Duration
	// StaleTTL is how long a stored response is retained for fallback after upstream failures (0 disables).
	StaleTTL time.Duration
	// CoalesceTimeout bounds how long a caller waits on another caller's in-flight request (0 waits for ctx).
	CoalesceTimeout time.Duration
}

// ProxyService turns a validated proxy request into an upstream response, sharing
// concurrent identical calls and optionally caching results.
type ProxyService struct {
	client          client.WeatherClient
	cache           cache.Cache
	freshTTL        time.Duration
	staleTTL        time.Duration
	coalesceTimeout time.Duration
	group           singleflight.Group
	now             func() time.Time
}

// NewProxyService creates a ProxyService with the provided dependencies.
func NewProxyService(c client.WeatherClient, opts Options) *ProxyService {
	return &ProxyService{
		client:          c,
		cache:           opts.Cache,
		freshTTL:        opts.FreshTTL,
		staleTTL:        opts.StaleTTL,
		coalesceTimeout: opts.CoalesceTimeout,
		now:             time.Now,
	}
}

// Proxy returns the upstream response for req. Upstream failures come back wrapped;
// *client.UpstreamError carries the status and message to forward.
func (s *ProxyService) Proxy(ctx context.Context, req validation.ProxyRequest) (models.CachedResponse, error) {
	key := req.CacheKey()
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	observability.WeatherQueriesTotal.WithLabelValues(string(req.Type)).Inc()

	cached, haveCached := s.lookup(ctx, key, logger)
	if haveCached && s.isFresh(cached) {
		observability.CacheHitsTotal.WithLabelValues("server").Inc()
		logger.Debug("proxy served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return cached, nil
	}
	if s.cache != nil {
		observability.CacheMissesTotal.WithLabelValues("server").Inc()
	}

	resp, err := s.fetchShared(ctx, key, req)
	if err != nil {
		if haveCached && staleEligible(err) {
			observability.StaleServesTotal.WithLabelValues("server").Inc()
			logger.Info("serving stale response",
				zap.String("key", key),
				zap.Duration("age", s.now().Sub(cached.StoredAt)),
				zap.String("error_category", string(client.CategorizeError(err))),
			)
			cached.Stale = true
			return cached, nil
		}
		return models.CachedResponse{}, fmt.Errorf("proxy %s: %w", key, err)
	}

	logger.Debug("proxy served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// CachePing reports backend reachability when the configured cache supports it.
func (s *ProxyService) CachePing() error {
	if p, ok := s.cache.(cache.Pinger); ok {
		return p.Ping()
	}
	return nil
}

func (s *ProxyService) lookup(ctx context.Context, key string, logger *zap.Logger) (models.CachedResponse, bool) {
	if s.cache == nil {
		return models.CachedResponse{}, false
	}
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.String("category", categorizeCacheError(err)), zap.Error(err))
		return models.CachedResponse{}, false
	}
	return cached, ok
}

func (s *ProxyService) isFresh(r models.CachedResponse) bool {
	return s.now().Sub(r.StoredAt) < s.freshTTL
}

// fetchShared runs one upstream call per key. The shared call is detached from any
// single caller's cancellation so one disconnecting client does not fail the others.
func (s *ProxyService) fetchShared(ctx context.Context, key string, req validation.ProxyRequest) (models.CachedResponse, error) {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.fetchAndStore(context.WithoutCancel(ctx), key, req)
	})

	var timeout <-chan time.Time
	if s.coalesceTimeout > 0 {
		timer := time.NewTimer(s.coalesceTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Shared {
			observability.CoalescedRequestsTotal.WithLabelValues("server").Inc()
		}
		if res.Err != nil {
			return models.CachedResponse{}, res.Err
		}
		return res.Val.(models.CachedResponse), nil
	case <-ctx.Done():
		return models.CachedResponse{}, ctx.Err()
	case <-timeout:
		return models.CachedResponse{}, ErrCoalesceTimeout
	}
}

func (s *ProxyService) fetchAndStore(ctx context.Context, key string, req validation.ProxyRequest) (models.CachedResponse, error) {
	upstream, err := s.client.Fetch(ctx, req)
	if err != nil {
		return models.CachedResponse{}, err
	}

	header := http.Header{}
	header.Set("Content-Type", upstream.ContentType)
	resp := models.CachedResponse{
		Status:   upstream.Status,
		Header:   header,
		Body:     upstream.Body,
		StoredAt: s.now(),
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, resp, s.retention()); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			observability.LoggerFromContext(ctx).Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return resp, nil
}

func (s *ProxyService) retention() time.Duration {
	if s.staleTTL > s.freshTTL {
		return s.staleTTL
	}
	return s.freshTTL
}

// staleEligible reports whether a stored response may stand in for a failed call.
// Provider verdicts about the request itself (4xx) and missing configuration are never masked.
func staleEligible(err error) bool {
	if errors.Is(err, client.ErrMissingAPIKey) || errors.Is(err, context.Canceled) {
		return false
	}
	var upstreamErr *client.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Status >= 500
	}
	return true
}

// categorizeCacheError returns a stable label for cache error logs (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
