package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/validation"
)

// ProxyFetcher is implemented by the service layer. Used by CacheWarmer to avoid a
// circular dependency on the service package.
type ProxyFetcher interface {
	Proxy(ctx context.Context, req validation.ProxyRequest) (models.CachedResponse, error)
}

// CacheWarmer prefetches proxy responses so the first visitor for a popular city gets a hit.
type CacheWarmer struct {
	fetcher ProxyFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ProxyFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// WarmRequests expands city names into the current-weather and forecast requests the UI issues first.
func WarmRequests(cities []string) []validation.ProxyRequest {
	reqs := make([]validation.ProxyRequest, 0, len(cities)*2)
	for _, city := range cities {
		reqs = append(reqs,
			validation.ProxyRequest{Type: validation.TypeWeatherByCity, City: city},
			validation.ProxyRequest{Type: validation.TypeForecast, City: city},
		)
	}
	return reqs
}

// Warm issues every request concurrently. Returns the joined failures, if any.
func (w *CacheWarmer) Warm(ctx context.Context, reqs []validation.ProxyRequest) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("requests", len(reqs)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(reqs))
	for _, req := range reqs {
		req := req
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.Proxy(ctx, req); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", req.CacheKey(), err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("requests", len(reqs)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, reqs []validation.ProxyRequest, interval time.Duration) error {
	if err := w.Warm(ctx, reqs); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, reqs); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
