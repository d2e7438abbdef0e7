package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weathernow/internal/ai"
	"github.com/kjstillabower/weathernow/internal/cache"
	"github.com/kjstillabower/weathernow/internal/circuitbreaker"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/config"
	"github.com/kjstillabower/weathernow/internal/contact"
	httphandler "github.com/kjstillabower/weathernow/internal/http"
	"github.com/kjstillabower/weathernow/internal/lifecycle"
	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/ratelimit"
	"github.com/kjstillabower/weathernow/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a.cfg, a.logger)
		},
	}
}

func breakerConfig(cfg *config.Config, component string, logger *zap.Logger) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		SuccessThreshold: cfg.CBSuccessThreshold,
		Timeout:          cfg.CBTimeout,
		Component:        component,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, string(from), string(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", component), zap.String("from", string(from)), zap.String("to", string(to)))
		},
	}
}

func admission(rl config.RateLimit, capacity int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Policy{Limit: rl.Limit, Window: rl.Window}, capacity)
}

// buildRouter assembles every server dependency from cfg. The returned closers are
// released after shutdown.
func buildRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (http.Handler, []io.Closer, error) {
	if missing := cfg.MissingSecrets(); len(missing) > 0 {
		logger.Warn("missing secrets; affected endpoints will answer 500", zap.String("keys", strings.Join(missing, ",")))
	}

	var weatherBreaker, aiBreaker *circuitbreaker.CircuitBreaker
	var breakers []*circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		weatherBreaker = circuitbreaker.New(breakerConfig(cfg, "weather_api", logger))
		aiBreaker = circuitbreaker.New(breakerConfig(cfg, "ai_api", logger))
		breakers = append(breakers, weatherBreaker, aiBreaker)
		logger.Info("circuit breakers enabled",
			zap.Int("failure_threshold", cfg.CBFailureThreshold), zap.Duration("timeout", cfg.CBTimeout))
	}

	weatherClient := client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.OpenWeatherAPIKey,
		BaseURL:        cfg.WeatherAPIURL,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        weatherBreaker,
	})

	var (
		responseCache cache.Cache
		closers       []io.Closer
	)
	switch cfg.CacheBackend {
	case "none":
		logger.Info("cache backend: none")
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		responseCache = mc
		closers = append(closers, mc)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		responseCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	proxy := service.NewProxyService(weatherClient, service.Options{
		Cache:           responseCache,
		FreshTTL:        cfg.CacheTTL,
		StaleTTL:        cfg.CacheStaleTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
	})

	if responseCache != nil && len(cfg.WarmCities) > 0 {
		warmer := cache.NewCacheWarmer(proxy, logger)
		reqs := cache.WarmRequests(cfg.WarmCities)
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, reqs); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		cancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, reqs, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	assistant := ai.New(ai.Options{
		APIKey:      cfg.AIAPIKey,
		URL:         cfg.AIURL,
		Model:       cfg.AIModel,
		Temperature: &cfg.AITemperature,
		Timeout:     cfg.AITimeout,
		Structured:  cfg.AIStructured,
		Breaker:     aiBreaker,
	})

	sender, err := contact.New(cfg.ContactProvider, contact.Options{
		APIKey:    cfg.ContactAPIKey(),
		URL:       cfg.ContactURL,
		ToEmail:   cfg.ContactToEmail,
		FromEmail: cfg.ContactFromEmail,
		Timeout:   cfg.ContactTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	cors, err := httphandler.NewCORSPolicy(cfg.CORSAllowedOrigins, cfg.CORSAllowedPatterns, cfg.CORSDefaultOrigin)
	if err != nil {
		return nil, nil, err
	}

	handler := httphandler.NewHandler(httphandler.HandlerOptions{
		Proxy:       proxy,
		Assistant:   assistant,
		Contact:     sender,
		Logger:      logger,
		Environment: cfg.Environment,
		Health: httphandler.HealthConfig{
			Window:            cfg.HealthWindow,
			OverloadThreshold: cfg.OverloadThreshold,
			DegradedErrorPct:  cfg.DegradedErrorPct,
			Version:           version,
		},
		Breakers: breakers,
	})

	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)
	}
	router := httphandler.NewRouter(httphandler.RouterConfig{
		Handler: handler,
		Logger:  logger,
		CORS:    cors,
		Admission: httphandler.Admission{
			Weather:  admission(cfg.WeatherRateLimit, cfg.RateLimitMaxClients),
			Chat:     admission(cfg.ChatRateLimit, cfg.RateLimitMaxClients),
			Insights: admission(cfg.InsightsRateLimit, cfg.RateLimitMaxClients),
			Contact:  admission(cfg.ContactRateLimit, cfg.RateLimitMaxClients),
		},
		GlobalLimiter:  global,
		RequestTimeout: cfg.RequestTimeout,
	})
	observability.RegisterRateLimitGauges(cfg.HealthWindow)
	return router, closers, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	router, closers, err := buildRouter(serveCtx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginShutdown()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger, closers...); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
