//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weathernow/internal/cache"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	BaseURL       string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if OPENWEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}

	baseURL := os.Getenv("WEATHER_API_URL")
	if baseURL == "" {
		baseURL = client.DefaultBaseURL
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		BaseURL:       baseURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates an OpenWeather client against the real API.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	return client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Timeout:        5 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: 200 * time.Millisecond,
	})
}

// SetupIntegrationService creates a proxy service with a real client and the configured cache.
// Memcached falls back to the in-memory cache when unreachable. Cleanup is registered on t.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.ProxyService, cache.Cache) {
	t.Helper()

	var cacheSvc cache.Cache = cache.NewInMemoryCache()
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available, using in-memory cache")
		}
	}

	svc := service.NewProxyService(SetupIntegrationClient(t, cfg), service.Options{
		Cache:    cacheSvc,
		FreshTTL: 5 * time.Minute,
		StaleTTL: time.Hour,
	})
	return svc, cacheSvc
}
