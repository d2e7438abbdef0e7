package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weathernow/internal/cache"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/validation"
)

type mockWeatherClient struct {
	mu    sync.Mutex
	calls int32
	body  string
	err   error
	delay time.Duration
}

func (m *mockWeatherClient) Fetch(ctx context.Context, req validation.ProxyRequest) (client.Response, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return client.Response{}, m.err
	}
	return client.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(m.body)}, nil
}

func (m *mockWeatherClient) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type errCache struct{ err error }

func (c errCache) Get(ctx context.Context, key string) (models.CachedResponse, bool, error) {
	return models.CachedResponse{}, false, c.err
}

func (c errCache) Set(ctx context.Context, key string, value models.CachedResponse, ttl time.Duration) error {
	return c.err
}

var seattle = validation.ProxyRequest{Type: validation.TypeWeatherByCity, City: "Seattle"}

// TestProxyService_Proxy_NoCache verifies every call reaches upstream when caching is disabled.
func TestProxyService_Proxy_NoCache(t *testing.T) {
	mc := &mockWeatherClient{body: `{"name":"Seattle"}`}
	svc := NewProxyService(mc, Options{})

	for i := 0; i < 2; i++ {
		got, err := svc.Proxy(context.Background(), seattle)
		if err != nil {
			t.Fatalf("Proxy() error = %v", err)
		}
		if string(got.Body) != `{"name":"Seattle"}` || got.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Proxy() = %+v", got)
		}
	}
	if mc.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", mc.calls)
	}
}

// TestProxyService_Proxy_CacheHit verifies a fresh entry is served without an upstream call,
// and that keys are case-insensitive for city names.
func TestProxyService_Proxy_CacheHit(t *testing.T) {
	mc := &mockWeatherClient{body: `{}`}
	svc := NewProxyService(mc, Options{Cache: cache.NewInMemoryCache(), FreshTTL: time.Minute})

	if _, err := svc.Proxy(context.Background(), seattle); err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	got, err := svc.Proxy(context.Background(), validation.ProxyRequest{Type: validation.TypeWeatherByCity, City: "seattle"})
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", mc.calls)
	}
	if got.Stale {
		t.Error("Stale = true for fresh hit")
	}
}

// TestProxyService_Proxy_ExpiredRefetches verifies an entry past FreshTTL triggers a new upstream call.
func TestProxyService_Proxy_ExpiredRefetches(t *testing.T) {
	mc := &mockWeatherClient{body: `{}`}
	svc := NewProxyService(mc, Options{Cache: cache.NewInMemoryCache(), FreshTTL: time.Minute, StaleTTL: time.Hour})
	now := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return now }

	_, _ = svc.Proxy(context.Background(), seattle)
	now = now.Add(2 * time.Minute)
	_, _ = svc.Proxy(context.Background(), seattle)

	if mc.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", mc.calls)
	}
}

// TestProxyService_Proxy_StaleFallback verifies which failures may be masked by a stored response.
func TestProxyService_Proxy_StaleFallback(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantStale bool
	}{
		{"upstream 5xx", &client.UpstreamError{Status: 503, Message: "down"}, true},
		{"timeout", client.ErrUpstreamTimeout, true},
		{"transport", errors.New("dial tcp: connection refused"), true},
		{"not found", &client.UpstreamError{Status: 404, Message: "city not found"}, false},
		{"missing key", client.ErrMissingAPIKey, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &mockWeatherClient{body: `{"v":1}`}
			svc := NewProxyService(mc, Options{Cache: cache.NewInMemoryCache(), FreshTTL: time.Minute, StaleTTL: time.Hour})
			now := time.Unix(1700000000, 0)
			svc.now = func() time.Time { return now }

			if _, err := svc.Proxy(context.Background(), seattle); err != nil {
				t.Fatalf("warm Proxy() error = %v", err)
			}
			now = now.Add(10 * time.Minute)
			mc.setErr(tt.err)

			got, err := svc.Proxy(context.Background(), seattle)
			if tt.wantStale {
				if err != nil {
					t.Fatalf("Proxy() error = %v, want stale response", err)
				}
				if !got.Stale || string(got.Body) != `{"v":1}` {
					t.Errorf("Proxy() = %+v, want stale copy", got)
				}
				return
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Proxy() error = %v, want %v", err, tt.err)
			}
		})
	}
}

// TestProxyService_Proxy_ForwardsUpstreamError verifies the upstream status survives wrapping.
func TestProxyService_Proxy_ForwardsUpstreamError(t *testing.T) {
	mc := &mockWeatherClient{err: &client.UpstreamError{Status: 404, Message: "city not found"}}
	svc := NewProxyService(mc, Options{})

	_, err := svc.Proxy(context.Background(), seattle)

	var upstreamErr *client.UpstreamError
	if !errors.As(err, &upstreamErr) || upstreamErr.Status != 404 || upstreamErr.Message != "city not found" {
		t.Errorf("Proxy() error = %v, want forwarded 404", err)
	}
}

// TestProxyService_Proxy_CacheErrorFallsThrough verifies a broken cache never fails the request.
func TestProxyService_Proxy_CacheErrorFallsThrough(t *testing.T) {
	mc := &mockWeatherClient{body: `{}`}
	svc := NewProxyService(mc, Options{Cache: errCache{err: errors.New("connection refused")}, FreshTTL: time.Minute})

	if _, err := svc.Proxy(context.Background(), seattle); err != nil {
		t.Fatalf("Proxy() error = %v, want nil", err)
	}
	if mc.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", mc.calls)
	}
}

// TestProxyService_Proxy_CoalescesConcurrentCalls verifies identical concurrent requests share one upstream call.
func TestProxyService_Proxy_CoalescesConcurrentCalls(t *testing.T) {
	mc := &mockWeatherClient{body: `{}`, delay: 50 * time.Millisecond}
	svc := NewProxyService(mc, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Proxy(context.Background(), seattle); err != nil {
				t.Errorf("Proxy() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&mc.calls); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestProxyService_Proxy_CoalesceTimeout(t *testing.T) {
	mc := &mockWeatherClient{body: `{}`, delay: 200 * time.Millisecond}
	svc := NewProxyService(mc, Options{CoalesceTimeout: 20 * time.Millisecond})

	_, err := svc.Proxy(context.Background(), seattle)

	if !errors.Is(err, ErrCoalesceTimeout) {
		t.Errorf("Proxy() error = %v, want ErrCoalesceTimeout", err)
	}
}

func TestProxyService_CachePing(t *testing.T) {
	if err := NewProxyService(nil, Options{}).CachePing(); err != nil {
		t.Errorf("CachePing() without cache = %v, want nil", err)
	}
	if err := NewProxyService(nil, Options{Cache: cache.NewInMemoryCache()}).CachePing(); err != nil {
		t.Errorf("CachePing() in-memory = %v, want nil", err)
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("connection refused"), "connection"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
