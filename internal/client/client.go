package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/weathernow/internal/circuitbreaker"
	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/validation"
)

// DefaultBaseURL is the OpenWeather API host.
const DefaultBaseURL = "https://api.openweathermap.org"

// SuggestionLimit caps geocoding results.
const SuggestionLimit = 5

const maxBodyBytes = 4 << 20

// WeatherClient fetches raw upstream JSON for a validated proxy request.
type WeatherClient interface {
	Fetch(ctx context.Context, req validation.ProxyRequest) (Response, error)
}

// Response is a successful upstream reply, passed through unchanged.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

var (
	ErrMissingAPIKey    = errors.New("OPENWEATHER_API_KEY not configured")
	ErrLocationNotFound = errors.New("location not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
)

// UpstreamError is a non-2xx upstream reply. Status and Message are forwarded to the caller verbatim.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, e.Message)
}

// Unwrap exposes the sentinel matching the status class so callers can use errors.Is.
func (e *UpstreamError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrLocationNotFound
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrUpstreamFailure
	}
	return nil
}

// Options configures an OpenWeatherClient.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// RetryAttempts counts total attempts for transport failures; statuses are never retried.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
}

// OpenWeatherClient calls the OpenWeather current, forecast and geocoding endpoints.
type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	client         *http.Client
}

// NewOpenWeatherClient returns a client. A missing API key is not an error here;
// Fetch reports ErrMissingAPIKey so the server can still start and answer health checks.
func NewOpenWeatherClient(opts Options) *OpenWeatherClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenWeatherClient{
		apiKey:         opts.APIKey,
		baseURL:        opts.BaseURL,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
		client:         httpClient,
	}
}

// Fetch issues the upstream call for req. Non-2xx replies come back as *UpstreamError.
func (c *OpenWeatherClient) Fetch(ctx context.Context, req validation.ProxyRequest) (Response, error) {
	if c.apiKey == "" {
		return Response{}, ErrMissingAPIKey
	}
	u, err := c.buildURL(req)
	if err != nil {
		return Response{}, err
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues("weather").Inc()
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		resp, err := c.callAPI(ctx, u)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, u string) (Response, error) {
	var out Response
	err := c.breaker.Call(ctx, func() error {
		resp, err := c.do(ctx, u)
		if err != nil {
			return err
		}
		if resp.Status >= 500 {
			return upstreamErrorFrom(resp)
		}
		out = resp
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if out.Status < 200 || out.Status >= 300 {
		return Response{}, upstreamErrorFrom(out)
	}
	return out, nil
}

func (c *OpenWeatherClient) do(ctx context.Context, u string) (Response, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("weather", "error").Inc()
		observability.UpstreamDuration.WithLabelValues("weather", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
		}
		return Response{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("weather", status).Inc()
	observability.UpstreamDuration.WithLabelValues("weather", status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w reading body", ErrUpstreamTimeout)
		}
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return Response{Status: resp.StatusCode, ContentType: contentType, Body: body}, nil
}

// upstreamErrorFrom extracts the provider's "message" field, falling back to a generic text.
func upstreamErrorFrom(resp Response) *UpstreamError {
	var payload struct {
		Message string `json:"message"`
	}
	msg := "Weather API error"
	if err := json.Unmarshal(resp.Body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	return &UpstreamError{Status: resp.Status, Message: msg}
}

func (c *OpenWeatherClient) buildURL(req validation.ProxyRequest) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("appid", c.apiKey)

	switch req.Type {
	case validation.TypeWeatherByCity:
		base.Path = "/data/2.5/weather"
		params.Set("q", req.City)
		params.Set("units", "metric")
	case validation.TypeWeatherByCoords:
		base.Path = "/data/2.5/weather"
		setCoords(params, req)
		params.Set("units", "metric")
	case validation.TypeForecast:
		base.Path = "/data/2.5/forecast"
		params.Set("q", req.City)
		params.Set("units", "metric")
	case validation.TypeForecastByCoords:
		base.Path = "/data/2.5/forecast"
		setCoords(params, req)
		params.Set("units", "metric")
	case validation.TypeCitySuggestions:
		base.Path = "/geo/1.0/direct"
		params.Set("q", req.Query)
		params.Set("limit", strconv.Itoa(SuggestionLimit))
	default:
		return "", fmt.Errorf("unsupported request type %q", req.Type)
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

func setCoords(params url.Values, req validation.ProxyRequest) {
	params.Set("lat", strconv.FormatFloat(req.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(req.Lon, 'f', -1, 64))
}

// isRetryable allows another attempt only for transport failures while the caller is still waiting.
func (c *OpenWeatherClient) isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, ErrMissingAPIKey) {
		return false
	}
	return true
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
