// Package weatherclient is the Go SDK for the WeatherNow proxy. Reads go through the
// query cache and the edge cache transport; request bodies are checked with the same
// schemas the proxy enforces before anything is sent.
package weatherclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weathernow/internal/contact"
	"github.com/kjstillabower/weathernow/internal/edgecache"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/query"
	"github.com/kjstillabower/weathernow/internal/validation"
	"github.com/kjstillabower/weathernow/internal/weather"
)

// Endpoint paths relative to BaseURL.
const (
	pathWeather  = "/weather-proxy"
	pathChat     = "/ai-chat"
	pathInsights = "/weather-insights"
	pathContact  = "/send-contact-email"
)

const (
	defaultTimeout      = 15 * time.Second
	maxResponseBytes    = 4 << 20
	minSuggestionPrefix = 2
	kindSuggestions     = "suggestions"
)

var (
	// ErrRateLimited matches an *APIError with status 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound matches an *APIError with status 404.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx reply from the proxy carrying its {error} message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("weathernow: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// retryable reports whether a failed fetch is worth repeating: transport failures and
// 5xx only. 4xx replies (including 429) are returned to the caller at once.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

// Options configures a Client.
type Options struct {
	// BaseURL is the proxy root, e.g. "https://project.functions.example/v1".
	BaseURL string
	// AppOrigin is the origin whose static GETs the edge cache stores.
	AppOrigin string
	Timeout   time.Duration
	// Transport is the network layer under the edge cache. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// FreshnessWindow is the edge cache freshness window for weather GETs.
	FreshnessWindow time.Duration
	// Retries is the query layer retry count (zero uses the default of 2, negative disables).
	Retries        int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	edge    *edgecache.Transport
	queries *query.Client
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Client with its own edge cache and query cache.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("weatherclient: invalid base URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	edge, err := edgecache.New(edgecache.Options{
		Base:           opts.Transport,
		AppOrigin:      opts.AppOrigin,
		AllowedOrigins: []string{base.Scheme + "://" + base.Host},
		WeatherPath:    pathWeather,
		Freshness:      opts.FreshnessWindow,
		Logger:         opts.Logger,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Transport: edge, Timeout: opts.Timeout},
		edge:    edge,
		queries: query.NewClient(query.ClientOptions{
			Retries:        opts.Retries,
			RetryBaseDelay: opts.RetryBaseDelay,
			ShouldRetry:    retryable,
			Logger:         opts.Logger,
			Now:            opts.Now,
		}),
		logger: opts.Logger,
		now:    opts.Now,
	}, nil
}

// Queries exposes the query cache, e.g. for an AutoRefresher.
func (c *Client) Queries() *query.Client { return c.queries }

// Edge exposes the edge cache transport.
func (c *Client) Edge() *edgecache.Transport { return c.edge }

// Refresh invalidates weather, coordinate weather and forecasts so the next read refetches.
func (c *Client) Refresh() int { return c.queries.Refresh() }

// WeatherByCity returns current conditions for a city. The name is sanitized first;
// min/max are backfilled from the city's forecast when the provider omits them.
func (c *Client) WeatherByCity(ctx context.Context, city string) (models.WeatherRecord, error) {
	city = validation.SanitizeCityName(city)
	current, err := proxyRequest(validation.TypeWeatherByCity, url.Values{"city": {city}})
	if err != nil {
		return models.WeatherRecord{}, err
	}
	forecast, _ := proxyRequest(validation.TypeForecast, url.Values{"city": {city}})
	key := query.KeyOf(query.KindWeather, strings.ToLower(city))
	return query.Get(ctx, c.queries, key, func(ctx context.Context) (models.WeatherRecord, error) {
		return c.fetchWeatherRecord(ctx, current, forecast)
	}, query.WeatherOptions)
}

// WeatherByCoords returns current conditions for a coordinate pair.
func (c *Client) WeatherByCoords(ctx context.Context, lat, lon float64) (models.WeatherRecord, error) {
	coords := url.Values{"lat": {formatCoord(lat)}, "lon": {formatCoord(lon)}}
	current, err := proxyRequest(validation.TypeWeatherByCoords, coords)
	if err != nil {
		return models.WeatherRecord{}, err
	}
	forecast, _ := proxyRequest(validation.TypeForecastByCoords, coords)
	key := query.KeyOf(query.KindWeatherCoords, coords.Get("lat"), coords.Get("lon"))
	return query.Get(ctx, c.queries, key, func(ctx context.Context) (models.WeatherRecord, error) {
		return c.fetchWeatherRecord(ctx, current, forecast)
	}, query.WeatherOptions)
}

// fetchWeatherRecord loads current weather and its forecast in parallel. A failed forecast
// only degrades the min/max source.
func (c *Client) fetchWeatherRecord(ctx context.Context, currentReq, forecastReq validation.ProxyRequest) (models.WeatherRecord, error) {
	var (
		current     models.OpenWeatherCurrent
		forecast    models.OpenWeatherForecast
		forecastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getProxy(gctx, currentReq, &current)
	})
	g.Go(func() error {
		forecastErr = c.getProxy(gctx, forecastReq, &forecast)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.WeatherRecord{}, err
	}

	var fc *models.OpenWeatherForecast
	if forecastErr == nil {
		fc = &forecast
	} else {
		c.logger.Debug("forecast for min/max unavailable", zap.Error(forecastErr))
	}
	return weather.BuildWeatherRecord(current, fc, c.now()), nil
}

// Forecast returns up to five grouped days for a city.
func (c *Client) Forecast(ctx context.Context, city string) (models.ForecastRecord, error) {
	city = validation.SanitizeCityName(city)
	req, err := proxyRequest(validation.TypeForecast, url.Values{"city": {city}})
	if err != nil {
		return models.ForecastRecord{}, err
	}
	key := query.KeyOf(query.KindForecast, strings.ToLower(city))
	return query.Get(ctx, c.queries, key, func(ctx context.Context) (models.ForecastRecord, error) {
		var raw models.OpenWeatherForecast
		if err := c.getProxy(ctx, req, &raw); err != nil {
			return models.ForecastRecord{}, err
		}
		return weather.BuildForecastRecord(raw), nil
	}, query.ForecastOptions)
}

// Suggestions returns up to five geocoding matches for a partial city name. Prefixes
// shorter than minSuggestionPrefix return no matches without a request.
func (c *Client) Suggestions(ctx context.Context, prefix string) ([]models.Suggestion, error) {
	prefix = validation.SanitizeCityName(prefix)
	if utf8.RuneCountInString(prefix) < minSuggestionPrefix {
		return nil, nil
	}
	req, err := proxyRequest(validation.TypeCitySuggestions, url.Values{"query": {prefix}})
	if err != nil {
		return nil, err
	}
	key := query.KeyOf(kindSuggestions, strings.ToLower(prefix))
	return query.Get(ctx, c.queries, key, func(ctx context.Context) ([]models.Suggestion, error) {
		var matches []models.GeoMatch
		if err := c.getProxy(ctx, req, &matches); err != nil {
			return nil, err
		}
		return weather.BuildSuggestions(matches), nil
	}, query.SuggestionsOptions)
}

// Chat asks the assistant a question about the given conditions.
func (c *Client) Chat(ctx context.Context, message string, wc models.WeatherContext) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"message": message, "weatherContext": wc})
	if err != nil {
		return "", err
	}
	if _, err := validation.ParseChatRequest(body); err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, pathChat, body, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// Insights returns outfit and activity advice for the given conditions.
func (c *Client) Insights(ctx context.Context, wc models.WeatherContext) (models.Insights, error) {
	body, err := json.Marshal(wc)
	if err != nil {
		return models.Insights{}, err
	}
	if _, err := validation.ParseInsightsRequest(body); err != nil {
		return models.Insights{}, err
	}
	var out struct {
		Insights models.Insights `json:"insights"`
	}
	if err := c.post(ctx, pathInsights, body, &out); err != nil {
		return models.Insights{}, err
	}
	return out.Insights, nil
}

// ContactForm is a contact submission as entered by the user.
type ContactForm struct {
	Name    string
	Email   string
	Message string
}

// SendContact validates the form locally, fills in the default name and submits it.
func (c *Client) SendContact(ctx context.Context, form ContactForm) error {
	in, err := validation.ValidateContact(validation.ContactRequest{Name: form.Name, Email: form.Email, Message: form.Message})
	if err != nil {
		return err
	}
	if in.Name == "" {
		in.Name = contact.DefaultName
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, pathContact, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return &APIError{Status: http.StatusOK, Message: "submission not confirmed"}
	}
	return nil
}

// WarmFavorites loads current weather for each favorite with bounded parallelism and
// returns how many succeeded. Failures are logged, not returned.
func (c *Client) WarmFavorites(ctx context.Context, cities []string) int {
	results := make([]bool, len(cities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, city := range cities {
		i, city := i, city
		g.Go(func() error {
			if _, err := c.WeatherByCity(gctx, city); err != nil {
				c.logger.Debug("favorite warm failed", zap.String("city", city), zap.Error(err))
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// proxyRequest validates a GET-form request with the proxy's own rules.
func proxyRequest(t validation.RequestType, params url.Values) (validation.ProxyRequest, error) {
	params.Set("type", string(t))
	return validation.ProxyRequestFromQuery(params)
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) getProxy(ctx context.Context, req validation.ProxyRequest, out interface{}) error {
	params := url.Values{"type": {string(req.Type)}}
	switch req.Type {
	case validation.TypeWeatherByCoords, validation.TypeForecastByCoords:
		params.Set("lat", formatCoord(req.Lat))
		params.Set("lon", formatCoord(req.Lon))
	case validation.TypeCitySuggestions:
		params.Set("query", req.Query)
	default:
		params.Set("city", req.City)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathWeather)+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
