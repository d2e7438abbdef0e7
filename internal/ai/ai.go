// Package ai calls an OpenAI-compatible chat completions endpoint for the weather
// assistant and outfit/activity insights.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/circuitbreaker"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/observability"
)

const (
	DefaultURL         = "https://ai.gateway.lovable.dev/v1/chat/completions"
	DefaultModel       = "google/gemini-2.5-flash"
	DefaultTemperature = 0.7
)

const maxResponseBytes = 1 << 20

var (
	ErrMissingAPIKey   = errors.New("AI API key not configured")
	ErrRateLimited     = errors.New("AI rate limit exceeded")
	ErrPaymentRequired = errors.New("AI payment required")
	ErrUpstreamFailure = errors.New("AI upstream failure")
	ErrUpstreamTimeout = errors.New("AI upstream timeout")
)

// Assistant is the surface the HTTP layer depends on.
type Assistant interface {
	Chat(ctx context.Context, message string, wc models.WeatherContext) (string, error)
	Insights(ctx context.Context, wc models.WeatherContext) (models.Insights, ParseTier, error)
}

// Options configures a Client.
type Options struct {
	APIKey string
	URL    string
	Model  string
	// Temperature is sent as given when set, 0 included. Nil uses DefaultTemperature.
	Temperature *float64
	Timeout     time.Duration
	// Structured asks the model for a JSON object in insights replies.
	Structured bool
	Breaker    *circuitbreaker.CircuitBreaker
	HTTPClient *http.Client
}

// Client talks to the completion endpoint. Safe for concurrent use.
type Client struct {
	apiKey      string
	url         string
	model       string
	temperature float64
	timeout     time.Duration
	structured  bool
	breaker     *circuitbreaker.CircuitBreaker
	hc          *http.Client
}

// New returns a Client. A missing key surfaces as ErrMissingAPIKey per call.
func New(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		apiKey:      opts.APIKey,
		url:         opts.URL,
		model:       opts.Model,
		temperature: temperature,
		timeout:     opts.Timeout,
		structured:  opts.Structured,
		breaker:     opts.Breaker,
		hc:          hc,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat answers a weather question. message must already be sanitized.
func (c *Client) Chat(ctx context.Context, msg string, wc models.WeatherContext) (string, error) {
	return c.complete(ctx, "chat", []message{
		{Role: "system", Content: ChatSystemPrompt(wc)},
		{Role: "user", Content: msg},
	}, false)
}

// Insights asks for outfit and activity advice and parses the reply into two fields.
// The returned tier names the parse strategy that produced the result.
func (c *Client) Insights(ctx context.Context, wc models.WeatherContext) (models.Insights, ParseTier, error) {
	text, err := c.complete(ctx, "insights", []message{
		{Role: "system", Content: InsightsSystemPrompt},
		{Role: "user", Content: InsightsUserPrompt(wc, c.structured)},
	}, c.structured)
	if err != nil {
		return models.Insights{}, "", err
	}
	insights, tier := ParseInsights(text)
	observability.InsightsParseTotal.WithLabelValues(string(tier)).Inc()
	if tier == TierDefaults {
		observability.LoggerFromContext(ctx).Warn("insights reply unparseable, using defaults", zap.Int("reply_len", len(text)))
	}
	return insights, tier, nil
}

func (c *Client) complete(ctx context.Context, op string, msgs []message, jsonMode bool) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	req := completionRequest{Model: c.model, Messages: msgs, Temperature: c.temperature}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	var (
		content string
		status  int
	)
	err = c.breaker.Call(ctx, func() error {
		text, code, err := c.post(ctx, op, payload)
		if err != nil {
			return err
		}
		if code >= 500 {
			return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
		}
		content, status = text, code
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := statusError(status); err != nil {
		return "", err
	}
	return content, nil
}

// statusError maps provider 4xx replies; these do not count against the breaker.
func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusPaymentRequired:
		return ErrPaymentRequired
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, status)
	}
}

func (c *Client) post(ctx context.Context, op string, payload []byte) (string, int, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("ai", "error").Inc()
		observability.UpstreamDuration.WithLabelValues("ai", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", 0, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
		}
		return "", 0, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("ai", status).Inc()
	observability.UpstreamDuration.WithLabelValues("ai", status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", 0, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.LoggerFromContext(ctx).Warn("ai provider non-2xx",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", snippet(body, 512)),
		)
		return "", resp.StatusCode, nil
	}

	var out completionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, fmt.Errorf("%w: parse %s response: %v", ErrUpstreamFailure, op, err)
	}
	if len(out.Choices) == 0 {
		return "", 0, fmt.Errorf("%w: empty choices", ErrUpstreamFailure)
	}
	return out.Choices[0].Message.Content, resp.StatusCode, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code == http.StatusPaymentRequired:
		return "payment_required"
	case code >= 400 && code < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
