// Package http serves the proxy endpoints: weather, AI chat, insights, contact, plus
// health and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/ai"
	"github.com/kjstillabower/weathernow/internal/circuitbreaker"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/contact"
	"github.com/kjstillabower/weathernow/internal/lifecycle"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/service"
	"github.com/kjstillabower/weathernow/internal/traffic"
	"github.com/kjstillabower/weathernow/internal/validation"
)

const maxBodyBytes = 64 << 10

// User-facing error messages. Details stay in server logs.
const (
	MsgInvalidRequest     = "Invalid request format"
	MsgInvalidContact     = "Invalid input data"
	MsgInternal           = "Internal server error"
	MsgWeatherTimeout     = "Weather service timed out"
	MsgWeatherUnavailable = "Weather service temporarily unavailable"
	MsgChatFailed         = "Unable to process request"
	MsgChatRateLimited    = "Rate limit exceeded"
	MsgChatPayment        = "Payment required"
	MsgInsightsRateLimit  = "Rate limit exceeded. Please try again later."
	MsgInsightsPayment    = "Payment required. Please add credits."
	MsgInsightsFailed     = "Unable to generate insights"
	MsgEmailNotConfigured = "Email service not configured"
	MsgEmailFailed        = "Failed to send email"
)

// Proxier is the proxy service surface the weather handler needs.
type Proxier interface {
	Proxy(ctx context.Context, req validation.ProxyRequest) (models.CachedResponse, error)
	CachePing() error
}

// HealthConfig holds the thresholds for the health verdict.
type HealthConfig struct {
	// Window is the sliding window over which outcomes are counted.
	Window time.Duration
	// OverloadThreshold admission denials within Window mark the service overloaded.
	OverloadThreshold int
	// DegradedErrorPct is the failure percentage of answered requests that marks the service degraded.
	DegradedErrorPct int
	Version          string
}

// HandlerOptions wires a Handler. Nil Assistant or Contact make those endpoints answer 500.
type HandlerOptions struct {
	Proxy       Proxier
	Assistant   ai.Assistant
	Contact     contact.Sender
	Logger      *zap.Logger
	Environment string
	Health      HealthConfig
	// Breakers are reported in /health checks by component name.
	Breakers []*circuitbreaker.CircuitBreaker
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	proxy      Proxier
	assistant  ai.Assistant
	contact    contact.Sender
	logger     *zap.Logger
	production bool
	health     HealthConfig
	breakers   []*circuitbreaker.CircuitBreaker
	startTime  time.Time
	healthMu   sync.Mutex
	healthPrev string
}

// NewHandler returns a new Handler.
func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Health.Window <= 0 {
		opts.Health.Window = time.Minute
	}
	if opts.Health.Version == "" {
		opts.Health.Version = "dev"
	}
	return &Handler{
		proxy:      opts.Proxy,
		assistant:  opts.Assistant,
		contact:    opts.Contact,
		logger:     logger,
		production: observability.IsProduction(opts.Environment),
		health:     opts.Health,
		breakers:   opts.Breakers,
		startTime:  time.Now(),
	}
}

// WeatherProxy handles POST and GET /weather-proxy. Upstream JSON is passed through unchanged.
func (h *Handler) WeatherProxy(w http.ResponseWriter, r *http.Request) {
	var (
		req validation.ProxyRequest
		err error
	)
	if r.Method == http.MethodGet {
		req, err = validation.ProxyRequestFromQuery(r.URL.Query())
	} else {
		var body []byte
		if body, err = readBody(w, r); err == nil {
			req, err = validation.ParseProxyRequest(body)
		}
	}
	if err != nil {
		writeValidationError(w, MsgInvalidRequest, err)
		return
	}

	resp, err := h.proxy.Proxy(r.Context(), req)
	if err != nil {
		h.writeProxyError(w, r, req, err)
		return
	}

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if resp.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// writeProxyError forwards upstream statuses and messages verbatim and maps
// everything else to a short message.
func (h *Handler) writeProxyError(w http.ResponseWriter, r *http.Request, req validation.ProxyRequest, err error) {
	category := client.CategorizeError(err)
	status, msg := http.StatusInternalServerError, MsgInternal

	var upstreamErr *client.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		status, msg = upstreamErr.Status, upstreamErr.Message
	case errors.Is(err, circuitbreaker.ErrOpen):
		status, msg = http.StatusServiceUnavailable, MsgWeatherUnavailable
	case errors.Is(err, client.ErrUpstreamTimeout), errors.Is(err, service.ErrCoalesceTimeout), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, MsgWeatherTimeout
	}

	fields := []zap.Field{
		zap.String("type", string(req.Type)),
		zap.String("error_category", string(category)),
		zap.Int("status", status),
	}
	if !h.production {
		fields = append(fields, zap.Error(err))
	}
	logger := observability.LoggerFromContext(r.Context())
	if status >= 500 {
		logger.Error("weather proxy failed", fields...)
	} else {
		logger.Info("weather proxy upstream rejection", fields...)
	}
	writeError(w, status, msg)
}

// Chat handles POST /ai-chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeValidationError(w, MsgInvalidRequest, err)
		return
	}
	req, err := validation.ParseChatRequest(body)
	if err != nil {
		writeValidationError(w, MsgInvalidRequest, err)
		return
	}
	if h.assistant == nil {
		h.logFailure(r, "ai chat failed", ai.ErrMissingAPIKey)
		writeError(w, http.StatusInternalServerError, MsgChatFailed)
		return
	}

	reply, err := h.assistant.Chat(r.Context(), req.Message, req.Context)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"response": reply})
	case errors.Is(err, ai.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, MsgChatRateLimited)
	case errors.Is(err, ai.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, MsgChatPayment)
	default:
		h.logFailure(r, "ai chat failed", err)
		writeError(w, http.StatusInternalServerError, MsgChatFailed)
	}
}

// Insights handles POST /weather-insights.
func (h *Handler) Insights(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeValidationError(w, MsgInvalidRequest, err)
		return
	}
	wc, err := validation.ParseInsightsRequest(body)
	if err != nil {
		writeValidationError(w, MsgInvalidRequest, err)
		return
	}
	if h.assistant == nil {
		h.logFailure(r, "insights failed", ai.ErrMissingAPIKey)
		writeError(w, http.StatusInternalServerError, MsgInsightsFailed)
		return
	}

	insights, tier, err := h.assistant.Insights(r.Context(), wc)
	switch {
	case err == nil:
		observability.LoggerFromContext(r.Context()).Debug("insights generated", zap.String("tier", string(tier)))
		writeJSON(w, http.StatusOK, map[string]models.Insights{"insights": insights})
	case errors.Is(err, ai.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, MsgInsightsRateLimit)
	case errors.Is(err, ai.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, MsgInsightsPayment)
	default:
		h.logFailure(r, "insights failed", err)
		writeError(w, http.StatusInternalServerError, MsgInsightsFailed)
	}
}

// Contact handles POST /send-contact-email.
func (h *Handler) Contact(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, MsgInvalidContact)
		return
	}
	in, err := validation.ParseContactRequest(body)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Debug("contact validation failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, MsgInvalidContact)
		return
	}
	if h.contact == nil {
		h.logFailure(r, "contact failed", contact.ErrNotConfigured)
		writeError(w, http.StatusInternalServerError, MsgEmailNotConfigured)
		return
	}

	err = h.contact.Send(r.Context(), contact.Submission{Name: in.Name, Email: in.Email, Message: in.Message})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, contact.ErrNotConfigured):
		h.logFailure(r, "contact failed", err)
		writeError(w, http.StatusInternalServerError, MsgEmailNotConfigured)
	default:
		h.logFailure(r, "contact failed", err)
		writeError(w, http.StatusInternalServerError, MsgEmailFailed)
	}
}

// logFailure logs an internal failure. Error text (which may carry upstream bodies)
// is only included outside production.
func (h *Handler) logFailure(r *http.Request, msg string, err error) {
	fields := []zap.Field{zap.String("error_category", string(client.CategorizeError(err)))}
	if !h.production {
		fields = append(fields, zap.Error(err))
	}
	observability.LoggerFromContext(r.Context()).Error(msg, fields...)
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthMu.Lock()
	if h.healthPrev != "" && h.healthPrev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", h.healthPrev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthPrev = result.status
	h.healthMu.Unlock()

	checks := make(map[string]string)
	for _, b := range h.breakers {
		if b.State() == "open" {
			checks[b.Component()] = "unhealthy"
		} else {
			checks[b.Component()] = "healthy"
		}
	}
	if h.proxy != nil {
		if err := h.proxy.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
		} else {
			checks["cache"] = "healthy"
		}
	}

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weathernow",
		"version":   h.health.Version,
		"uptime":    time.Since(h.startTime).Truncate(time.Second).String(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	counts := traffic.Snapshot(h.health.Window)
	if h.health.OverloadThreshold > 0 && counts.Denied >= h.health.OverloadThreshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "admission_denials"}
	}
	for _, b := range h.breakers {
		if b.State() == "open" {
			return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open:" + b.Component()}
		}
	}
	if h.health.DegradedErrorPct > 0 && counts.ErrorPct() >= float64(h.health.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &validation.Error{Kind: "envelope", Fields: []validation.FieldError{{
			Rule:    "body",
			Message: fmt.Sprintf("unreadable request body: %s", strings.TrimPrefix(err.Error(), "http: ")),
		}}}
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeValidationError writes 400 {error, details}. details lists the offending fields.
func writeValidationError(w http.ResponseWriter, message string, err error) {
	details := []validation.FieldError{}
	var verr *validation.Error
	if errors.As(err, &verr) {
		details = verr.Fields
	}
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   message,
		"details": details,
	})
}
