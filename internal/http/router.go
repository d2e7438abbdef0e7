package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/ratelimit"
)

// Route paths.
const (
	PathWeatherProxy = "/weather-proxy"
	PathChat         = "/ai-chat"
	PathInsights     = "/weather-insights"
	PathContact      = "/send-contact-email"
	PathHealth       = "/health"
	PathMetrics      = "/metrics"
)

// Admission holds the per-endpoint limiters. A nil limiter disables admission for that endpoint.
type Admission struct {
	Weather  *ratelimit.Limiter
	Chat     *ratelimit.Limiter
	Insights *ratelimit.Limiter
	Contact  *ratelimit.Limiter
}

// RouterConfig wires the handler into the middleware chain.
type RouterConfig struct {
	Handler        *Handler
	Logger         *zap.Logger
	CORS           *CORSPolicy
	Admission      Admission
	GlobalLimiter  *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter builds the mux router. Every API route runs CORS, then the global bucket,
// then per-client admission, then the handler under the request timeout.
func NewRouter(cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := cfg.Handler

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc(PathHealth, h.GetHealth).Methods(http.MethodGet)
	router.Handle(PathMetrics, observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	if cfg.CORS != nil {
		api.Use(CORSMiddleware(cfg.CORS))
	}
	api.Use(GlobalRateLimitMiddleware(cfg.GlobalLimiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))

	api.Handle(PathWeatherProxy, AdmissionMiddleware("weather-proxy", cfg.Admission.Weather, MsgRateLimited)(http.HandlerFunc(h.WeatherProxy))).
		Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	api.Handle(PathChat, AdmissionMiddleware("ai-chat", cfg.Admission.Chat, MsgRateLimited)(http.HandlerFunc(h.Chat))).
		Methods(http.MethodPost, http.MethodOptions)
	api.Handle(PathInsights, AdmissionMiddleware("weather-insights", cfg.Admission.Insights, MsgRateLimited)(http.HandlerFunc(h.Insights))).
		Methods(http.MethodPost, http.MethodOptions)
	api.Handle(PathContact, AdmissionMiddleware("send-contact-email", cfg.Admission.Contact, MsgContactRateLimited)(http.HandlerFunc(h.Contact))).
		Methods(http.MethodPost, http.MethodOptions)

	return router
}
