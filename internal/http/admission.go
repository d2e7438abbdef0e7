package http

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weathernow/internal/observability"
	"github.com/kjstillabower/weathernow/internal/ratelimit"
)

// Rejection messages returned with 429.
const (
	MsgRateLimited        = "Rate limit exceeded. Please try again later."
	MsgContactRateLimited = "Too many requests. Please try again later."
)

// ClientIdentifier keys admission records: the first X-Forwarded-For entry, then
// X-Real-IP, then the connection's remote host, else "unknown".
func ClientIdentifier(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// AdmissionMiddleware applies a per-client fixed window before the request body is
// looked at, so malformed requests consume quota too. A nil limiter admits everything.
func AdmissionMiddleware(endpoint string, limiter *ratelimit.Limiter, message string) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ClientIdentifier(r)
			d := limiter.Allow(id)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				observability.AdmissionDeniedTotal.WithLabelValues(endpoint).Inc()
				observability.LoggerFromContext(r.Context()).Debug("admission denied",
					zap.String("endpoint", endpoint),
					zap.String("client", id),
					zap.Int("limit", d.Limit),
				)
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GlobalRateLimitMiddleware returns 429 when the process-wide token bucket is empty.
// Disabled when limiter is nil.
func GlobalRateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				observability.LoggerFromContext(r.Context()).Debug("global rate limit denied")
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, http.StatusTooManyRequests, MsgRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
