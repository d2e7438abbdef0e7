package http

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const (
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type, x-correlation-id"
	corsAllowMethods = "GET, POST, OPTIONS"
	corsMaxAge       = 86400
)

// CORSPolicy gates browser origins by exact match or pattern. Disallowed origins are
// answered with the default origin, never a wildcard.
type CORSPolicy struct {
	exact         map[string]struct{}
	patterns      []*regexp.Regexp
	defaultOrigin string
}

// NewCORSPolicy compiles patterns. An empty defaultOrigin falls back to the first exact origin.
func NewCORSPolicy(origins, patterns []string, defaultOrigin string) (*CORSPolicy, error) {
	p := &CORSPolicy{exact: make(map[string]struct{}, len(origins)), defaultOrigin: defaultOrigin}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			p.exact[o] = struct{}{}
		}
	}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("cors pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	if p.defaultOrigin == "" && len(origins) > 0 {
		p.defaultOrigin = strings.TrimSpace(origins[0])
	}
	return p, nil
}

// Allowed reports whether origin may read responses.
func (p *CORSPolicy) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// AllowOrigin is the Access-Control-Allow-Origin value for a request from origin.
func (p *CORSPolicy) AllowOrigin(origin string) string {
	if p.Allowed(origin) {
		return origin
	}
	return p.defaultOrigin
}

// CORSMiddleware stamps the gated origin on every response and answers preflight requests.
func CORSMiddleware(policy *CORSPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", policy.AllowOrigin(r.Header.Get("Origin")))
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
