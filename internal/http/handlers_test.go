package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weathernow/internal/ai"
	"github.com/kjstillabower/weathernow/internal/circuitbreaker"
	"github.com/kjstillabower/weathernow/internal/client"
	"github.com/kjstillabower/weathernow/internal/contact"
	"github.com/kjstillabower/weathernow/internal/lifecycle"
	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/service"
	"github.com/kjstillabower/weathernow/internal/traffic"
	"github.com/kjstillabower/weathernow/internal/validation"
)

type mockProxier struct {
	mu      sync.Mutex
	resp    models.CachedResponse
	err     error
	pingErr error
	calls   []validation.ProxyRequest
}

func (m *mockProxier) Proxy(ctx context.Context, req validation.ProxyRequest) (models.CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	return m.resp, m.err
}

func (m *mockProxier) CachePing() error { return m.pingErr }

func (m *mockProxier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockAssistant struct {
	reply    string
	insights models.Insights
	err      error

	gotMessage string
	gotContext models.WeatherContext
}

func (m *mockAssistant) Chat(ctx context.Context, message string, wc models.WeatherContext) (string, error) {
	m.gotMessage, m.gotContext = message, wc
	return m.reply, m.err
}

func (m *mockAssistant) Insights(ctx context.Context, wc models.WeatherContext) (models.Insights, ai.ParseTier, error) {
	m.gotContext = wc
	return m.insights, ai.TierStructured, m.err
}

type mockSender struct {
	err error
	got []contact.Submission
}

func (m *mockSender) Send(ctx context.Context, s contact.Submission) error {
	m.got = append(m.got, s)
	return m.err
}

func (m *mockSender) Provider() string { return "mock" }

func jsonResponse(body string) models.CachedResponse {
	return models.CachedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:   []byte(body),
	}
}

func newTestRouter(opts HandlerOptions) http.Handler {
	if opts.Proxy == nil {
		opts.Proxy = &mockProxier{resp: jsonResponse(`{}`)}
	}
	cors, _ := NewCORSPolicy([]string{"http://localhost:8080"}, []string{`^https://.*\.lovable\.app$`}, "https://weathernow-ai.vercel.app")
	return NewRouter(RouterConfig{
		Handler:        NewHandler(opts),
		Logger:         opts.Logger,
		CORS:           cors,
		RequestTimeout: 5 * time.Second,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return out
}

// TestHandler_WeatherProxy_PassesUpstreamBody verifies the upstream body and content type
// reach the caller unchanged for the POST envelope.
func TestHandler_WeatherProxy_PassesUpstreamBody(t *testing.T) {
	raw := `{"name":"Paris","main":{"temp":21.5}}`
	proxy := &mockProxier{resp: jsonResponse(raw)}
	router := newTestRouter(HandlerOptions{Proxy: proxy})

	w := doRequest(t, router, http.MethodPost, PathWeatherProxy, `{"type":"weather-by-city","city":"  Paris "}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if w.Body.String() != raw {
		t.Errorf("body = %s, want %s", w.Body.String(), raw)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if len(proxy.calls) != 1 || proxy.calls[0].City != "Paris" {
		t.Errorf("proxy calls = %+v, want one trimmed Paris request", proxy.calls)
	}
}

func TestHandler_WeatherProxy_GetForm(t *testing.T) {
	proxy := &mockProxier{resp: jsonResponse(`{"list":[]}`)}
	router := newTestRouter(HandlerOptions{Proxy: proxy})

	w := doRequest(t, router, http.MethodGet, PathWeatherProxy+"?type=forecast-by-coords&lat=48.85&lon=2.35", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := validation.ProxyRequest{Type: validation.TypeForecastByCoords, Lat: 48.85, Lon: 2.35}
	if len(proxy.calls) != 1 || proxy.calls[0] != want {
		t.Errorf("proxy calls = %+v, want %+v", proxy.calls, want)
	}
}

// TestHandler_WeatherProxy_ValidationRejected verifies invalid envelopes get 400 with
// details and never reach the upstream.
func TestHandler_WeatherProxy_ValidationRejected(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"lat out of range", `{"type":"weather-by-coords","lat":91,"lon":0}`, "lat"},
		{"lon out of range", `{"type":"weather-by-coords","lat":0,"lon":-181}`, "lon"},
		{"unknown type", `{"type":"tides","city":"Brest"}`, "type"},
		{"short query", `{"type":"city-suggestions","query":"P"}`, "query"},
		{"empty city", `{"type":"forecast","city":"   "}`, "city"},
		{"wrong type", `{"type":"weather-by-coords","lat":"north","lon":0}`, "lat"},
		{"not json", `city=Paris`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := &mockProxier{resp: jsonResponse(`{}`)}
			router := newTestRouter(HandlerOptions{Proxy: proxy})

			w := doRequest(t, router, http.MethodPost, PathWeatherProxy, tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := decodeBody(t, w)
			if body["error"] != MsgInvalidRequest {
				t.Errorf("error = %v, want %q", body["error"], MsgInvalidRequest)
			}
			details, ok := body["details"].([]interface{})
			if !ok || len(details) == 0 {
				t.Fatalf("details = %v, want at least one entry", body["details"])
			}
			if tt.wantField != "" {
				first := details[0].(map[string]interface{})
				if first["field"] != tt.wantField {
					t.Errorf("details[0].field = %v, want %s", first["field"], tt.wantField)
				}
			}
			if n := proxy.callCount(); n != 0 {
				t.Errorf("proxy calls = %d, want 0", n)
			}
		})
	}
}

// TestHandler_WeatherProxy_ErrorMapping verifies upstream statuses are forwarded verbatim
// and internal failures map to short messages.
func TestHandler_WeatherProxy_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"city not found", &client.UpstreamError{Status: 404, Message: "city not found"}, 404, "city not found"},
		{"bad key upstream", &client.UpstreamError{Status: 401, Message: "Invalid API key"}, 401, "Invalid API key"},
		{"upstream 502", fmt.Errorf("proxy k: %w", &client.UpstreamError{Status: 502, Message: "Weather API error"}), 502, "Weather API error"},
		{"missing key", fmt.Errorf("proxy k: %w", client.ErrMissingAPIKey), 500, MsgInternal},
		{"circuit open", fmt.Errorf("%w: weather_api", circuitbreaker.ErrOpen), 503, MsgWeatherUnavailable},
		{"upstream timeout", client.ErrUpstreamTimeout, 504, MsgWeatherTimeout},
		{"coalesce timeout", service.ErrCoalesceTimeout, 504, MsgWeatherTimeout},
		{"unknown", errors.New("boom"), 500, MsgInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(HandlerOptions{Proxy: &mockProxier{err: tt.err}})

			w := doRequest(t, router, http.MethodPost, PathWeatherProxy, `{"type":"weather-by-city","city":"Paris"}`)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeBody(t, w); body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestHandler_WeatherProxy_StaleWarning(t *testing.T) {
	resp := jsonResponse(`{"name":"Oslo"}`)
	resp.Stale = true
	router := newTestRouter(HandlerOptions{Proxy: &mockProxier{resp: resp}})

	w := doRequest(t, router, http.MethodGet, PathWeatherProxy+"?type=weather-by-city&city=Oslo", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Warning"); !strings.HasPrefix(got, "110") {
		t.Errorf("Warning = %q, want 110 stale warning", got)
	}
}

// TestHandler_WeatherProxy_ProductionLogging verifies error details are only logged outside production.
func TestHandler_WeatherProxy_ProductionLogging(t *testing.T) {
	for _, env := range []string{"dev", "production"} {
		t.Run(env, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			router := newTestRouter(HandlerOptions{
				Proxy:       &mockProxier{err: errors.New("upstream body: secret detail")},
				Logger:      zap.New(core),
				Environment: env,
			})

			doRequest(t, router, http.MethodPost, PathWeatherProxy, `{"type":"weather-by-city","city":"Paris"}`)

			entries := logs.FilterMessage("weather proxy failed").All()
			if len(entries) != 1 {
				t.Fatalf("log entries = %d, want 1", len(entries))
			}
			_, hasErr := entries[0].ContextMap()["error"]
			if wantErr := env != "production"; hasErr != wantErr {
				t.Errorf("error field present = %v, want %v", hasErr, wantErr)
			}
			if entries[0].ContextMap()["correlation_id"] == "" {
				t.Error("correlation_id missing from request log")
			}
		})
	}
}

func TestHandler_Chat(t *testing.T) {
	assistant := &mockAssistant{reply: "Bring an umbrella."}
	router := newTestRouter(HandlerOptions{Assistant: assistant})
	body := `{"message":"<script>alert(1)</script>","weatherContext":{"city":"Paris","temp":18,"condition":"Rain","humidity":80,"windSpeed":4}}`

	w := doRequest(t, router, http.MethodPost, PathChat, body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["response"]; got != "Bring an umbrella." {
		t.Errorf("response = %v", got)
	}
	if strings.ContainsAny(assistant.gotMessage, "<>") {
		t.Errorf("assistant received unsanitized message %q", assistant.gotMessage)
	}
	if assistant.gotContext.City != "Paris" || assistant.gotContext.Humidity != 80 {
		t.Errorf("context = %+v", assistant.gotContext)
	}
}

func TestHandler_Chat_ErrorMapping(t *testing.T) {
	valid := `{"message":"Will it rain?","weatherContext":{"city":"Paris","temp":18,"condition":"Rain","humidity":80,"windSpeed":4}}`
	tests := []struct {
		name       string
		assistant  ai.Assistant
		body       string
		wantStatus int
		wantError  string
	}{
		{"rate limited", &mockAssistant{err: ai.ErrRateLimited}, valid, 429, MsgChatRateLimited},
		{"payment", &mockAssistant{err: fmt.Errorf("chat: %w", ai.ErrPaymentRequired)}, valid, 402, MsgChatPayment},
		{"upstream failure", &mockAssistant{err: ai.ErrUpstreamFailure}, valid, 500, MsgChatFailed},
		{"missing key", &mockAssistant{err: ai.ErrMissingAPIKey}, valid, 500, MsgChatFailed},
		{"not configured", nil, valid, 500, MsgChatFailed},
		{"message too long", &mockAssistant{}, `{"message":"` + strings.Repeat("a", 501) + `","weatherContext":{"temp":1,"humidity":1,"windSpeed":1}}`, 400, MsgInvalidRequest},
		{"temp out of range", &mockAssistant{}, `{"message":"hi","weatherContext":{"temp":101,"humidity":1,"windSpeed":1}}`, 400, MsgInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(HandlerOptions{Assistant: tt.assistant})

			w := doRequest(t, router, http.MethodPost, PathChat, tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeBody(t, w)["error"]; got != tt.wantError {
				t.Errorf("error = %v, want %q", got, tt.wantError)
			}
		})
	}
}

func TestHandler_Insights(t *testing.T) {
	assistant := &mockAssistant{insights: models.Insights{Outfit: "Light jacket.", Activity: "Museum visit."}}
	router := newTestRouter(HandlerOptions{Assistant: assistant})

	w := doRequest(t, router, http.MethodPost, PathInsights, `{"temp":12.5,"condition":"Clouds","humidity":70,"windSpeed":3}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var out struct {
		Insights models.Insights `json:"insights"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Insights != assistant.insights {
		t.Errorf("insights = %+v, want %+v", out.Insights, assistant.insights)
	}
	if assistant.gotContext.Temp != 12.5 {
		t.Errorf("context temp = %v, want 12.5", assistant.gotContext.Temp)
	}
}

func TestHandler_Insights_ErrorMapping(t *testing.T) {
	valid := `{"temp":12,"condition":"Clouds","humidity":70,"windSpeed":3}`
	tests := []struct {
		name       string
		assistant  ai.Assistant
		body       string
		wantStatus int
		wantError  string
	}{
		{"rate limited", &mockAssistant{err: ai.ErrRateLimited}, valid, 429, MsgInsightsRateLimit},
		{"payment", &mockAssistant{err: ai.ErrPaymentRequired}, valid, 402, MsgInsightsPayment},
		{"timeout", &mockAssistant{err: ai.ErrUpstreamTimeout}, valid, 500, MsgInsightsFailed},
		{"not configured", nil, valid, 500, MsgInsightsFailed},
		{"missing humidity", &mockAssistant{}, `{"temp":12,"windSpeed":3}`, 400, MsgInvalidRequest},
		{"negative wind", &mockAssistant{}, `{"temp":12,"humidity":5,"windSpeed":-1}`, 400, MsgInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(HandlerOptions{Assistant: tt.assistant})

			w := doRequest(t, router, http.MethodPost, PathInsights, tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeBody(t, w)["error"]; got != tt.wantError {
				t.Errorf("error = %v, want %q", got, tt.wantError)
			}
		})
	}
}

func TestHandler_Contact(t *testing.T) {
	sender := &mockSender{}
	router := newTestRouter(HandlerOptions{Contact: sender})

	w := doRequest(t, router, http.MethodPost, PathContact, `{"email":" ada@example.com ","message":"Hello\nthere"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["success"]; got != true {
		t.Errorf("success = %v, want true", got)
	}
	if len(sender.got) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.got))
	}
	got := sender.got[0]
	if got.Email != "ada@example.com" || strings.ContainsAny(got.Message, "\r\n") {
		t.Errorf("submission = %+v, want trimmed email and no line breaks", got)
	}
}

// TestHandler_Contact_MessageLength verifies the 1000 character boundary on the server.
func TestHandler_Contact_MessageLength(t *testing.T) {
	tests := []struct {
		length     int
		wantStatus int
	}{
		{1000, http.StatusOK},
		{1001, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.length), func(t *testing.T) {
			sender := &mockSender{}
			router := newTestRouter(HandlerOptions{Contact: sender})
			body := fmt.Sprintf(`{"email":"a@example.com","message":%q}`, strings.Repeat("m", tt.length))

			w := doRequest(t, router, http.MethodPost, PathContact, body)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusBadRequest {
				if got := decodeBody(t, w)["error"]; got != MsgInvalidContact {
					t.Errorf("error = %v, want %q", got, MsgInvalidContact)
				}
				if len(sender.got) != 0 {
					t.Error("invalid submission reached the sender")
				}
			}
		})
	}
}

func TestHandler_Contact_SendErrors(t *testing.T) {
	tests := []struct {
		name      string
		sender    contact.Sender
		wantError string
	}{
		{"not configured", &mockSender{err: contact.ErrNotConfigured}, MsgEmailNotConfigured},
		{"send failed", &mockSender{err: fmt.Errorf("%w: status 500", contact.ErrSendFailed)}, MsgEmailFailed},
		{"transport", &mockSender{err: errors.New("dial tcp: refused")}, MsgEmailFailed},
		{"no sender", nil, MsgEmailNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(HandlerOptions{Contact: tt.sender})

			w := doRequest(t, router, http.MethodPost, PathContact, `{"email":"a@example.com","message":"hi"}`)

			if w.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", w.Code)
			}
			if got := decodeBody(t, w)["error"]; got != tt.wantError {
				t.Errorf("error = %v, want %q", got, tt.wantError)
			}
		})
	}
}

// TestHandler_GetHealth verifies the verdict order shutting-down > overloaded > degraded > healthy.
func TestHandler_GetHealth(t *testing.T) {
	openBreaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour, Component: "weather_api"})
	_ = openBreaker.Call(context.Background(), func() error { return errors.New("down") })

	tests := []struct {
		name       string
		setup      func()
		breakers   []*circuitbreaker.CircuitBreaker
		pingErr    error
		wantStatus string
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:       "healthy",
			setup:      func() {},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"cache": "healthy"},
		},
		{
			name:       "shutting down wins",
			setup:      func() { lifecycle.BeginShutdown(); recordN(traffic.Denied, 10) },
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "overloaded",
			setup:      func() { recordN(traffic.Denied, 3); recordN(traffic.Failure, 10) },
			wantStatus: "overloaded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "degraded by error rate",
			setup:      func() { recordN(traffic.Success, 3); recordN(traffic.Failure, 1) },
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "below error threshold",
			setup:      func() { recordN(traffic.Success, 9); recordN(traffic.Failure, 1) },
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "degraded by open breaker",
			setup:      func() {},
			breakers:   []*circuitbreaker.CircuitBreaker{openBreaker},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"weather_api": "unhealthy", "cache": "healthy"},
		},
		{
			name:       "cache unreachable",
			setup:      func() {},
			pingErr:    errors.New("memcache: no servers"),
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"cache": "unhealthy"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traffic.Reset()
			lifecycle.Reset()
			defer traffic.Reset()
			defer lifecycle.Reset()
			tt.setup()

			h := NewHandler(HandlerOptions{
				Proxy:    &mockProxier{pingErr: tt.pingErr},
				Breakers: tt.breakers,
				Health:   HealthConfig{Window: time.Minute, OverloadThreshold: 3, DegradedErrorPct: 20},
			})
			w := httptest.NewRecorder()
			h.GetHealth(w, httptest.NewRequest(http.MethodGet, PathHealth, nil))

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies a status change is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	lifecycle.Reset()
	defer traffic.Reset()
	defer lifecycle.Reset()

	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(HandlerOptions{Proxy: &mockProxier{}, Logger: zap.New(core)})
	check := func() {
		h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, PathHealth, nil))
	}

	check()
	lifecycle.BeginShutdown()
	check()
	check()

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["current_status"]; got != "shutting-down" {
		t.Errorf("current_status = %v, want shutting-down", got)
	}
}

func recordN(o traffic.Outcome, n int) {
	for i := 0; i < n; i++ {
		traffic.Record(o)
	}
}
