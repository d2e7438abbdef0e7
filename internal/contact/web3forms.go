package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/observability"
)

const (
	ProviderWeb3Forms = "web3forms"
	ProviderSendGrid  = "sendgrid"

	DefaultWeb3FormsURL = "https://api.web3forms.com/submit"
)

// Options configures a sender. URL overrides the provider endpoint (tests, proxies).
type Options struct {
	APIKey     string
	URL        string
	ToEmail    string
	FromEmail  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Web3FormsSender posts submissions to the Web3Forms API.
type Web3FormsSender struct {
	apiKey  string
	url     string
	toEmail string
	timeout time.Duration
	hc      *http.Client
}

// NewWeb3Forms returns a Web3Forms sender. A missing key surfaces as ErrNotConfigured on Send.
func NewWeb3Forms(opts Options) *Web3FormsSender {
	if opts.URL == "" {
		opts.URL = DefaultWeb3FormsURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Web3FormsSender{apiKey: opts.APIKey, url: opts.URL, toEmail: opts.ToEmail, timeout: opts.Timeout, hc: hc}
}

func (w *Web3FormsSender) Provider() string { return ProviderWeb3Forms }

type web3FormsPayload struct {
	AccessKey string `json:"access_key"`
	Subject   string `json:"subject"`
	FromName  string `json:"from_name"`
	Email     string `json:"email"`
	Message   string `json:"message"`
	ToEmail   string `json:"to_email,omitempty"`
}

// Send posts the submission. Non-2xx replies and replies without success=true are failures.
func (w *Web3FormsSender) Send(ctx context.Context, s Submission) error {
	if w.apiKey == "" {
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderWeb3Forms, "not_configured").Inc()
		return ErrNotConfigured
	}
	payload, err := json.Marshal(web3FormsPayload{
		AccessKey: w.apiKey,
		Subject:   Subject,
		FromName:  s.fromName(),
		Email:     s.Email,
		Message:   s.Message,
		ToEmail:   w.toEmail,
	})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := w.hc.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("contact", "error").Inc()
		observability.UpstreamDuration.WithLabelValues("contact", "error").Observe(time.Since(start).Seconds())
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderWeb3Forms, "error").Inc()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || decodeErr != nil || !out.Success {
		observability.UpstreamCallsTotal.WithLabelValues("contact", "failure").Inc()
		observability.UpstreamDuration.WithLabelValues("contact", "failure").Observe(time.Since(start).Seconds())
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderWeb3Forms, "failure").Inc()
		observability.LoggerFromContext(ctx).Error("web3forms rejected submission",
			zap.Int("status", resp.StatusCode),
			zap.String("provider_message", out.Message),
			zap.Error(decodeErr),
		)
		return fmt.Errorf("%w: web3forms HTTP %d", ErrSendFailed, resp.StatusCode)
	}

	observability.UpstreamCallsTotal.WithLabelValues("contact", "success").Inc()
	observability.UpstreamDuration.WithLabelValues("contact", "success").Observe(time.Since(start).Seconds())
	observability.ContactSubmissionsTotal.WithLabelValues(ProviderWeb3Forms, "success").Inc()
	return nil
}
