package contact

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/observability"
)

const sendGridPath = "/v3/mail/send"

// SendGridSender delivers submissions through the SendGrid v3 mail API.
// The submitter becomes the reply-to address; From is the configured site address.
type SendGridSender struct {
	apiKey    string
	baseURL   string
	fromEmail string
	toEmail   string
}

// NewSendGrid returns a SendGrid sender. opts.URL, when set, replaces https://api.sendgrid.com.
func NewSendGrid(opts Options) *SendGridSender {
	return &SendGridSender{
		apiKey:    opts.APIKey,
		baseURL:   strings.TrimRight(opts.URL, "/"),
		fromEmail: opts.FromEmail,
		toEmail:   opts.ToEmail,
	}
}

func (g *SendGridSender) Provider() string { return ProviderSendGrid }

// Send builds a single plain-text message and posts it.
func (g *SendGridSender) Send(ctx context.Context, s Submission) error {
	if g.apiKey == "" || g.fromEmail == "" || g.toEmail == "" {
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderSendGrid, "not_configured").Inc()
		return ErrNotConfigured
	}

	from := sgmail.NewEmail("WeatherNow", g.fromEmail)
	to := sgmail.NewEmail("", g.toEmail)
	message := sgmail.NewSingleEmail(from, Subject, to, s.plainText(), "")
	message.SetReplyTo(sgmail.NewEmail(s.fromName(), s.Email))

	client := sendgrid.NewSendClient(g.apiKey)
	if g.baseURL != "" {
		client.BaseURL = g.baseURL + sendGridPath
	}
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("contact", "error").Inc()
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderSendGrid, "error").Inc()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.UpstreamCallsTotal.WithLabelValues("contact", "failure").Inc()
		observability.ContactSubmissionsTotal.WithLabelValues(ProviderSendGrid, "failure").Inc()
		observability.LoggerFromContext(ctx).Error("sendgrid rejected submission",
			zap.Int("status", resp.StatusCode),
			zap.String("body", resp.Body),
		)
		return fmt.Errorf("%w: sendgrid HTTP %d", ErrSendFailed, resp.StatusCode)
	}

	observability.UpstreamCallsTotal.WithLabelValues("contact", "success").Inc()
	observability.ContactSubmissionsTotal.WithLabelValues(ProviderSendGrid, "success").Inc()
	return nil
}
