// Package contact delivers contact-form submissions to the site owner.
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Subject is the mail subject used by every sender.
const Subject = "New WeatherNow Contact Form Submission"

// DefaultName is used when the submitter leaves the name blank.
const DefaultName = "WeatherNow User"

var (
	ErrNotConfigured = errors.New("email service not configured")
	ErrSendFailed    = errors.New("failed to send email")
)

// Submission is a validated contact form. Line breaks are already stripped.
type Submission struct {
	Name    string
	Email   string
	Message string
}

// Sender delivers one submission.
type Sender interface {
	Send(ctx context.Context, s Submission) error
	Provider() string
}

func (s Submission) fromName() string {
	if strings.TrimSpace(s.Name) == "" {
		return DefaultName
	}
	return s.Name
}

func (s Submission) plainText() string {
	return fmt.Sprintf("Name: %s\nEmail: %s\n\n%s", s.fromName(), s.Email, s.Message)
}

// New picks a sender by provider name ("web3forms" or "sendgrid").
func New(provider string, opts Options) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderWeb3Forms:
		return NewWeb3Forms(opts), nil
	case ProviderSendGrid:
		return NewSendGrid(opts), nil
	default:
		return nil, fmt.Errorf("unknown contact provider %q", provider)
	}
}
