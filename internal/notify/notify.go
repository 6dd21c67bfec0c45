// Package notify sends run notifications by email through SendGrid.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/noos/internal/config"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Nop discards notifications. It is used when no API key is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error {
	return nil
}

type SendGridNotifier struct {
	client     *sendgrid.Client
	from       *mail.Email
	recipients []string
}

// New returns a SendGrid notifier, or Nop when email is not configured.
func New(cfg config.EmailConfig) Notifier {
	if cfg.APIKey == "" || len(cfg.Recipients) == 0 {
		return Nop{}
	}
	return NewSendGridNotifier(cfg)
}

func NewSendGridNotifier(cfg config.EmailConfig) *SendGridNotifier {
	return &SendGridNotifier{
		client:     sendgrid.NewSendClient(cfg.APIKey),
		from:       mail.NewEmail(cfg.FromName, cfg.FromAddress),
		recipients: cfg.Recipients,
	}
}

func (n *SendGridNotifier) Notify(ctx context.Context, subject, body string) error {
	if len(n.recipients) == 0 {
		return errors.New("no recipients configured")
	}

	response, err := n.client.SendWithContext(ctx, buildMessage(n.from, n.recipients, subject, body))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d: %s", response.StatusCode, strings.TrimSpace(response.Body))
	}

	return nil
}

func buildMessage(from *mail.Email, recipients []string, subject, body string) *mail.SGMailV3 {
	p := mail.NewPersonalization()
	for _, r := range recipients {
		p.AddTos(mail.NewEmail("", r))
	}

	m := mail.NewV3Mail()
	m.SetFrom(from)
	m.Subject = subject
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body))
	return m
}
