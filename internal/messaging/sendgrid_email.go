package messaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Compile-time check that SendgridEmail implements EmailMessenger.
var _ EmailMessenger = (*SendgridEmail)(nil)

// SendgridEmail sends email through the SendGrid v3 API.
type SendgridEmail struct{}

// NewSendgridEmail creates the SendGrid email messenger.
func NewSendgridEmail() *SendgridEmail {
	return &SendgridEmail{}
}

// SendEmail sends one email using the tenant's SendGrid key.
func (s *SendgridEmail) SendEmail(ctx context.Context, cfg *models.TenantConfig, msg models.EmailMessage) (models.SendResult, error) {
	if cfg.SendgridKey == "" {
		return models.SendResult{}, fmt.Errorf("tenant %s sendgrid: %w", cfg.TenantID, ErrMissingCredentials)
	}
	if msg.To == "" {
		return models.SendResult{}, ErrMissingRecipient
	}
	from := msg.From
	if from == "" {
		from = cfg.SendgridFrom
	}
	if from == "" {
		return models.SendResult{}, fmt.Errorf("sendgrid from address: %w", ErrMissingSender)
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(cfg.CompanyName, from))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.To))
	for _, cc := range msg.CC {
		p.AddCCs(mail.NewEmail("", cc))
	}
	for _, bcc := range msg.BCC {
		p.AddBCCs(mail.NewEmail("", bcc))
	}
	m.AddPersonalizations(p)

	if msg.Body != "" {
		m.AddContent(mail.NewContent("text/plain", msg.Body))
	}
	if msg.HTMLBody != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTMLBody))
	}
	if msg.ReplyTo != "" {
		m.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}
	for _, att := range msg.Attachments {
		a := mail.NewAttachment()
		a.SetFilename(att.Filename)
		a.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		if att.ContentType != "" {
			a.SetType(att.ContentType)
		}
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}

	client := sendgrid.NewSendClient(cfg.SendgridKey)
	resp, err := client.SendWithContext(ctx, m)
	if err != nil {
		slog.Error("SendgridEmail.SendEmail failed", "tenantID", cfg.TenantID, "to", msg.To, "error", err)
		return models.SendResult{}, fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}
	if resp.StatusCode >= 400 {
		slog.Error("SendgridEmail.SendEmail rejected", "tenantID", cfg.TenantID, "to", msg.To, "status", resp.StatusCode, "body", truncate(resp.Body, 200))
		return models.SendResult{}, fmt.Errorf("sendgrid rejected email to %s: status %d", msg.To, resp.StatusCode)
	}

	result := models.SendResult{Provider: ProviderSendgrid}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		result.MessageID = ids[0]
	}
	slog.Debug("SendgridEmail.SendEmail sent", "tenantID", cfg.TenantID, "to", msg.To, "messageID", result.MessageID)
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
