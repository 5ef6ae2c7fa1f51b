package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Compile-time check that ResendEmail implements EmailMessenger.
var _ EmailMessenger = (*ResendEmail)(nil)

// ResendEmail sends email through the Resend API.
type ResendEmail struct{}

// NewResendEmail creates the Resend email messenger.
func NewResendEmail() *ResendEmail {
	return &ResendEmail{}
}

// SendEmail sends one email using the tenant's Resend key.
func (r *ResendEmail) SendEmail(ctx context.Context, cfg *models.TenantConfig, msg models.EmailMessage) (models.SendResult, error) {
	if cfg.ResendKey == "" {
		return models.SendResult{}, fmt.Errorf("tenant %s resend: %w", cfg.TenantID, ErrMissingCredentials)
	}
	if msg.To == "" {
		return models.SendResult{}, ErrMissingRecipient
	}
	from := msg.From
	if from == "" {
		from = cfg.ResendFrom
	}
	if from == "" {
		from = cfg.SendgridFrom
	}
	if from == "" {
		return models.SendResult{}, fmt.Errorf("resend from address: %w", ErrMissingSender)
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
		Html:    msg.HTMLBody,
		Cc:      msg.CC,
		Bcc:     msg.BCC,
		ReplyTo: msg.ReplyTo,
	}
	for _, att := range msg.Attachments {
		params.Attachments = append(params.Attachments, &resend.Attachment{
			Filename:    att.Filename,
			Content:     att.Content,
			ContentType: att.ContentType,
		})
	}

	client := resend.NewClient(cfg.ResendKey)
	sent, err := client.Emails.SendWithContext(ctx, params)
	if err != nil {
		slog.Error("ResendEmail.SendEmail failed", "tenantID", cfg.TenantID, "to", msg.To, "error", err)
		return models.SendResult{}, fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	slog.Debug("ResendEmail.SendEmail sent", "tenantID", cfg.TenantID, "to", msg.To, "messageID", sent.Id)
	return models.SendResult{MessageID: sent.Id, Provider: ProviderResend}, nil
}
