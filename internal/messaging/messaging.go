// Package messaging defines the messenger ports the job engine dispatches
// through, and the concrete Twilio, SendGrid, and Resend adapters behind
// them. Credentials come from the tenant config carried with each send, not
// from process state: every tenant speaks to the providers with its own
// keys.
package messaging

import (
	"context"
	"errors"
	"regexp"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Provider names used in tenant configuration.
const (
	ProviderTwilio   = "twilio"
	ProviderSendgrid = "sendgrid"
	ProviderResend   = "resend"
)

var (
	// ErrMissingCredentials indicates the tenant config lacks the
	// credentials the selected provider requires.
	ErrMissingCredentials = errors.New("missing provider credentials")
	// ErrMissingRecipient indicates a message without a destination.
	ErrMissingRecipient = errors.New("missing message recipient")
	// ErrMissingSender indicates neither the payload nor the tenant config
	// supplied a sender.
	ErrMissingSender = errors.New("missing message sender")
)

// phoneNumberRegex matches every character that is neither a digit nor a
// plus sign.
var phoneNumberRegex = regexp.MustCompile(`[^\d+]`)

// SMSMessenger sends a validated SMS on behalf of a tenant.
type SMSMessenger interface {
	SendSMS(ctx context.Context, cfg *models.TenantConfig, msg models.SMSMessage) (models.SendResult, error)
}

// EmailMessenger sends a validated email on behalf of a tenant.
type EmailMessenger interface {
	SendEmail(ctx context.Context, cfg *models.TenantConfig, msg models.EmailMessage) (models.SendResult, error)
}

// CanonicalizePhoneNumber strips formatting characters from a phone number,
// keeping digits and plus signs. Returns an error when fewer than 6
// characters remain after discounting a leading plus.
func CanonicalizePhoneNumber(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(raw, "")
	digits := len(canonical)
	if len(canonical) > 0 && canonical[0] == '+' {
		digits--
	}
	if digits < 6 {
		return "", errors.New("invalid phone number: " + raw)
	}
	return canonical, nil
}
