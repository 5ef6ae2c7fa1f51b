package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Compile-time check that TwilioSMS implements SMSMessenger.
var _ SMSMessenger = (*TwilioSMS)(nil)

// TwilioSMS sends SMS through the Twilio REST API using each tenant's own
// account credentials.
type TwilioSMS struct{}

// NewTwilioSMS creates the Twilio SMS messenger.
func NewTwilioSMS() *TwilioSMS {
	return &TwilioSMS{}
}

// SendSMS sends one SMS. A REST client is built per call because
// credentials differ per tenant; the client is a thin stateless wrapper
// around an HTTP client, so this costs nothing worth caching.
func (t *TwilioSMS) SendSMS(ctx context.Context, cfg *models.TenantConfig, msg models.SMSMessage) (models.SendResult, error) {
	if cfg.TwilioSID == "" || cfg.TwilioAuthToken == "" {
		return models.SendResult{}, fmt.Errorf("tenant %s twilio: %w", cfg.TenantID, ErrMissingCredentials)
	}
	from := msg.From
	if from == "" {
		from = cfg.TwilioFromNumber
	}
	if from == "" {
		return models.SendResult{}, fmt.Errorf("twilio from number: %w", ErrMissingSender)
	}
	to, err := CanonicalizePhoneNumber(msg.To)
	if err != nil {
		return models.SendResult{}, err
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioSID,
		Password: cfg.TwilioAuthToken,
	})

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(msg.Body)

	resp, err := client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSMS.SendSMS failed", "tenantID", cfg.TenantID, "to", to, "error", err)
		return models.SendResult{}, fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}

	result := models.SendResult{Provider: ProviderTwilio}
	if resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	slog.Debug("TwilioSMS.SendSMS sent", "tenantID", cfg.TenantID, "to", to, "sid", result.MessageID)
	return result, nil
}
