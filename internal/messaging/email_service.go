package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Compile-time check that EmailService implements EmailMessenger.
var _ EmailMessenger = (*EmailService)(nil)

// EmailService routes email sends to the provider the tenant is configured
// for. Selection order: explicit email_provider, then whichever key is
// present (Resend first), then SendGrid as the historical default.
type EmailService struct {
	adapters map[string]EmailMessenger
}

// NewEmailService creates an email service with the standard adapters.
func NewEmailService() *EmailService {
	return &EmailService{
		adapters: map[string]EmailMessenger{
			ProviderSendgrid: NewSendgridEmail(),
			ProviderResend:   NewResendEmail(),
		},
	}
}

// RegisterAdapter adds or replaces a provider adapter.
func (s *EmailService) RegisterAdapter(provider string, adapter EmailMessenger) {
	s.adapters[provider] = adapter
}

// selectProvider resolves which provider a tenant config selects.
func selectProvider(cfg *models.TenantConfig) string {
	if cfg.EmailProvider != "" {
		return cfg.EmailProvider
	}
	if cfg.ResendKey != "" {
		return ProviderResend
	}
	if cfg.SendgridKey != "" {
		return ProviderSendgrid
	}
	slog.Warn("EmailService: no email provider configured, defaulting to SendGrid", "tenantID", cfg.TenantID)
	return ProviderSendgrid
}

// SendEmail dispatches to the tenant's email provider.
func (s *EmailService) SendEmail(ctx context.Context, cfg *models.TenantConfig, msg models.EmailMessage) (models.SendResult, error) {
	provider := selectProvider(cfg)
	adapter, ok := s.adapters[provider]
	if !ok {
		return models.SendResult{}, fmt.Errorf("unsupported email provider %q for tenant %s", provider, cfg.TenantID)
	}
	return adapter.SendEmail(ctx, cfg, msg)
}
