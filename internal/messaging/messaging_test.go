package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/waldenltd/communication-agent/internal/models"
)

func TestCanonicalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"555.123.4567", "5551234567", false},
		{"+15551234567", "+15551234567", false},
		{"", "", true},
		{"+1", "", true},
		{"call me", "", true},
	}
	for _, c := range cases {
		got, err := CanonicalizePhoneNumber(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("CanonicalizePhoneNumber(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && got != c.want {
			t.Errorf("CanonicalizePhoneNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSelectProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  models.TenantConfig
		want string
	}{
		{"explicit wins", models.TenantConfig{EmailProvider: ProviderSendgrid, ResendKey: "rk"}, ProviderSendgrid},
		{"resend key detected", models.TenantConfig{ResendKey: "rk", SendgridKey: "sk"}, ProviderResend},
		{"sendgrid key detected", models.TenantConfig{SendgridKey: "sk"}, ProviderSendgrid},
		{"default", models.TenantConfig{}, ProviderSendgrid},
	}
	for _, c := range cases {
		if got := selectProvider(&c.cfg); got != c.want {
			t.Errorf("%s: selectProvider = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestEmailServiceUnsupportedProvider(t *testing.T) {
	s := NewEmailService()
	cfg := &models.TenantConfig{TenantID: "t1", EmailProvider: "pigeon"}
	_, err := s.SendEmail(context.Background(), cfg, models.EmailMessage{To: "a@b", Subject: "s", Body: "b"})
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestEmailServiceRoutesToRegisteredAdapter(t *testing.T) {
	s := NewEmailService()
	mock := &MockEmail{}
	s.RegisterAdapter(ProviderResend, mock)

	cfg := &models.TenantConfig{TenantID: "t1", ResendKey: "rk"}
	if _, err := s.SendEmail(context.Background(), cfg, models.EmailMessage{To: "a@b", Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if mock.SentCount() != 1 {
		t.Errorf("adapter received %d sends, want 1", mock.SentCount())
	}
}

func TestSendgridRequiresCredentials(t *testing.T) {
	s := NewSendgridEmail()
	cfg := &models.TenantConfig{TenantID: "t1"}
	_, err := s.SendEmail(context.Background(), cfg, models.EmailMessage{To: "a@b", Subject: "s", Body: "b"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestTwilioRequiresCredentials(t *testing.T) {
	s := NewTwilioSMS()
	cfg := &models.TenantConfig{TenantID: "t1"}
	_, err := s.SendSMS(context.Background(), cfg, models.SMSMessage{To: "+15551234567", Body: "hi"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestTwilioRequiresFromNumber(t *testing.T) {
	s := NewTwilioSMS()
	cfg := &models.TenantConfig{TenantID: "t1", TwilioSID: "AC1", TwilioAuthToken: "tok"}
	_, err := s.SendSMS(context.Background(), cfg, models.SMSMessage{To: "+15551234567", Body: "hi"})
	if !errors.Is(err, ErrMissingSender) {
		t.Errorf("err = %v, want ErrMissingSender", err)
	}
}

func TestMockScriptedErrors(t *testing.T) {
	transient := errors.New("boom")
	m := &MockSMS{Errs: []error{transient, nil}}
	cfg := &models.TenantConfig{}

	if _, err := m.SendSMS(context.Background(), cfg, models.SMSMessage{To: "+1555", Body: "a"}); !errors.Is(err, transient) {
		t.Errorf("first send err = %v, want scripted failure", err)
	}
	if _, err := m.SendSMS(context.Background(), cfg, models.SMSMessage{To: "+1555", Body: "a"}); err != nil {
		t.Errorf("second send err = %v, want success", err)
	}
	if m.SentCount() != 1 {
		t.Errorf("sent = %d, want 1", m.SentCount())
	}
}
