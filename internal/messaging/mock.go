package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/waldenltd/communication-agent/internal/models"
)

// MockSMS records sent SMS messages for tests. Err, when set, is returned
// for every send; Errs, when non-empty, is consumed one entry per send
// (nil entries mean success) to script fail-then-succeed sequences.
type MockSMS struct {
	mu   sync.Mutex
	Sent []models.SMSMessage
	Err  error
	Errs []error
}

func (m *MockSMS) SendSMS(ctx context.Context, cfg *models.TenantConfig, msg models.SMSMessage) (models.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return models.SendResult{}, err
		}
	} else if m.Err != nil {
		return models.SendResult{}, m.Err
	}
	m.Sent = append(m.Sent, msg)
	return models.SendResult{MessageID: fmt.Sprintf("mock-sms-%d", len(m.Sent)), Provider: "mock"}, nil
}

// SentCount returns how many messages were accepted.
func (m *MockSMS) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockEmail records sent emails for tests, with the same error scripting
// as MockSMS.
type MockEmail struct {
	mu   sync.Mutex
	Sent []models.EmailMessage
	Err  error
	Errs []error
}

func (m *MockEmail) SendEmail(ctx context.Context, cfg *models.TenantConfig, msg models.EmailMessage) (models.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		if err != nil {
			return models.SendResult{}, err
		}
	} else if m.Err != nil {
		return models.SendResult{}, m.Err
	}
	m.Sent = append(m.Sent, msg)
	return models.SendResult{MessageID: fmt.Sprintf("mock-email-%d", len(m.Sent)), Provider: "mock"}, nil
}

// SentCount returns how many messages were accepted.
func (m *MockEmail) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
