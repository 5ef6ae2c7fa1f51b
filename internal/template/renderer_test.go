package template

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/waldenltd/communication-agent/internal/models"
)

// fakeTemplateStore serves template rows from a map keyed by
// tenant|event|comm and counts loads.
type fakeTemplateStore struct {
	mu        sync.Mutex
	templates map[string]*models.MessageTemplate
	loads     int
}

func (f *fakeTemplateStore) GetMessageTemplate(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.templates[tenantID+"|"+eventType+"|"+communicationType], nil
}

func TestRenderSubstitution(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"t1|invoice_reminder|email": {
			TenantID:         "t1",
			EventType:        "invoice_reminder",
			SubjectTemplate:  "Invoice {{invoice_id}} past due",
			BodyTextTemplate: "Hello {{first_name}},\nyour balance is {{balance}}.",
		},
	}}
	r := NewStoreRenderer(store, nil)

	msg, err := r.Render(context.Background(), "invoice_reminder", "t1", "email", map[string]string{
		"invoice_id": "77",
		"first_name": "Kim",
		"balance":    "$12.00",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject != "Invoice 77 past due" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Body != "Hello Kim,\nyour balance is $12.00." {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.HTMLBody != "Hello Kim,<br>\nyour balance is $12.00." {
		t.Errorf("html body = %q", msg.HTMLBody)
	}
}

func TestRenderUnknownVariableIsEmpty(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"|welcome|email": {EventType: "welcome", BodyTextTemplate: "Hi {{nobody}}!"},
	}}
	r := NewStoreRenderer(store, nil)

	msg, err := r.Render(context.Background(), "welcome", "", "email", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Body != "Hi !" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestRenderGlobalFallback(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"|service_reminder|email": {EventType: "service_reminder", SubjectTemplate: "Global", BodyTextTemplate: "global body"},
	}}
	r := NewStoreRenderer(store, nil)

	msg, err := r.Render(context.Background(), "service_reminder", "t1", "email", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject != "Global" {
		t.Errorf("subject = %q, want global fallback", msg.Subject)
	}
}

func TestRenderNotFound(t *testing.T) {
	r := NewStoreRenderer(&fakeTemplateStore{templates: map[string]*models.MessageTemplate{}}, nil)
	_, err := r.Render(context.Background(), "missing", "t1", "email", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestRenderCachesTemplateRows(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"t1|welcome|email": {TenantID: "t1", EventType: "welcome", BodyTextTemplate: "hi"},
	}}
	r := NewStoreRenderer(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Render(ctx, "welcome", "t1", "email", nil); err != nil {
			t.Fatalf("render %d: %v", i, err)
		}
	}
	if store.loads != 1 {
		t.Errorf("store loads = %d, want 1 (cached)", store.loads)
	}

	r.ClearCache()
	if _, err := r.Render(ctx, "welcome", "t1", "email", nil); err != nil {
		t.Fatalf("render after clear: %v", err)
	}
	if store.loads != 2 {
		t.Errorf("store loads = %d, want 2 after cache clear", store.loads)
	}
}

// fakeEnhancer rewrites the body or fails.
type fakeEnhancer struct {
	out string
	err error
}

func (f *fakeEnhancer) EnhanceBody(ctx context.Context, body, instructions string) (string, error) {
	return f.out, f.err
}

func TestRenderAIEnhancement(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"t1|welcome|email": {
			TenantID:         "t1",
			EventType:        "welcome",
			BodyTextTemplate: "plain draft",
			AIEnhance:        true,
			AIInstructions:   "warmer tone",
		},
	}}
	r := NewStoreRenderer(store, &fakeEnhancer{out: "polished copy"})

	msg, err := r.Render(context.Background(), "welcome", "t1", "email", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Body != "polished copy" {
		t.Errorf("body = %q, want enhanced copy", msg.Body)
	}
}

func TestRenderAIEnhancementFailureFallsBack(t *testing.T) {
	store := &fakeTemplateStore{templates: map[string]*models.MessageTemplate{
		"t1|welcome|email": {
			TenantID:         "t1",
			EventType:        "welcome",
			BodyTextTemplate: "plain draft",
			AIEnhance:        true,
		},
	}}
	r := NewStoreRenderer(store, &fakeEnhancer{err: errors.New("rate limited")})

	msg, err := r.Render(context.Background(), "welcome", "t1", "email", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Body != "plain draft" {
		t.Errorf("body = %q, want plain rendering on enhancer failure", msg.Body)
	}
}
