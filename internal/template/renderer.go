// Package template renders message subject and body text from templates
// stored in the central database. Tenant-specific templates override global
// defaults; loaded template rows are cached in memory with a short TTL.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
)

// DefaultCacheTTL bounds how long a loaded template row is reused.
const DefaultCacheTTL = 5 * time.Minute

// ErrTemplateNotFound is returned when neither a tenant-specific nor a
// global template exists for the event.
var ErrTemplateNotFound = errors.New("message template not found")

// varPattern matches {{variable}} placeholders.
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Store loads template rows from the central database. tenantID "" selects
// global templates; a nil row means no template.
type Store interface {
	GetMessageTemplate(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error)
}

// Enhancer optionally rewrites rendered body copy.
type Enhancer interface {
	EnhanceBody(ctx context.Context, body, instructions string) (string, error)
}

// Renderer produces subject and body text for an event type.
type Renderer interface {
	Render(ctx context.Context, eventType, tenantID, communicationType string, vars map[string]string) (*models.RenderedMessage, error)
}

// Compile-time check that StoreRenderer implements Renderer.
var _ Renderer = (*StoreRenderer)(nil)

type cacheEntry struct {
	template *models.MessageTemplate // nil caches a miss
	loadedAt time.Time
}

// StoreRenderer renders templates loaded through a Store, with an in-memory
// cache and optional AI enhancement. Safe for concurrent use.
type StoreRenderer struct {
	store    Store
	enhancer Enhancer
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewStoreRenderer creates a renderer. enhancer may be nil; templates with
// ai_enhance set then render without enhancement.
func NewStoreRenderer(store Store, enhancer Enhancer) *StoreRenderer {
	return &StoreRenderer{
		store:    store,
		enhancer: enhancer,
		ttl:      DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

func cacheKey(tenantID, eventType, communicationType string) string {
	if tenantID == "" {
		tenantID = "global"
	}
	return tenantID + ":" + eventType + ":" + communicationType
}

// ClearCache drops all cached template rows.
func (r *StoreRenderer) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	slog.Info("StoreRenderer.ClearCache: template cache cleared")
}

// load fetches one template row through the cache.
func (r *StoreRenderer) load(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error) {
	key := cacheKey(tenantID, eventType, communicationType)
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < r.ttl {
		return entry.template, nil
	}

	t, err := r.store.GetMessageTemplate(ctx, tenantID, eventType, communicationType)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{template: t, loadedAt: time.Now()}
	r.mu.Unlock()
	return t, nil
}

// Render loads the template for (eventType, tenantID, communicationType),
// falling back to the global template, substitutes {{variables}}, and
// applies AI enhancement when the template requests it.
func (r *StoreRenderer) Render(ctx context.Context, eventType, tenantID, communicationType string, vars map[string]string) (*models.RenderedMessage, error) {
	t, err := r.load(ctx, tenantID, eventType, communicationType)
	if err != nil {
		return nil, err
	}
	if t == nil && tenantID != "" {
		t, err = r.load(ctx, "", eventType, communicationType)
		if err != nil {
			return nil, err
		}
	}
	if t == nil {
		return nil, fmt.Errorf("%s/%s: %w", eventType, communicationType, ErrTemplateNotFound)
	}

	msg := &models.RenderedMessage{
		Subject:  substitute(t.SubjectTemplate, vars),
		Body:     substitute(t.BodyTextTemplate, vars),
		HTMLBody: substitute(t.BodyHTMLTemplate, vars),
	}
	if msg.HTMLBody == "" && msg.Body != "" {
		msg.HTMLBody = strings.ReplaceAll(msg.Body, "\n", "<br>\n")
	}

	if t.AIEnhance && r.enhancer != nil {
		enhanced, err := r.enhancer.EnhanceBody(ctx, msg.Body, t.AIInstructions)
		if err != nil {
			// Enhancement is cosmetic; the substituted body still goes out.
			slog.Warn("StoreRenderer.Render: AI enhancement failed, using plain rendering", "eventType", eventType, "tenantID", tenantID, "error", err)
		} else if enhanced != "" {
			msg.Body = enhanced
			msg.HTMLBody = strings.ReplaceAll(enhanced, "\n", "<br>\n")
		}
	}
	return msg, nil
}

// substitute replaces {{name}} placeholders with values from vars. Unknown
// placeholders render as empty strings.
func substitute(templateText string, vars map[string]string) string {
	if templateText == "" {
		return ""
	}
	return varPattern.ReplaceAllStringFunc(templateText, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		return vars[name]
	})
}
