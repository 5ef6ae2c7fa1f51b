// Package tenant hides the central-vs-tenant database split from the engine
// and scheduler. It caches tenant configuration rows and keeps one lazily
// created connection pool per tenant DMS database.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
	_ "github.com/lib/pq"
)

// Tenant DMS pool limits. The DMS serves interactive dealership traffic;
// the agent stays a small consumer.
const (
	DefaultTenantMaxOpenConns = 15
	DefaultTenantMaxIdleConns = 2
	DefaultTenantConnIdleTime = 5 * time.Minute
)

// ErrNoDMSConnection is returned when a tenant config carries no DMS
// connection descriptor.
var ErrNoDMSConnection = errors.New("tenant does not expose a DMS connection string")

// ConfigSource loads tenant configuration rows from the central store.
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error)
}

// Gateway caches tenant configs and DMS pools. Both caches are read-mostly;
// entries are built outside the lock and published whole so readers never
// observe a half-initialised pool.
type Gateway struct {
	source ConfigSource

	mu      sync.RWMutex
	configs map[string]*models.TenantConfig
	pools   map[string]*sql.DB
}

// NewGateway creates a gateway backed by the given config source.
func NewGateway(source ConfigSource) *Gateway {
	return &Gateway{
		source:  source,
		configs: make(map[string]*models.TenantConfig),
		pools:   make(map[string]*sql.DB),
	}
}

// GetTenantConfig returns the cached config for a tenant, loading it from
// the central store on first use. Entries never expire within a process.
func (g *Gateway) GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	g.mu.RLock()
	cfg, ok := g.configs[tenantID]
	g.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := g.source.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if cached, ok := g.configs[tenantID]; ok {
		cfg = cached
	} else {
		g.configs[tenantID] = cfg
	}
	g.mu.Unlock()
	slog.Debug("Gateway.GetTenantConfig: cached tenant config", "tenantID", tenantID)
	return cfg, nil
}

// InvalidateTenant drops a tenant's cached config and closes its pool.
// Exists so a future control plane can rotate credentials without a restart.
func (g *Gateway) InvalidateTenant(tenantID string) {
	g.mu.Lock()
	delete(g.configs, tenantID)
	pool, ok := g.pools[tenantID]
	delete(g.pools, tenantID)
	g.mu.Unlock()
	if ok {
		if err := pool.Close(); err != nil {
			slog.Error("Gateway.InvalidateTenant: close pool failed", "tenantID", tenantID, "error", err)
		}
	}
}

// TenantPool returns the connection pool for a tenant's DMS database,
// creating it lazily from the tenant's connection descriptor.
func (g *Gateway) TenantPool(ctx context.Context, tenantID string) (*sql.DB, error) {
	g.mu.RLock()
	pool, ok := g.pools[tenantID]
	g.mu.RUnlock()
	if ok {
		return pool, nil
	}

	cfg, err := g.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg.DMSConnString == "" {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNoDMSConnection)
	}

	db, err := sql.Open("postgres", cfg.DMSConnString)
	if err != nil {
		return nil, fmt.Errorf("open tenant %s DMS pool: %w", tenantID, err)
	}
	db.SetMaxOpenConns(DefaultTenantMaxOpenConns)
	db.SetMaxIdleConns(DefaultTenantMaxIdleConns)
	db.SetConnMaxIdleTime(DefaultTenantConnIdleTime)

	g.mu.Lock()
	if existing, ok := g.pools[tenantID]; ok {
		g.mu.Unlock()
		// Another goroutine won the race; keep its pool.
		db.Close()
		return existing, nil
	}
	g.pools[tenantID] = db
	g.mu.Unlock()
	slog.Debug("Gateway.TenantPool: created tenant DMS pool", "tenantID", tenantID)
	return db, nil
}

// Close closes all tenant pools. A pool requested afterwards is opened anew.
func (g *Gateway) Close() {
	g.mu.Lock()
	pools := g.pools
	g.pools = make(map[string]*sql.DB)
	g.mu.Unlock()
	for tenantID, pool := range pools {
		if err := pool.Close(); err != nil {
			slog.Error("Gateway.Close: failed to close tenant pool", "tenantID", tenantID, "error", err)
		}
	}
}
