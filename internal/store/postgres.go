// Package store provides the central database layer for the communication
// agent.
//
// This file implements the PostgreSQL backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/waldenltd/communication-agent/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the central database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements CentralStore.
var _ CentralStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db                *sql.DB
	defaultMaxRetries int
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, defaultMaxRetries: cfg.DefaultMaxRetries}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

// ListTenantIDs enumerates all tenants with a configuration row.
func (s *PostgresStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenant ids failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenant ids iteration failed: %w", err)
	}
	return ids, nil
}

// GetTenantConfig loads one tenant's configuration row.
func (s *PostgresStore) GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, twilio_sid, twilio_auth_token, twilio_from_number,
		        sendgrid_key, sendgrid_from, email_provider, resend_key, resend_from,
		        quiet_hours_start, quiet_hours_end, api_base_url, company_name, dms_connection_string
		 FROM tenant_configs WHERE tenant_id = $1`, tenantID)
	cfg, err := scanTenantConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant config failed: %w", err)
	}
	return &cfg, nil
}

// GetMessageTemplate loads an active template row. tenantID "" selects
// global templates (tenant_id IS NULL). Returns (nil, nil) when absent.
func (s *PostgresStore) GetMessageTemplate(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error) {
	const cols = `id, tenant_id, event_type, communication_type, subject_template,
	              body_text_template, body_html_template, description, ai_enhance, ai_instructions, version`
	var row *sql.Row
	if tenantID == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM message_templates
			 WHERE tenant_id IS NULL AND event_type = $1 AND communication_type = $2 AND is_active = TRUE
			 LIMIT 1`, eventType, communicationType)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM message_templates
			 WHERE tenant_id = $1 AND event_type = $2 AND communication_type = $3 AND is_active = TRUE
			 LIMIT 1`, tenantID, eventType, communicationType)
	}
	t, err := scanMessageTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message template failed: %w", err)
	}
	return &t, nil
}
