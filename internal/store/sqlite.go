// Package store provides the central database layer for the communication
// agent.
//
// This file implements the SQLite backend used for local development and
// tests. SQLite has no row-level locks; claims run inside one transaction on
// the store's single connection, which serializes them within one process.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/waldenltd/communication-agent/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements CentralStore.
var _ CentralStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db                *sql.DB
	defaultMaxRetries int
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; the
// parent directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}

	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// The claim transaction serializes writers; more connections only add
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db, defaultMaxRetries: cfg.DefaultMaxRetries}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// ListTenantIDs enumerates all tenants with a configuration row.
func (s *SQLiteStore) ListTenantIDs(ctx context.Context) ([]string, error) {
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
func (s *SQLiteStore) GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, twilio_sid, twilio_auth_token, twilio_from_number,
		        sendgrid_key, sendgrid_from, email_provider, resend_key, resend_from,
		        quiet_hours_start, quiet_hours_end, api_base_url, company_name, dms_connection_string
		 FROM tenant_configs WHERE tenant_id = ?`, tenantID)
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
// global templates. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetMessageTemplate(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error) {
	const cols = `id, tenant_id, event_type, communication_type, subject_template,
	              body_text_template, body_html_template, description, ai_enhance, ai_instructions, version`
	var row *sql.Row
	if tenantID == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM message_templates
			 WHERE tenant_id IS NULL AND event_type = ? AND communication_type = ? AND is_active = 1
			 LIMIT 1`, eventType, communicationType)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM message_templates
			 WHERE tenant_id = ? AND event_type = ? AND communication_type = ? AND is_active = 1
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
