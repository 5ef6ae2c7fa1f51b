// Package store provides the central database layer for the communication
// agent: the durable job queue, tenant configuration rows, and message
// templates. PostgreSQL is the production backend; SQLite backs local
// development and tests.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
)

// DefaultMaxRetries is applied to inserted jobs that do not specify a limit.
const DefaultMaxRetries = 3

// ErrTenantNotFound is returned when no tenant_configs row exists.
var ErrTenantNotFound = errors.New("tenant config not found")

// CentralStore defines the primitives the engine, scheduler, gateway, and
// renderer need from the central database.
type CentralStore interface {
	// ClaimPendingJobs atomically selects up to limit pending jobs whose
	// process_after has passed, transitions them to processing, and returns
	// them with parsed payloads. Jobs locked by other workers are skipped.
	// limit <= 0 returns nil without touching the store.
	ClaimPendingJobs(ctx context.Context, limit int) ([]models.Job, error)

	// MarkJobComplete sets status complete and stamps completed_at. A
	// non-empty note is recorded in last_error (e.g. a skip reason).
	MarkJobComplete(ctx context.Context, id int64, note string) error

	// RescheduleJob returns a job to the queue; used for both retry and
	// quiet-hour deferral. The caller supplies retryCount and status.
	RescheduleJob(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status models.JobStatus) error

	// MarkJobFailed records a terminal failure. status is failed, or
	// failed_fallback_email when a companion email job was created.
	MarkJobFailed(ctx context.Context, id int64, lastError string, status models.JobStatus) error

	// InsertJob inserts a new pending job. When the job carries a source
	// reference and a pending, processing, or complete row already exists for
	// (tenant, type, reference), no row is inserted and the existing id is
	// returned with inserted == false.
	InsertJob(ctx context.Context, job models.NewJob) (id int64, inserted bool, err error)

	// CancelJob marks a pending job cancelled. Rows already claimed or
	// terminal are left untouched.
	CancelJob(ctx context.Context, id int64) error

	// RequeueStaleProcessingJobs returns processing rows locked since before
	// staleBefore to pending (crash recovery), reporting how many moved.
	RequeueStaleProcessingJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// ListTenantIDs enumerates all configured tenants.
	ListTenantIDs(ctx context.Context) ([]string, error)

	// GetTenantConfig loads one tenant's configuration row.
	// Returns ErrTenantNotFound when the tenant is unknown.
	GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error)

	// GetMessageTemplate loads an active template for (tenantID, eventType,
	// communicationType). tenantID "" selects global templates. Returns
	// (nil, nil) when no template exists.
	GetMessageTemplate(ctx context.Context, tenantID, eventType, communicationType string) (*models.MessageTemplate, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN               string
	DefaultMaxRetries int
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string (PostgreSQL URL or SQLite
// file path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDefaultMaxRetries overrides the max_retries applied to inserted jobs
// that do not specify their own limit.
func WithDefaultMaxRetries(n int) Option {
	return func(o *Opts) { o.DefaultMaxRetries = n }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (assumed to be a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New opens the backend matching the DSN type.
func New(opts ...Option) (CentralStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
