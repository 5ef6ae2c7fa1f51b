// Package engine implements the job queue engine: it polls the central
// store for due jobs, dispatches them to per-type handlers under a
// concurrency bound, and applies quiet hours, retry, and SMS-to-email
// fallback policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waldenltd/communication-agent/internal/messaging"
	"github.com/waldenltd/communication-agent/internal/models"
	"github.com/waldenltd/communication-agent/internal/pdf"
)

// Defaults applied when Config fields are zero.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxConcurrentJobs = 5
	DefaultRetryDelay        = 5 * time.Minute
)

// ErrUnknownJobType is returned when no handler is registered for a job's
// type.
var ErrUnknownJobType = errors.New("unsupported job type")

// JobStore is the slice of the central store the engine drives.
type JobStore interface {
	ClaimPendingJobs(ctx context.Context, limit int) ([]models.Job, error)
	MarkJobComplete(ctx context.Context, id int64, note string) error
	RescheduleJob(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status models.JobStatus) error
	MarkJobFailed(ctx context.Context, id int64, lastError string, status models.JobStatus) error
	InsertJob(ctx context.Context, job models.NewJob) (int64, bool, error)
	RequeueStaleProcessingJobs(ctx context.Context, staleBefore time.Time) (int, error)
}

// TenantDirectory resolves tenant configuration and customer contact data.
type TenantDirectory interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error)
	FetchCustomerContact(ctx context.Context, tenantID string, customerID int64) (*models.CustomerContact, error)
	GetContactPreference(ctx context.Context, tenantID string, customerID int64) (string, error)
	FindFallbackEmail(ctx context.Context, tenantID string, customerID int64) (string, error)
}

// HandlerContext carries per-job collaborators into a handler.
type HandlerContext struct {
	TenantConfig *models.TenantConfig
	Tenants      TenantDirectory
	Email        messaging.EmailMessenger
	SMS          messaging.SMSMessenger
	Attachments  pdf.Fetcher
	Logger       *slog.Logger
}

// HandlerFunc executes one job. Returning a HandlerResult with Skip set
// completes the job without sending; returning an error enters the retry
// path.
type HandlerFunc func(ctx context.Context, job *models.Job, hc *HandlerContext) (*models.HandlerResult, error)

// Deps bundles the engine's collaborators.
type Deps struct {
	Store       JobStore
	Tenants     TenantDirectory
	Email       messaging.EmailMessenger
	SMS         messaging.SMSMessenger
	Attachments pdf.Fetcher
}

// Config holds the engine's tuning knobs.
type Config struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	RetryDelay        time.Duration
	// StaleJobTimeout bounds how long a processing row may stay owned by a
	// crashed handler before it is returned to pending. Zero disables
	// recovery.
	StaleJobTimeout time.Duration
}

// Processor polls the queue and runs jobs. Start launches the loop; Stop
// halts claiming and waits for in-flight handlers to finish.
type Processor struct {
	deps     Deps
	cfg      Config
	handlers map[models.JobType]HandlerFunc
	clock    func() time.Time

	mu       sync.Mutex
	inFlight int
	cancel   context.CancelFunc
	loopWG   sync.WaitGroup
	jobsWG   sync.WaitGroup
}

// NewProcessor creates a processor with the built-in handlers registered.
func NewProcessor(deps Deps, cfg Config) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	p := &Processor{
		deps:     deps,
		cfg:      cfg,
		handlers: make(map[models.JobType]HandlerFunc),
		clock:    time.Now,
	}
	p.RegisterHandler(models.JobTypeSendSMS, handleSendSMS)
	p.RegisterHandler(models.JobTypeSendEmail, handleSendEmail)
	p.RegisterHandler(models.JobTypeNotifyCustomer, handleNotifyCustomer)
	return p
}

// RegisterHandler registers (or replaces) the handler for a job type.
// Must be called before Start; the handler table is read without locking.
func (p *Processor) RegisterHandler(jobType models.JobType, handler HandlerFunc) {
	p.handlers[jobType] = handler
	slog.Debug("Processor.RegisterHandler", "jobType", jobType)
}

// Start launches the polling loop. Calling Start on a running processor is
// a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.loopWG.Add(1)
	go p.run(ctx)
	slog.Info("Processor.Start: job processor started", "pollInterval", p.cfg.PollInterval, "maxConcurrentJobs", p.cfg.MaxConcurrentJobs)
}

// Stop halts claiming and waits for in-flight handlers to run to
// completion.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.loopWG.Wait()
	p.jobsWG.Wait()
	slog.Info("Processor.Stop: job processor drained")
}

func (p *Processor) run(ctx context.Context) {
	defer p.loopWG.Done()

	if p.cfg.StaleJobTimeout > 0 {
		p.recoverStaleJobs(ctx)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var staleCh <-chan time.Time
	if p.cfg.StaleJobTimeout > 0 {
		staleTicker := time.NewTicker(p.cfg.StaleJobTimeout)
		defer staleTicker.Stop()
		staleCh = staleTicker.C
	}

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Processor.run: stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-staleCh:
			p.recoverStaleJobs(ctx)
		}
	}
}

// tick claims up to the available concurrency slots and spawns one worker
// goroutine per claimed job. The in-flight counter is decremented exactly
// once per spawn regardless of handler outcome.
func (p *Processor) tick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.cfg.MaxConcurrentJobs - p.inFlight
	if available <= 0 {
		return
	}

	jobs, err := p.deps.Store.ClaimPendingJobs(ctx, available)
	if err != nil {
		slog.Error("Processor.tick: claim failed", "error", err)
		return
	}

	for i := range jobs {
		job := jobs[i]
		p.inFlight++
		p.jobsWG.Add(1)
		// Handlers run to completion on Stop; detach from loop cancellation.
		jobCtx := context.WithoutCancel(ctx)
		go func() {
			defer func() {
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
				p.jobsWG.Done()
			}()
			p.runJob(jobCtx, &job)
		}()
	}
}

func (p *Processor) recoverStaleJobs(ctx context.Context) {
	staleBefore := p.clock().Add(-p.cfg.StaleJobTimeout)
	if _, err := p.deps.Store.RequeueStaleProcessingJobs(ctx, staleBefore); err != nil {
		slog.Error("Processor.recoverStaleJobs: requeue failed", "error", err)
	}
}

// runJob executes one claimed job end to end.
func (p *Processor) runJob(ctx context.Context, job *models.Job) {
	logger := slog.Default().With("jobID", job.ID, "jobType", job.Type, "tenantID", job.TenantID)

	tenantCfg, err := p.deps.Tenants.GetTenantConfig(ctx, job.TenantID)
	if err != nil {
		p.handleJobFailure(ctx, job, fmt.Errorf("resolve tenant config: %w", err))
		return
	}

	if delay := quietHoursDelay(job.Payload, tenantCfg, p.clock()); delay != nil {
		if err := p.deps.Store.RescheduleJob(ctx, job.ID, job.RetryCount, *delay, quietHoursDiagnostic, models.JobStatusPending); err != nil {
			logger.Error("Processor.runJob: quiet hours reschedule failed", "error", err)
			return
		}
		logger.Info("Processor.runJob: deferred job for quiet hours", "processAfter", *delay)
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.handleJobFailure(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	hc := &HandlerContext{
		TenantConfig: tenantCfg,
		Tenants:      p.deps.Tenants,
		Email:        p.deps.Email,
		SMS:          p.deps.SMS,
		Attachments:  p.deps.Attachments,
		Logger:       logger,
	}
	result, err := handler(ctx, job, hc)
	if err != nil {
		p.handleJobFailure(ctx, job, err)
		return
	}

	note := ""
	if result != nil && result.Skip {
		note = result.Reason
		logger.Info("Processor.runJob: job skipped", "reason", result.Reason)
	}
	if err := p.deps.Store.MarkJobComplete(ctx, job.ID, note); err != nil {
		logger.Error("Processor.runJob: mark complete failed", "error", err)
		return
	}
	logger.Info("Processor.runJob: job processed successfully")
}

// handleJobFailure applies retry policy and, for exhausted SMS jobs with a
// customer reference, the email fallback.
func (p *Processor) handleJobFailure(ctx context.Context, job *models.Job, cause error) {
	slog.Error("Processor.handleJobFailure: job processing failed", "jobID", job.ID, "jobType", job.Type, "error", cause)

	attempts := job.RetryCount + 1
	if attempts < job.MaxRetries {
		nextRetryAt := p.clock().Add(p.cfg.RetryDelay)
		if err := p.deps.Store.RescheduleJob(ctx, job.ID, attempts, nextRetryAt, cause.Error(), models.JobStatusPending); err != nil {
			slog.Error("Processor.handleJobFailure: reschedule failed", "jobID", job.ID, "error", err)
		}
		return
	}

	if job.Type == models.JobTypeSendSMS {
		if customerID, ok := job.Payload.Int64("customer_id"); ok {
			p.tryEmailFallback(ctx, job, customerID, cause)
			return
		}
		if err := p.deps.Store.MarkJobFailed(ctx, job.ID, fmt.Sprintf("SMS failed after retries: %v", cause), models.JobStatusFailed); err != nil {
			slog.Error("Processor.handleJobFailure: mark failed failed", "jobID", job.ID, "error", err)
		}
		return
	}

	if err := p.deps.Store.MarkJobFailed(ctx, job.ID, cause.Error(), models.JobStatusFailed); err != nil {
		slog.Error("Processor.handleJobFailure: mark failed failed", "jobID", job.ID, "error", err)
	}
}

// tryEmailFallback inserts a companion send_email job for an SMS that
// exhausted its retries. The sms_fallback source reference keeps re-entry
// of the failure path from fanning out duplicate emails.
func (p *Processor) tryEmailFallback(ctx context.Context, job *models.Job, customerID int64, cause error) {
	fallbackEmail, err := p.deps.Tenants.FindFallbackEmail(ctx, job.TenantID, customerID)
	if err != nil {
		slog.Error("Processor.tryEmailFallback: fallback email lookup failed", "jobID", job.ID, "customerID", customerID, "error", err)
	}
	if fallbackEmail == "" {
		msg := fmt.Sprintf("SMS failed, no fallback email for customer %d", customerID)
		if err := p.deps.Store.MarkJobFailed(ctx, job.ID, msg, models.JobStatusFailed); err != nil {
			slog.Error("Processor.tryEmailFallback: mark failed failed", "jobID", job.ID, "error", err)
		}
		return
	}

	reference := fmt.Sprintf("sms_fallback_%d", job.ID)
	payload := models.Payload{
		"to":            fallbackEmail,
		"subject":       job.Payload.StringOr("subject", "SMS Fallback Notification"),
		"body":          job.Payload.String("body"),
		"source_job_id": job.ID,
	}
	if _, _, err := p.deps.Store.InsertJob(ctx, models.NewJob{
		TenantID:        job.TenantID,
		Type:            models.JobTypeSendEmail,
		Payload:         payload,
		SourceReference: reference,
	}); err != nil {
		slog.Error("Processor.tryEmailFallback: insert fallback job failed", "jobID", job.ID, "error", err)
		if err := p.deps.Store.MarkJobFailed(ctx, job.ID, fmt.Sprintf("SMS failed after retries: %v", cause), models.JobStatusFailed); err != nil {
			slog.Error("Processor.tryEmailFallback: mark failed failed", "jobID", job.ID, "error", err)
		}
		return
	}

	diagnostic := fmt.Sprintf("SMS failed but fallback email scheduled for %s", fallbackEmail)
	if err := p.deps.Store.MarkJobFailed(ctx, job.ID, diagnostic, models.JobStatusFailedFallbackEmail); err != nil {
		slog.Error("Processor.tryEmailFallback: mark failed failed", "jobID", job.ID, "error", err)
	}
	slog.Warn("Processor.tryEmailFallback: created fallback email job", "jobID", job.ID, "tenantID", job.TenantID)
}
