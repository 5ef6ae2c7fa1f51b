// Package scheduler runs the proactive sweeps that refill the job queue:
// service reminders, appointment confirmations, and invoice reminders.
//
// Daily sweeps are anchored to an hour of day (UTC) with cron; the
// appointment sweep runs on a fixed interval. Every task runs once
// immediately on start. Deduplication is entirely the store's
// source-reference check; sweeps recompute candidates every run and let the
// store reject duplicates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waldenltd/communication-agent/internal/models"
	"github.com/waldenltd/communication-agent/internal/template"
)

// Default sweep timing, overridable through Config.
const (
	DefaultServiceReminderHourUTC          = 14
	DefaultInvoiceReminderHourUTC          = 13
	DefaultAppointmentConfirmationInterval = time.Hour
)

// JobQueue is the slice of the central store the scheduler writes to.
type JobQueue interface {
	InsertJob(ctx context.Context, job models.NewJob) (int64, bool, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// CandidateSource finds sweep candidates in tenant DMS databases.
type CandidateSource interface {
	ServiceReminderCandidates(ctx context.Context, tenantID string) ([]models.ServiceReminderCandidate, error)
	AppointmentsInConfirmationWindow(ctx context.Context, tenantID string) ([]models.AppointmentCandidate, error)
	PastDueInvoices(ctx context.Context, tenantID string) ([]models.InvoiceCandidate, error)
}

// Config holds sweep timing.
type Config struct {
	ServiceReminderHourUTC          int
	InvoiceReminderHourUTC          int
	AppointmentConfirmationInterval time.Duration
}

// Scheduler owns the periodic sweep tasks.
type Scheduler struct {
	queue    JobQueue
	source   CandidateSource
	renderer template.Renderer // optional; nil uses built-in copy
	cfg      Config
	clock    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	tasksWG sync.WaitGroup
}

// New creates a scheduler. renderer may be nil; sweeps then use their
// built-in message copy.
func New(queue JobQueue, source CandidateSource, renderer template.Renderer, cfg Config) *Scheduler {
	if cfg.ServiceReminderHourUTC < 0 || cfg.ServiceReminderHourUTC > 23 {
		cfg.ServiceReminderHourUTC = DefaultServiceReminderHourUTC
	}
	if cfg.InvoiceReminderHourUTC < 0 || cfg.InvoiceReminderHourUTC > 23 {
		cfg.InvoiceReminderHourUTC = DefaultInvoiceReminderHourUTC
	}
	if cfg.AppointmentConfirmationInterval <= 0 {
		cfg.AppointmentConfirmationInterval = DefaultAppointmentConfirmationInterval
	}
	return &Scheduler{
		queue:    queue,
		source:   source,
		renderer: renderer,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Start launches all sweep tasks. Each runs once immediately, then on its
// schedule. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Standard 5-field cron in UTC, with panic recovery per entry.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	s.mustAddCronTask(fmt.Sprintf("0 %d * * *", s.cfg.ServiceReminderHourUTC), "service-reminders", func() {
		s.safeRun(ctx, "service-reminders", s.runServiceReminders)
	})
	s.mustAddCronTask(fmt.Sprintf("0 %d * * *", s.cfg.InvoiceReminderHourUTC), "invoice-reminders", func() {
		s.safeRun(ctx, "invoice-reminders", s.runInvoiceReminders)
	})
	s.cron.Start()

	s.tasksWG.Add(1)
	go s.runInterval(ctx, "appointment-confirmations", s.cfg.AppointmentConfirmationInterval, s.runAppointmentConfirmations)

	// Catch-up pass so a restart never waits a full day for the next
	// anchored run.
	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		s.safeRun(ctx, "service-reminders", s.runServiceReminders)
		s.safeRun(ctx, "invoice-reminders", s.runInvoiceReminders)
	}()

	slog.Info("Scheduler.Start: sweeps scheduled",
		"serviceReminderHourUTC", s.cfg.ServiceReminderHourUTC,
		"invoiceReminderHourUTC", s.cfg.InvoiceReminderHourUTC,
		"appointmentConfirmationInterval", s.cfg.AppointmentConfirmationInterval)
}

// Stop halts all sweep tasks and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	cronRunner := s.cron
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	s.tasksWG.Wait()
	slog.Info("Scheduler.Stop: sweeps stopped")
}

func (s *Scheduler) mustAddCronTask(expr, name string, task func()) {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		// Expressions are built from validated hours; a failure here is a
		// programming error.
		panic(fmt.Sprintf("scheduler: invalid cron expression %q for %s: %v", expr, name, err))
	}
}

// runInterval runs a sweep immediately, then on every interval tick until
// the scheduler stops.
func (s *Scheduler) runInterval(ctx context.Context, name string, interval time.Duration, task func(context.Context) error) {
	defer s.tasksWG.Done()
	s.safeRun(ctx, name, task)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx, name, task)
		}
	}
}

// safeRun isolates one task execution; a failing sweep never affects the
// others or its own next run.
func (s *Scheduler) safeRun(ctx context.Context, name string, task func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := task(ctx); err != nil {
		slog.Error("Scheduler.safeRun: scheduled task failed", "task", name, "error", err)
	}
}

// daysPastDue computes whole days elapsed since dueDate, rounded up.
func daysPastDue(now, dueDate time.Time) int {
	if dueDate.IsZero() || !now.After(dueDate) {
		return 0
	}
	return int(math.Ceil(now.Sub(dueDate).Hours() / 24))
}
