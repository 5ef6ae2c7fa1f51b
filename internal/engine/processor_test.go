package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/waldenltd/communication-agent/internal/messaging"
	"github.com/waldenltd/communication-agent/internal/models"
)

// fakeJobStore is an in-memory JobStore recording every transition.
type fakeJobStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[int64]*models.Job)}
}

func (s *fakeJobStore) add(job models.Job) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	job.CreatedAt = time.Now().Add(time.Duration(s.nextID) * time.Millisecond)
	s.jobs[job.ID] = &job
	return &job
}

func (s *fakeJobStore) get(id int64) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeJobStore) ClaimPendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var claimed []models.Job
	for id := int64(1); id <= s.nextID && len(claimed) < limit; id++ {
		j, ok := s.jobs[id]
		if !ok || j.Status != models.JobStatusPending || j.ProcessAfter.After(now) {
			continue
		}
		j.Status = models.JobStatusProcessing
		lockedAt := now
		j.LockedAt = &lockedAt
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *fakeJobStore) MarkJobComplete(ctx context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobStatusComplete
	j.LastError = note
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

func (s *fakeJobStore) RescheduleJob(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = status
	j.RetryCount = retryCount
	j.ProcessAfter = processAfter
	j.LastError = lastError
	j.LockedAt = nil
	return nil
}

func (s *fakeJobStore) MarkJobFailed(ctx context.Context, id int64, lastError string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = status
	j.LastError = lastError
	j.LockedAt = nil
	return nil
}

func (s *fakeJobStore) InsertJob(ctx context.Context, job models.NewJob) (int64, bool, error) {
	s.mu.Lock()
	reference := job.SourceReference
	if reference != "" {
		for _, existing := range s.jobs {
			if existing.TenantID == job.TenantID && existing.Type == job.Type && existing.SourceReference == reference {
				switch existing.Status {
				case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusComplete:
					s.mu.Unlock()
					return existing.ID, false, nil
				}
			}
		}
	}
	s.mu.Unlock()
	maxRetries := 3
	if job.MaxRetries != nil {
		maxRetries = *job.MaxRetries
	}
	inserted := s.add(models.Job{
		TenantID:        job.TenantID,
		Type:            job.Type,
		Payload:         job.Payload,
		Status:          models.JobStatusPending,
		MaxRetries:      maxRetries,
		SourceReference: reference,
	})
	return inserted.ID, true, nil
}

func (s *fakeJobStore) RequeueStaleProcessingJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == models.JobStatusProcessing && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = models.JobStatusPending
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// fakeDirectory serves tenant configs and customer contacts from maps.
type fakeDirectory struct {
	configs   map[string]*models.TenantConfig
	customers map[int64]*models.CustomerContact
}

func (d *fakeDirectory) GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	cfg, ok := d.configs[tenantID]
	if !ok {
		return nil, fmt.Errorf("missing tenant config for tenant %s", tenantID)
	}
	return cfg, nil
}

func (d *fakeDirectory) FetchCustomerContact(ctx context.Context, tenantID string, customerID int64) (*models.CustomerContact, error) {
	return d.customers[customerID], nil
}

func (d *fakeDirectory) GetContactPreference(ctx context.Context, tenantID string, customerID int64) (string, error) {
	c := d.customers[customerID]
	if c == nil {
		return "", nil
	}
	return c.ContactPreference, nil
}

func (d *fakeDirectory) FindFallbackEmail(ctx context.Context, tenantID string, customerID int64) (string, error) {
	c := d.customers[customerID]
	if c == nil {
		return "", nil
	}
	return c.Email, nil
}

func testTenantConfig() *models.TenantConfig {
	return &models.TenantConfig{
		TenantID:         "t1",
		TwilioSID:        "AC123",
		TwilioAuthToken:  "token",
		TwilioFromNumber: "+15550000000",
		SendgridKey:      "sg-key",
		SendgridFrom:     "noreply@dealer.example",
	}
}

type processorFixture struct {
	store     *fakeJobStore
	directory *fakeDirectory
	email     *messaging.MockEmail
	sms       *messaging.MockSMS
	processor *Processor
}

func newFixture(cfg Config) *processorFixture {
	f := &processorFixture{
		store: newFakeJobStore(),
		directory: &fakeDirectory{
			configs:   map[string]*models.TenantConfig{"t1": testTenantConfig()},
			customers: map[int64]*models.CustomerContact{},
		},
		email: &messaging.MockEmail{},
		sms:   &messaging.MockSMS{},
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Minute
	}
	f.processor = NewProcessor(Deps{
		Store:   f.store,
		Tenants: f.directory,
		Email:   f.email,
		SMS:     f.sms,
	}, cfg)
	return f
}

func TestHappyPathEmail(t *testing.T) {
	f := newFixture(Config{})
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 3,
	})

	f.processor.Start()
	waitFor(t, func() bool { return f.store.get(job.ID).Status == models.JobStatusComplete })
	f.processor.Stop()

	got := f.store.get(job.ID)
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if f.email.SentCount() != 1 {
		t.Errorf("sent %d emails, want 1", f.email.SentCount())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(Config{})
	transient := errors.New("connection reset")
	f.email.Errs = []error{transient, transient, nil}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 3,
	})
	ctx := context.Background()

	// First attempt fails: retry_count advances to 1, job back to pending.
	claimAndRun(t, f, ctx)
	got := f.store.get(job.ID)
	if got.Status != models.JobStatusPending || got.RetryCount != 1 {
		t.Fatalf("after attempt 1: status=%s retryCount=%d, want pending/1", got.Status, got.RetryCount)
	}
	if got.LastError != transient.Error() {
		t.Errorf("last_error = %q, want %q", got.LastError, transient.Error())
	}

	// Second attempt fails: retry_count 2.
	resetProcessAfter(f.store, job.ID)
	claimAndRun(t, f, ctx)
	got = f.store.get(job.ID)
	if got.Status != models.JobStatusPending || got.RetryCount != 2 {
		t.Fatalf("after attempt 2: status=%s retryCount=%d, want pending/2", got.Status, got.RetryCount)
	}

	// Third attempt succeeds.
	resetProcessAfter(f.store, job.ID)
	claimAndRun(t, f, ctx)
	got = f.store.get(job.ID)
	if got.Status != models.JobStatusComplete {
		t.Fatalf("after attempt 3: status=%s, want complete", got.Status)
	}
	if f.email.SentCount() != 1 {
		t.Errorf("sent %d emails, want 1", f.email.SentCount())
	}
}

func TestQuietHoursDeferral(t *testing.T) {
	f := newFixture(Config{})
	f.directory.configs["t1"].QuietHoursStart = "21:00"
	f.directory.configs["t1"].QuietHoursEnd = "08:00"
	f.processor.clock = func() time.Time {
		return time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	got := f.store.get(job.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("deferral must not touch retry_count, got %d", got.RetryCount)
	}
	if got.LastError != "Deferred for quiet hours" {
		t.Errorf("last_error = %q", got.LastError)
	}
	want := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !got.ProcessAfter.Equal(want) {
		t.Errorf("process_after = %v, want %v", got.ProcessAfter, want)
	}
	if f.email.SentCount() != 0 {
		t.Error("deferred job must not send")
	}
}

func TestQuietHoursUrgentBypass(t *testing.T) {
	f := newFixture(Config{})
	f.directory.configs["t1"].QuietHoursStart = "21:00"
	f.directory.configs["t1"].QuietHoursEnd = "08:00"
	f.processor.clock = func() time.Time {
		return time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x", "urgent": true},
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	if got := f.store.get(job.ID); got.Status != models.JobStatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if f.email.SentCount() != 1 {
		t.Errorf("sent %d emails, want 1", f.email.SentCount())
	}
}

func TestSMSEmailFallback(t *testing.T) {
	f := newFixture(Config{})
	f.sms.Err = errors.New("undeliverable")
	f.directory.customers[42] = &models.CustomerContact{ID: 42, Email: "customer@x.example"}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendSMS,
		Payload:    models.Payload{"to": "+15551234567", "body": "hello", "customer_id": float64(42)},
		RetryCount: 2,
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	got := f.store.get(job.ID)
	if got.Status != models.JobStatusFailedFallbackEmail {
		t.Fatalf("status = %s, want failed_fallback_email", got.Status)
	}

	wantRef := fmt.Sprintf("sms_fallback_%d", job.ID)
	var fallback *models.Job
	f.store.mu.Lock()
	for _, j := range f.store.jobs {
		if j.SourceReference == wantRef {
			fallback = j
		}
	}
	f.store.mu.Unlock()
	if fallback == nil {
		t.Fatalf("no fallback job with source reference %s", wantRef)
	}
	if fallback.Type != models.JobTypeSendEmail {
		t.Errorf("fallback type = %s, want send_email", fallback.Type)
	}
	if to := fallback.Payload.String("to"); to != "customer@x.example" {
		t.Errorf("fallback to = %q", to)
	}
	if subject := fallback.Payload.String("subject"); subject != "SMS Fallback Notification" {
		t.Errorf("fallback subject = %q", subject)
	}
	if body := fallback.Payload.String("body"); body != "hello" {
		t.Errorf("fallback body = %q", body)
	}
}

func TestSMSFallbackWithoutEmail(t *testing.T) {
	f := newFixture(Config{})
	f.sms.Err = errors.New("undeliverable")
	f.directory.customers[42] = &models.CustomerContact{ID: 42}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendSMS,
		Payload:    models.Payload{"to": "+15551234567", "body": "hello", "customer_id": float64(42)},
		RetryCount: 2,
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	got := f.store.get(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if want := "SMS failed, no fallback email for customer 42"; got.LastError != want {
		t.Errorf("last_error = %q, want %q", got.LastError, want)
	}
}

func TestFallbackNotDuplicated(t *testing.T) {
	f := newFixture(Config{})
	f.sms.Err = errors.New("undeliverable")
	f.directory.customers[42] = &models.CustomerContact{ID: 42, Email: "customer@x.example"}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendSMS,
		Payload:    models.Payload{"to": "+15551234567", "body": "hello", "customer_id": float64(42)},
		RetryCount: 2,
		MaxRetries: 3,
	})
	ctx := context.Background()

	// Re-entering the failure path must not fan out a second email.
	f.processor.handleJobFailure(ctx, job, errors.New("undeliverable"))
	f.processor.handleJobFailure(ctx, job, errors.New("undeliverable"))

	wantRef := fmt.Sprintf("sms_fallback_%d", job.ID)
	count := 0
	f.store.mu.Lock()
	for _, j := range f.store.jobs {
		if j.SourceReference == wantRef {
			count++
		}
	}
	f.store.mu.Unlock()
	if count != 1 {
		t.Errorf("fallback jobs = %d, want 1", count)
	}
}

func TestZeroMaxRetriesFailsImmediately(t *testing.T) {
	f := newFixture(Config{})
	f.email.Err = errors.New("rejected")
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 0,
	})

	claimAndRun(t, f, context.Background())

	if got := f.store.get(job.ID); got.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed after single attempt", got.Status)
	}
}

func TestNotifyCustomerOptOut(t *testing.T) {
	f := newFixture(Config{})
	f.directory.customers[7] = &models.CustomerContact{
		ID:                7,
		Email:             "c@x.example",
		Phone:             "+15550001111",
		ContactPreference: models.ContactPreferenceDoNotContact,
	}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeNotifyCustomer,
		Payload:    models.Payload{"customer_id": float64(7), "body": "hi"},
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	got := f.store.get(job.ID)
	if got.Status != models.JobStatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.LastError != optOutReason {
		t.Errorf("skip reason = %q, want %q", got.LastError, optOutReason)
	}
	if f.email.SentCount() != 0 || f.sms.SentCount() != 0 {
		t.Error("opted-out customer must not be contacted")
	}
}

func TestNotifyCustomerChannelResolution(t *testing.T) {
	f := newFixture(Config{})
	f.directory.customers[8] = &models.CustomerContact{ID: 8, Phone: "+15550002222"}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeNotifyCustomer,
		Payload:    models.Payload{"customer_id": float64(8), "body": "hi"},
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	if got := f.store.get(job.ID); got.Status != models.JobStatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if f.sms.SentCount() != 1 {
		t.Errorf("sent %d SMS, want 1 (channel derived from phone presence)", f.sms.SentCount())
	}
}

func TestNotifyCustomerMissingContactDatum(t *testing.T) {
	f := newFixture(Config{})
	f.directory.customers[9] = &models.CustomerContact{ID: 9, Email: "c@x.example"}
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeNotifyCustomer,
		Payload:    models.Payload{"customer_id": float64(9), "body": "hi", "preferred_channel": "sms"},
		MaxRetries: 1,
	})

	claimAndRun(t, f, context.Background())

	got := f.store.get(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError != "customer is missing a phone number" {
		t.Errorf("last_error = %q", got.LastError)
	}
}

func TestClaimZeroTouchesNothing(t *testing.T) {
	f := newFixture(Config{MaxConcurrentJobs: 1})
	f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 3,
	})

	jobs, err := f.store.ClaimPendingJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claim(0) returned %d jobs", len(jobs))
	}
}

func TestStopStartResumesWithoutRedelivery(t *testing.T) {
	f := newFixture(Config{})
	job := f.store.add(models.Job{
		TenantID:   "t1",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		MaxRetries: 3,
	})

	f.processor.Start()
	waitFor(t, func() bool { return f.store.get(job.ID).Status == models.JobStatusComplete })
	f.processor.Stop()

	f.processor.Start()
	time.Sleep(50 * time.Millisecond)
	f.processor.Stop()

	if f.email.SentCount() != 1 {
		t.Errorf("sent %d emails after restart, want 1 (no re-delivery of complete jobs)", f.email.SentCount())
	}
}

func TestUnknownTenantFailsJob(t *testing.T) {
	f := newFixture(Config{})
	job := f.store.add(models.Job{
		TenantID:   "ghost",
		Type:       models.JobTypeSendEmail,
		Payload:    models.Payload{"to": "a@b", "subject": "Hi", "body": "x"},
		RetryCount: 2,
		MaxRetries: 3,
	})

	claimAndRun(t, f, context.Background())

	if got := f.store.get(job.ID); got.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

// claimAndRun claims due jobs and runs them synchronously.
func claimAndRun(t *testing.T, f *processorFixture, ctx context.Context) {
	t.Helper()
	jobs, err := f.store.ClaimPendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) == 0 {
		t.Fatal("no jobs claimed")
	}
	for i := range jobs {
		f.processor.runJob(ctx, &jobs[i])
	}
}

// resetProcessAfter makes a rescheduled job immediately due again.
func resetProcessAfter(s *fakeJobStore, id int64) {
	s.mu.Lock()
	s.jobs[id].ProcessAfter = time.Now().Add(-time.Second)
	s.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
