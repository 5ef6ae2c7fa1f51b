package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
)

// ClaimPendingJobs claims up to limit due jobs inside one transaction.
// The store's single connection serializes concurrent claimers within the
// process.
func (s *SQLiteStore) ClaimPendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM communication_jobs
		 WHERE status = 'pending' AND process_after <= ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs query failed: %w", err)
	}

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim pending jobs iteration failed: %w", err)
	}
	rows.Close()

	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	args := make([]any, 0, len(jobs)+2)
	args = append(args, now, now)
	placeholders := make([]string, len(jobs))
	for i, j := range jobs {
		placeholders[i] = "?"
		args = append(args, j.ID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE communication_jobs SET status = 'processing', locked_at = ?, updated_at = ?
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("mark jobs processing failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending jobs commit failed: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = models.JobStatusProcessing
		lockedAt := now
		jobs[i].LockedAt = &lockedAt
		jobs[i].UpdatedAt = now
	}
	slog.Debug("SQLiteStore.ClaimPendingJobs", "claimed", len(jobs))
	return jobs, nil
}

// MarkJobComplete records a successful (or intentionally skipped) job.
func (s *SQLiteStore) MarkJobComplete(ctx context.Context, id int64, note string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'complete', completed_at = ?, updated_at = ?, last_error = ?, locked_at = NULL
		 WHERE id = ?`,
		now, now, nilIfEmpty(note), id,
	)
	if err != nil {
		return fmt.Errorf("mark job complete failed: %w", err)
	}
	return nil
}

// RescheduleJob returns a job to the queue for retry or quiet-hour deferral.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status models.JobStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = ?, retry_count = ?, process_after = ?, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(status), retryCount, processAfter.UTC(), nilIfEmpty(lastError), now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

// MarkJobFailed records a terminal failure.
func (s *SQLiteStore) MarkJobFailed(ctx context.Context, id int64, lastError string, status models.JobStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = ?, last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(status), nilIfEmpty(lastError), now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job failed failed: %w", err)
	}
	return nil
}

// InsertJob inserts a new pending job, short-circuiting when a pending,
// processing, or complete row already exists for the same (tenant, type,
// source_reference).
func (s *SQLiteStore) InsertJob(ctx context.Context, job models.NewJob) (int64, bool, error) {
	reference := job.SourceReference
	if reference == "" {
		reference = job.Payload.String("source_reference")
	}

	if reference != "" {
		var existingID int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM communication_jobs
			 WHERE tenant_id = ? AND job_type = ? AND source_reference = ?
			   AND status IN ('pending', 'processing', 'complete')
			 LIMIT 1`,
			job.TenantID, string(job.Type), reference,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.InsertJob: dedupe hit", "sourceReference", reference, "existingID", existingID)
			return existingID, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	payloadRaw, err := encodePayload(job.Payload, reference)
	if err != nil {
		return 0, false, err
	}

	now := time.Now().UTC()
	processAfter := job.ProcessAfter
	if processAfter.IsZero() {
		processAfter = now
	}
	maxRetries := s.defaultMaxRetries
	if job.MaxRetries != nil {
		maxRetries = *job.MaxRetries
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO communication_jobs
		   (tenant_id, job_type, payload, status, retry_count, max_retries, process_after, source_reference, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
		job.TenantID, string(job.Type), string(payloadRaw), maxRetries, processAfter.UTC(), nilIfEmpty(reference), now, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert job failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert job id failed: %w", err)
	}
	slog.Debug("SQLiteStore.InsertJob", "id", id, "tenantID", job.TenantID, "jobType", job.Type, "sourceReference", reference)
	return id, true, nil
}

// CancelJob marks a pending job cancelled.
func (s *SQLiteStore) CancelJob(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

// RequeueStaleProcessingJobs returns processing rows locked since before
// staleBefore to pending.
func (s *SQLiteStore) RequeueStaleProcessingJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'pending', locked_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND locked_at < ?`,
		now, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleProcessingJobs", "requeued", n)
	}
	return int(n), nil
}
