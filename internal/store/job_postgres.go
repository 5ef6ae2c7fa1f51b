package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waldenltd/communication-agent/internal/models"
)

// ClaimPendingJobs atomically claims up to limit due jobs. The inner select
// uses FOR UPDATE SKIP LOCKED so two workers polling simultaneously never
// receive the same row; select, lock, and status update commit as one
// statement-level transaction.
func (s *PostgresStore) ClaimPendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'processing', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM communication_jobs
		   WHERE status = 'pending' AND process_after <= $1
		   ORDER BY created_at ASC, id ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending jobs iteration failed: %w", err)
	}
	if len(jobs) > 0 {
		slog.Debug("PostgresStore.ClaimPendingJobs", "claimed", len(jobs))
	}
	return jobs, nil
}

// MarkJobComplete records a successful (or intentionally skipped) job.
func (s *PostgresStore) MarkJobComplete(ctx context.Context, id int64, note string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'complete', completed_at = $1, updated_at = $1, last_error = $2, locked_at = NULL
		 WHERE id = $3`,
		now, nilIfEmpty(note), id,
	)
	if err != nil {
		return fmt.Errorf("mark job complete failed: %w", err)
	}
	return nil
}

// RescheduleJob returns a job to the queue for retry or quiet-hour deferral.
func (s *PostgresStore) RescheduleJob(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status models.JobStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = $1, retry_count = $2, process_after = $3, last_error = $4, locked_at = NULL, updated_at = $5
		 WHERE id = $6`,
		string(status), retryCount, processAfter.UTC(), nilIfEmpty(lastError), now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

// MarkJobFailed records a terminal failure.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, id int64, lastError string, status models.JobStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = $1, last_error = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
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
func (s *PostgresStore) InsertJob(ctx context.Context, job models.NewJob) (int64, bool, error) {
	reference := job.SourceReference
	if reference == "" {
		reference = job.Payload.String("source_reference")
	}

	if reference != "" {
		var existingID int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM communication_jobs
			 WHERE tenant_id = $1 AND job_type = $2 AND source_reference = $3
			   AND status IN ('pending', 'processing', 'complete')
			 LIMIT 1`,
			job.TenantID, string(job.Type), reference,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.InsertJob: dedupe hit", "sourceReference", reference, "existingID", existingID)
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

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO communication_jobs
		   (tenant_id, job_type, payload, status, retry_count, max_retries, process_after, source_reference, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $7, $7)
		 RETURNING id`,
		job.TenantID, string(job.Type), string(payloadRaw), maxRetries, processAfter.UTC(), nilIfEmpty(reference), now,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert job failed: %w", err)
	}
	slog.Debug("PostgresStore.InsertJob", "id", id, "tenantID", job.TenantID, "jobType", job.Type, "sourceReference", reference)
	return id, true, nil
}

// CancelJob marks a pending job cancelled.
func (s *PostgresStore) CancelJob(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'cancelled', updated_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

// RequeueStaleProcessingJobs returns processing rows locked since before
// staleBefore to pending. Recovers rows orphaned by a crashed handler.
func (s *PostgresStore) RequeueStaleProcessingJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE communication_jobs
		 SET status = 'pending', locked_at = NULL, updated_at = $1
		 WHERE status = 'processing' AND locked_at < $2`,
		now, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleProcessingJobs", "requeued", n)
	}
	return int(n), nil
}
