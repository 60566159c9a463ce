// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ClaimDueJobs atomically moves up to limit PENDING/FAILED jobs whose due_at
// has passed into RUNNING, using SKIP LOCKED so multiple scheduler replicas
// never double-claim the same job.
func ClaimDueJobs(ctx context.Context, db *sqlx.DB, limit int) ([]ETLJob, error) {
	const q = `
		UPDATE etl_jobs
		SET status = 'RUNNING', started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM etl_jobs
			WHERE status IN ('PENDING', 'FAILED') AND due_at <= now()
			ORDER BY due_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`
	var jobs []ETLJob
	if err := db.SelectContext(ctx, &jobs, q, limit); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return jobs, nil
}

// ClaimRawRow moves one raw_extraction_data row from pending to processing,
// the compare-and-swap the transform stage uses instead of a separate lock:
// a row with status<>'pending' means another transform worker already has it.
func ClaimRawRow(ctx context.Context, db *sqlx.DB, id string) (*RawExtractionData, error) {
	const q = `
		UPDATE raw_extraction_data
		SET status = 'processing', claimed_at = now(), attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
		RETURNING *`
	var row RawExtractionData
	if err := db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim raw row %s: %w", id, err)
	}
	return &row, nil
}

// MarkRawRow transitions a claimed raw row to its terminal status.
func MarkRawRow(ctx context.Context, db *sqlx.DB, id string, status RawStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE raw_extraction_data SET status = $2 WHERE id = $1`, id, status)
	return err
}

// FinishJob marks a job DONE, stamps finished_at, and resets the retry state
// a prior FAILED attempt may have left behind: retry_count back to 0,
// error_message cleared. Callers whose job failed should use FailJob instead.
func FinishJob(ctx context.Context, db *sqlx.DB, jobID string, status JobStatus) error {
	_, err := db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = $2, finished_at = now(), updated_at = now(),
		    retry_count = 0, error_message = NULL
		WHERE id = $1`,
		jobID, status)
	return err
}

// FailJob transitions a job to FAILED, preserving checkpoint_data so the next
// attempt can resume from it. It increments retry_count, records errMsg, and
// reschedules due_at by the job's own retry_interval_minutes rather than its
// normal schedule_interval_minutes, giving a failed job a faster retry
// cadence than its regular sync period.
func FailJob(ctx context.Context, db *sqlx.DB, jobID string, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'FAILED',
		    finished_at = now(),
		    updated_at = now(),
		    retry_count = retry_count + 1,
		    error_message = $2,
		    due_at = now() + (retry_interval_minutes || ' minutes')::interval
		WHERE id = $1`,
		jobID, errMsg)
	return err
}

// ResetStuckRawRows reclaims raw_extraction_data rows that have sat in
// 'processing' longer than olderThan, most likely because the worker that
// claimed them crashed before marking them done.
func ResetStuckRawRows(ctx context.Context, db *sqlx.DB, olderThan time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE raw_extraction_data
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stuck raw rows: %w", err)
	}
	return res.RowsAffected()
}

// RescheduleDoneJobs flips DONE recurring jobs back to PENDING with a due_at
// advanced by their own schedule interval, so a tenant's sync keeps running on
// its configured cadence without a separate cron entry per job.
func RescheduleDoneJobs(ctx context.Context, db *sqlx.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'PENDING',
		    due_at = now() + (schedule_interval_minutes || ' minutes')::interval,
		    started_at = NULL,
		    finished_at = NULL,
		    updated_at = now()
		WHERE status = 'DONE' AND schedule_interval_minutes > 0`)
	if err != nil {
		return 0, fmt.Errorf("reschedule done jobs: %w", err)
	}
	return res.RowsAffected()
}

// AdvanceLastSyncAt stamps an integration's last_sync_at after a job
// finishes successfully, called by the embedding stage on the completion
// marker rather than by extraction or transform.
func AdvanceLastSyncAt(ctx context.Context, db *sqlx.DB, integrationID string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE integrations SET last_sync_at = $2, updated_at = now() WHERE id = $1`, integrationID, at)
	return err
}

// GetIntegration fetches an integration row, used by the scheduler to resolve
// which provider a claimed job belongs to before dispatching its first
// extraction message.
func GetIntegration(ctx context.Context, db *sqlx.DB, id string) (*Integration, error) {
	var in Integration
	if err := db.GetContext(ctx, &in, `SELECT * FROM integrations WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("get integration %s: %w", id, err)
	}
	return &in, nil
}

// FailStuckJobs fails RUNNING jobs that have exceeded
// scheduleIntervalMultiplier * their own schedule interval since started_at,
// the DB-side complement to the Redis-side reaper's dead-worker requeue. This
// is a backstop for a worker that crashed without ever classifying an error
// (so no Fatal-step handler ever called FailJob), not the primary failure
// path — a classified Fatal error should fail the job immediately instead of
// waiting for this timeout.
func FailStuckJobs(ctx context.Context, db *sqlx.DB, scheduleIntervalMultiplier int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'FAILED',
		    finished_at = now(),
		    updated_at = now(),
		    retry_count = retry_count + 1,
		    error_message = 'stuck: no progress within timeout',
		    due_at = now() + (retry_interval_minutes || ' minutes')::interval
		WHERE status = 'RUNNING'
		  AND started_at IS NOT NULL
		  AND started_at < now() - (schedule_interval_minutes * $1 || ' minutes')::interval`,
		scheduleIntervalMultiplier)
	if err != nil {
		return 0, fmt.Errorf("fail stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReplayFailedJob resets a FAILED job back to PENDING and due immediately,
// the operator-triggered recovery path for a job the automatic reschedule
// in RescheduleDoneJobs never covers because that only ever fires for DONE
// jobs. Returns sql.ErrNoRows if jobID isn't currently FAILED.
func ReplayFailedJob(ctx context.Context, db *sqlx.DB, jobID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'PENDING', due_at = now(), started_at = NULL, finished_at = NULL,
		    error_message = NULL, updated_at = now()
		WHERE id = $1 AND status = 'FAILED'`,
		jobID)
	if err != nil {
		return fmt.Errorf("replay failed job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replay failed job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("replay failed job %s: %w", jobID, sql.ErrNoRows)
	}
	return nil
}
