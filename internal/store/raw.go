// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// InsertRawRow persists one page of provider output as the durable handoff
// between extraction and transform. The row starts in RawStatusPending so a
// transform worker can claim it with ClaimRawRow.
func InsertRawRow(ctx context.Context, db *sqlx.DB, row RawExtractionData) (string, error) {
	const q = `
		INSERT INTO raw_extraction_data
			(tenant_id, integration_id, job_id, table_name, type, external_id, payload,
			 first_item, last_item, last_job_item, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	var id string
	err := db.GetContext(ctx, &id, q,
		row.TenantID, row.IntegrationID, row.JobID, row.TableName, row.Type, row.ExternalID,
		row.Payload, row.FirstItem, row.LastItem, row.LastJobItem, RawStatusPending)
	if err != nil {
		return "", fmt.Errorf("insert raw row (job=%s type=%s): %w", row.JobID, row.Type, err)
	}
	return id, nil
}

// GetRawRow fetches a raw extraction row by id, used by the transform stage
// after claiming it and by sibling-row lookups for GitHub's nested-completion
// check.
func GetRawRow(ctx context.Context, db *sqlx.DB, id string) (*RawExtractionData, error) {
	var row RawExtractionData
	if err := db.GetContext(ctx, &row, `SELECT * FROM raw_extraction_data WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("get raw row %s: %w", id, err)
	}
	return &row, nil
}

// CountPendingSiblings reports how many raw rows for the same job and PR
// external_id are still pending or processing, the lookup the GitHub
// transform stage uses to decide whether every nested child connection for a
// PR has finished before emitting that PR's embedding.
func CountPendingSiblings(ctx context.Context, db *sqlx.DB, jobID, externalID string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `
		SELECT count(*) FROM raw_extraction_data
		WHERE job_id = $1 AND external_id = $2 AND status IN ('pending', 'processing')`,
		jobID, externalID)
	if err != nil {
		return 0, fmt.Errorf("count pending siblings for %s/%s: %w", jobID, externalID, err)
	}
	return n, nil
}

// CountPendingRawRows reports how many raw rows for a job are still pending
// or processing, regardless of external_id. The GitHub extractor uses this
// alongside CountPendingSiblings to confirm every PR in a job - not just the
// one just finished - has drained before emitting the job's completion
// marker.
func CountPendingRawRows(ctx context.Context, db *sqlx.DB, jobID string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `
		SELECT count(*) FROM raw_extraction_data
		WHERE job_id = $1 AND status IN ('pending', 'processing') AND type != 'github_completion_marker'`,
		jobID)
	if err != nil {
		return 0, fmt.Errorf("count pending raw rows for %s: %w", jobID, err)
	}
	return n, nil
}

// SelectArchivableRawRows fetches up to limit done raw rows created before
// olderThan, the candidate set the archive sweep copies into cold storage
// before deleting them from Postgres.
func SelectArchivableRawRows(ctx context.Context, db *sqlx.DB, olderThan time.Time, limit int) ([]RawExtractionData, error) {
	var rows []RawExtractionData
	err := db.SelectContext(ctx, &rows, `
		SELECT * FROM raw_extraction_data
		WHERE status = 'done' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("select archivable raw rows: %w", err)
	}
	return rows, nil
}

// DeleteRawRows removes rows by id once the archive sweep has confirmed they
// were copied into cold storage.
func DeleteRawRows(ctx context.Context, db *sqlx.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, `DELETE FROM raw_extraction_data WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete archived raw rows: %w", err)
	}
	return res.RowsAffected()
}

// MarkEmbeddingEntry transitions a queued embedding entry to its terminal
// status once the embedding worker has stored or failed to store its vector.
func MarkEmbeddingEntry(ctx context.Context, db *sqlx.DB, id string, status RawStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE embedding_queue SET status = $2 WHERE id = $1`, id, status)
	return err
}

// InsertEmbeddingQueueEntry records that a canonical row has been queued for
// embedding, independent of the Redis message so the record survives a crash
// between transform commit and embedding publish. The reaper does not scan
// these entries.
func InsertEmbeddingQueueEntry(ctx context.Context, db *sqlx.DB, e EmbeddingQueueEntry) (string, error) {
	const q = `
		INSERT INTO embedding_queue
			(tenant_id, job_id, table_name, type, external_id, first_item, last_item, last_job_item, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	var id string
	err := db.GetContext(ctx, &id, q,
		e.TenantID, e.JobID, e.TableName, e.Type, e.ExternalID, e.FirstItem, e.LastItem, e.LastJobItem, RawStatusPending)
	if err != nil {
		return "", fmt.Errorf("insert embedding queue entry (job=%s table=%s): %w", e.JobID, e.TableName, err)
	}
	return id, nil
}
