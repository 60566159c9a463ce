// Copyright 2025 James Ross
// Package store implements the relational layer: the Tenant/Integration/ETL
// Job/Raw Extraction Data tables, canonical entity bulk upserts, and the
// compare-and-swap claim queries the scheduler and transform stage use to
// coordinate work without a separate lock manager.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONColumn adapts an arbitrary JSON-serializable value to database/sql,
// letting callers treat a jsonb column as a typed Go value instead of raw
// bytes at every call site.
type JSONColumn[T any] struct {
	Value T
}

func (j JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Value)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONColumn[T]) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONColumn.Scan: unsupported type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &j.Value)
}

type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierBasic      TenantTier = "basic"
	TierPremium    TenantTier = "premium"
	TierEnterprise TenantTier = "enterprise"
)

type Tenant struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	Tier      TenantTier `db:"tier"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

type IntegrationProvider string

const (
	ProviderJira   IntegrationProvider = "jira"
	ProviderGitHub IntegrationProvider = "github"
)

type Integration struct {
	ID         string                     `db:"id"`
	TenantID   string                     `db:"tenant_id"`
	Provider   IntegrationProvider        `db:"provider"`
	Settings   JSONColumn[map[string]any] `db:"settings"`
	LastSyncAt *time.Time                 `db:"last_sync_at"`
	CreatedAt  time.Time                  `db:"created_at"`
	UpdatedAt  time.Time                  `db:"updated_at"`
}


type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
)

// ETLJob is one scheduled sync run for a tenant's integration. CheckpointData
// is an opaque, provider-defined blob the extraction stage reads on resume
// and writes on every cursor advance; the scheduler and reaper only ever
// inspect Status and timestamps, never the blob's shape.
//
// RetryIntervalMinutes governs the due_at cadence while Status is FAILED,
// instead of ScheduleIntervalMinutes: a job that just failed should be
// retried soon, not wait out its normal sync period. RetryCount increments
// on every FAILED transition and resets to 0 on DONE. ErrorMessage carries
// the last failure's cause and is cleared on DONE.
type ETLJob struct {
	ID                      string                     `db:"id"`
	TenantID                string                     `db:"tenant_id"`
	IntegrationID           string                     `db:"integration_id"`
	Status                  JobStatus                  `db:"status"`
	ScheduleIntervalMinutes int                        `db:"schedule_interval_minutes"`
	RetryIntervalMinutes    int                        `db:"retry_interval_minutes"`
	RetryCount              int                        `db:"retry_count"`
	ErrorMessage            *string                    `db:"error_message"`
	DueAt                   time.Time                  `db:"due_at"`
	StartedAt               *time.Time                 `db:"started_at"`
	FinishedAt              *time.Time                 `db:"finished_at"`
	CheckpointData          JSONColumn[map[string]any] `db:"checkpoint_data"`
	CreatedAt               time.Time                  `db:"created_at"`
	UpdatedAt               time.Time                  `db:"updated_at"`
}

type RawStatus string

const (
	RawStatusPending    RawStatus = "pending"
	RawStatusProcessing RawStatus = "processing"
	RawStatusDone       RawStatus = "done"
	RawStatusFailed     RawStatus = "failed"
)

// RawExtractionData is a single page or entity batch an extractor wrote,
// awaiting transform. TableName/Type identify which canonical parser and
// embedding route it belongs to (mirrors the original SOURCE_TYPE_MAPPING).
type RawExtractionData struct {
	ID            string                    `db:"id"`
	TenantID      string                    `db:"tenant_id"`
	IntegrationID string                    `db:"integration_id"`
	JobID         string                    `db:"job_id"`
	TableName     string                    `db:"table_name"`
	Type          string                    `db:"type"`
	ExternalID    *string                   `db:"external_id"`
	Payload       JSONColumn[map[string]any] `db:"payload"`
	FirstItem     bool                      `db:"first_item"`
	LastItem      bool                      `db:"last_item"`
	LastJobItem   bool                      `db:"last_job_item"`
	Status        RawStatus                 `db:"status"`
	Attempts      int                       `db:"attempts"`
	ClaimedAt     *time.Time                `db:"claimed_at"`
	CreatedAt     time.Time                 `db:"created_at"`
}

// EmbeddingQueueEntry is the durable record of a canonical row queued for
// vector embedding, kept independent of the Redis queue so the record
// survives a crash between transform commit and embedding publish. The
// reaper does not scan this table.
type EmbeddingQueueEntry struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	JobID       string    `db:"job_id"`
	TableName   string    `db:"table_name"`
	Type        string    `db:"type"`
	ExternalID  *string   `db:"external_id"`
	FirstItem   bool      `db:"first_item"`
	LastItem    bool      `db:"last_item"`
	LastJobItem bool      `db:"last_job_item"`
	Status      RawStatus `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}
