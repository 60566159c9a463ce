// Copyright 2025 James Ross
package transform

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T) (*Worker, sqlmock.Sqlmock, *redis.Client) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "postgres")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Transform.BatchSize = 100

	log, _ := zap.NewDevelopment()
	qm, err := queue.NewManager(cfg, rdb, log)
	require.NoError(t, err)
	tenants := tenant.NewCache(db, time.Minute)
	return NewWorker(cfg, db, qm, tenants, log), mock, rdb
}

func rawRowColumns() []string {
	return []string{
		"id", "tenant_id", "integration_id", "job_id", "table_name", "type",
		"external_id", "payload", "first_item", "last_item", "last_job_item",
		"status", "attempts", "claimed_at", "created_at",
	}
}

func expectClaimAndTier(mock sqlmock.Sqlmock, row []driverValue, tier store.TenantTier) {
	rows := sqlmock.NewRows(rawRowColumns())
	rows.AddRow(row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7], row[8], row[9], row[10], "processing", 1, nil, time.Now())
	mock.ExpectQuery("UPDATE raw_extraction_data").WillReturnRows(rows)
	mock.ExpectQuery("SELECT tier FROM tenants").WillReturnRows(
		sqlmock.NewRows([]string{"tier"}).AddRow(string(tier)))
}

// driverValue is just an alias so expectClaimAndTier's call sites read as a
// plain positional row without importing database/sql/driver directly.
type driverValue = interface{}

func TestProcessSkipsAlreadyClaimedRow(t *testing.T) {
	w, mock, _ := newTestWorker(t)
	ctx := context.Background()

	mock.ExpectQuery("UPDATE raw_extraction_data").WillReturnRows(sqlmock.NewRows(rawRowColumns()))

	msg := queue.TransformMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", JobID: "job-1"},
		RawID:    "raw-1",
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, raw))
}

func TestProcessUnknownRowTypeFailsTheRow(t *testing.T) {
	w, mock, _ := newTestWorker(t)
	ctx := context.Background()

	expectClaimAndTier(mock, []driverValue{
		"raw-1", "tenant-1", "integ-1", "job-1", "mystery", "mystery",
		nil, []byte(`{}`), true, true, false,
	}, store.TierFree)
	mock.ExpectExec("UPDATE raw_extraction_data SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.TransformMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", JobID: "job-1"},
		RawID:    "raw-1",
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Error(t, w.Process(ctx, raw))
}

func TestProcessJiraWorkItemsUpsertsAndEmitsEmbedding(t *testing.T) {
	w, mock, rdb := newTestWorker(t)
	ctx := context.Background()

	payload := []byte(`{"values":[{"key":"ISSUE-1"}]}`)
	expectClaimAndTier(mock, []driverValue{
		"raw-1", "tenant-1", "integ-1", "job-1", "jira_work_items", "jira_work_items",
		strPtrTest("ISSUE-1"), payload, true, true, false,
	}, store.TierFree)
	mock.ExpectExec("INSERT INTO jira_work_items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO embedding_queue").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("eq-1"))
	mock.ExpectExec("UPDATE raw_extraction_data SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.TransformMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "jira"},
		RawID:    "raw-1",
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, raw))

	n, err := rdb.LLen(ctx, queue.QueueName("free", queue.StageEmbedding)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestProcessLastJobItemAlsoEmitsJobCompletion(t *testing.T) {
	w, mock, rdb := newTestWorker(t)
	ctx := context.Background()

	expectClaimAndTier(mock, []driverValue{
		"raw-1", "tenant-1", "integ-1", "job-1", "github_completion_marker", "github_completion_marker",
		nil, []byte(`{}`), false, true, true,
	}, store.TierFree)
	mock.ExpectQuery("INSERT INTO embedding_queue").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("eq-1"))
	mock.ExpectExec("UPDATE raw_extraction_data SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.TransformMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "github"},
		RawID:    "raw-1",
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, raw))

	n, err := rdb.LLen(ctx, queue.QueueName("free", queue.StageEmbedding)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "completion marker row itself carries no canonical data, only the job-completion message")

	raws, err := rdb.LRange(ctx, queue.QueueName("free", queue.StageEmbedding), 0, -1).Result()
	require.NoError(t, err)
	require.Contains(t, raws[0], `"last_job_item":true`)
}

func strPtrTest(s string) *string { return &s }
