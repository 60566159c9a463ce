// Copyright 2025 James Ross
package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/checkpoint"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newJiraTestExtractor(t *testing.T, baseURL string) (*JiraExtractor, sqlmock.Sqlmock, *redis.Client) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "postgres")

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Queue.PublishRetries = 1
	cfg.Queue.Backoff.Base = time.Millisecond
	cfg.Jira.PageSize = 2
	cfg.Jira.BaseURL = baseURL
	cfg.Jira.RequestTimeout = 5 * time.Second

	log, _ := zap.NewDevelopment()
	qm, err := queue.NewManager(cfg, rdb, log)
	if err != nil {
		t.Fatal(err)
	}
	ckpt := checkpoint.NewStore(db)
	tenants := tenant.NewCache(db, time.Minute)
	return NewJiraExtractor(cfg, db, qm, ckpt, tenants, log), mock, rdb
}

func expectIntegrationAndCheckpoint(mock sqlmock.Sqlmock, integID, tenantID string) {
	mock.ExpectQuery("SELECT \\* FROM integrations").WithArgs(integID).WillReturnRows(
		sqlmock.NewRows([]string{"id", "tenant_id", "provider", "settings", "created_at", "updated_at"}).
			AddRow(integID, tenantID, string(store.ProviderJira), []byte("{}"), time.Now(), time.Now()))
	mock.ExpectQuery("SELECT checkpoint_data FROM etl_jobs").WillReturnRows(
		sqlmock.NewRows([]string{"checkpoint_data"}).AddRow([]byte("{}")))
}

func TestJiraWorkItemsSinglePageCompletesStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values":[{"key":"ISSUE-1"}],"total":1,"startAt":0,"maxResults":2}`)
	}))
	defer srv.Close()

	e, mock, rdb := newJiraTestExtractor(t, srv.URL)
	ctx := context.Background()
	expectIntegrationAndCheckpoint(mock, "integ-1", "tenant-1")

	mock.ExpectQuery("INSERT INTO raw_extraction_data").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("raw-1"))
	mock.ExpectQuery("SELECT tier FROM tenants").WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(store.TierFree)))
	mock.ExpectExec("UPDATE etl_jobs SET checkpoint_data").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.ExtractionMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "jira"},
		Kind:     "work_items", FirstItem: true,
	}
	require.NoError(t, e.Process(ctx, msg))

	n, err := rdb.LLen(ctx, queue.QueueName("free", queue.StageTransform)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "expected one transform message")

	n, err = rdb.LLen(ctx, queue.QueueName("free", queue.StageExtraction)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "expected the next step published")
}

func TestJiraWorkItemsMultiPageRepublishesSameStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values":[{"key":"ISSUE-1"},{"key":"ISSUE-2"}],"total":5,"startAt":0,"maxResults":2}`)
	}))
	defer srv.Close()

	e, mock, rdb := newJiraTestExtractor(t, srv.URL)
	ctx := context.Background()
	expectIntegrationAndCheckpoint(mock, "integ-1", "tenant-1")

	mock.ExpectQuery("INSERT INTO raw_extraction_data").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow("raw-1"))
	mock.ExpectQuery("SELECT tier FROM tenants").WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(store.TierFree)))
	mock.ExpectExec("UPDATE etl_jobs SET checkpoint_data").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.ExtractionMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "jira"},
		Kind:     "work_items", FirstItem: true,
	}
	require.NoError(t, e.Process(ctx, msg))

	n, err := rdb.LLen(ctx, queue.QueueName("free", queue.StageExtraction)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "expected same-step continuation published")

	raw, err := rdb.LIndex(ctx, queue.QueueName("free", queue.StageExtraction), 0).Result()
	require.NoError(t, err)
	require.Contains(t, raw, `"kind":"work_items"`)
}

func TestJiraAuthErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errorMessages":["not authorized"]}`)
	}))
	defer srv.Close()

	e, mock, _ := newJiraTestExtractor(t, srv.URL)
	ctx := context.Background()
	expectIntegrationAndCheckpoint(mock, "integ-1", "tenant-1")

	msg := queue.ExtractionMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "jira"},
		Kind:     "work_items", FirstItem: true,
	}
	err := e.Process(ctx, msg)
	require.Error(t, err)
}
