// Copyright 2025 James Ross
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/etl-sync-pipeline/internal/broadcast"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVectorStore struct {
	failUntil int
	calls     int
	lastErr   error
}

func (f *fakeVectorStore) Store(ctx context.Context, tenantID, tableName, externalID string) error {
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("boom")
	}
	return f.lastErr
}

func newTestEmbedWorker(t *testing.T, vectors VectorStore) (*Worker, sqlmock.Sqlmock, *broadcast.Broadcaster) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "postgres")

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)

	log := zap.NewNop()
	status := broadcast.New(nil, log)
	return NewWorker(cfg, db, vectors, status, log), mock, status
}

func marshal(t *testing.T, msg queue.EmbeddingMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func strp(s string) *string { return &s }

func TestProcessStoresEntityAndMarksDone(t *testing.T) {
	w, mock, status := newTestEmbedWorker(t, &fakeVectorStore{})
	ch, cancel := status.Subscribe("tenant-1", "job-1")
	defer cancel()

	mock.ExpectExec("UPDATE embedding_queue SET status").WithArgs("eq-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.EmbeddingMessage{
		Envelope:   queue.Envelope{TenantID: "tenant-1", JobID: "job-1", Provider: "jira"},
		EntryID:    "eq-1",
		TableName:  "jira_work_items",
		ExternalID: strp("ISSUE-1"),
		FirstItem:  true,
		LastItem:   true,
	}
	require.NoError(t, w.Process(context.Background(), marshal(t, msg)))

	running := <-ch
	require.Equal(t, broadcast.StatusRunning, running.Status)
	finished := <-ch
	require.Equal(t, broadcast.StatusFinished, finished.Status)
}

func TestProcessRetriesVectorStoreBeforeFailing(t *testing.T) {
	vectors := &fakeVectorStore{failUntil: 2}
	w, mock, _ := newTestEmbedWorker(t, vectors)

	mock.ExpectExec("UPDATE embedding_queue SET status").WithArgs("eq-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.EmbeddingMessage{
		Envelope:   queue.Envelope{TenantID: "tenant-1", JobID: "job-1", Provider: "jira"},
		EntryID:    "eq-1",
		TableName:  "jira_work_items",
		ExternalID: strp("ISSUE-1"),
	}
	require.NoError(t, w.Process(context.Background(), marshal(t, msg)))
	require.Equal(t, 3, vectors.calls, "should succeed on the third attempt")
}

func TestProcessFailsAfterThreeAttempts(t *testing.T) {
	vectors := &fakeVectorStore{failUntil: 99}
	w, mock, status := newTestEmbedWorker(t, vectors)
	ch, cancel := status.Subscribe("tenant-1", "job-1")
	defer cancel()

	mock.ExpectExec("UPDATE embedding_queue SET status").WithArgs("eq-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.EmbeddingMessage{
		Envelope:   queue.Envelope{TenantID: "tenant-1", JobID: "job-1", Provider: "jira"},
		EntryID:    "eq-1",
		TableName:  "jira_work_items",
		ExternalID: strp("ISSUE-1"),
	}
	err := w.Process(context.Background(), marshal(t, msg))
	require.Error(t, err)
	require.Equal(t, 3, vectors.calls)

	failed := <-ch
	require.Equal(t, broadcast.StatusFailed, failed.Status)
}

func TestProcessCompletionMarkerFinalizesJob(t *testing.T) {
	w, mock, status := newTestEmbedWorker(t, &fakeVectorStore{})
	ch, cancel := status.Subscribe("tenant-1", "job-1")
	defer cancel()

	mock.ExpectExec("UPDATE etl_jobs SET status").WithArgs("job-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE integrations SET last_sync_at").WithArgs("integ-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE etl_jobs SET checkpoint_data").WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.EmbeddingMessage{
		Envelope:    queue.Envelope{TenantID: "tenant-1", JobID: "job-1", IntegrationID: "integ-1", Provider: "github"},
		FirstItem:   true,
		LastItem:    true,
		LastJobItem: true,
	}
	require.NoError(t, w.Process(context.Background(), marshal(t, msg)))

	running := <-ch
	require.Equal(t, broadcast.StatusRunning, running.Status, "a completion marker with first_item still announces running")
	completed := <-ch
	require.Equal(t, broadcast.StatusCompleted, completed.Status)
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	require.Less(t, backoff(1), backoff(2))
	require.Less(t, backoff(2), backoff(3))
	require.Equal(t, 200*time.Millisecond, backoff(1))
}
