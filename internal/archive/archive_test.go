// Copyright 2025 James Ross
package archive

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDisabledSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "postgres")

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Archive.Enabled = false

	s, err := NewSweeper(cfg, db, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestNewSweeperNoopsWhenDisabled(t *testing.T) {
	s, _ := newDisabledSweeper(t)
	require.Nil(t, s.ch, "a disabled sweeper must not dial clickhouse")
	require.NoError(t, s.Close())
}

func TestRunReturnsImmediatelyWhenDisabled(t *testing.T) {
	s, _ := newDisabledSweeper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run should return immediately when archiving is disabled, not wait for ctx cancellation")
	}
}

func TestSweepOnceSkipsExportWhenNothingArchivable(t *testing.T) {
	s, mock := newDisabledSweeper(t)
	mock.ExpectQuery("SELECT \\* FROM raw_extraction_data").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "integration_id", "job_id", "table_name", "type",
			"external_id", "payload", "first_item", "last_item", "last_job_item",
			"status", "attempts", "claimed_at", "created_at",
		}))

	require.NoError(t, s.sweepOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
