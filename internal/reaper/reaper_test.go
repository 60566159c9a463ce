// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReaper(t *testing.T) (*Reaper, *redis.Client, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := sqlx.NewDb(sqlDB, "postgres")

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Heartbeat.TTL = 50 * time.Millisecond

	log := zap.NewNop()
	qm, err := queue.NewManager(cfg, rdb, log)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE raw_extraction_data").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE etl_jobs SET status = 'FAILED'").WillReturnResult(sqlmock.NewResult(0, 0))

	return New(cfg, qm, db, log), rdb, mock
}

func TestScanOnceRequeuesProcessingListWithoutHeartbeat(t *testing.T) {
	rep, rdb, _ := newTestReaper(t)
	ctx := context.Background()

	plist := "etl:basic:transform:processing:dead-worker"
	require.NoError(t, rdb.LPush(ctx, plist, `{"message_id":"m1"}`).Err())

	rep.scanOnce(ctx)

	n, err := rdb.LLen(ctx, queue.QueueName("basic", queue.StageTransform)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "abandoned message should be requeued onto the origin queue")

	remaining, err := rdb.LLen(ctx, plist).Result()
	require.NoError(t, err)
	require.Zero(t, remaining, "processing list should be drained")
}

func TestScanOnceLeavesProcessingListWithLiveHeartbeat(t *testing.T) {
	rep, rdb, _ := newTestReaper(t)
	ctx := context.Background()

	plist := "etl:basic:transform:processing:live-worker"
	require.NoError(t, rdb.LPush(ctx, plist, `{"message_id":"m1"}`).Err())
	require.NoError(t, rep.qm.Heartbeat(ctx, "basic", queue.StageTransform, "live-worker"))

	rep.scanOnce(ctx)

	remaining, err := rdb.LLen(ctx, plist).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining, "a live worker's in-flight message must not be touched")

	n, err := rdb.LLen(ctx, queue.QueueName("basic", queue.StageTransform)).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestScanOnceIgnoresMalformedProcessingListKeys(t *testing.T) {
	rep, rdb, _ := newTestReaper(t)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, "etl:processing:garbage", "x").Err())

	require.NotPanics(t, func() { rep.scanOnce(ctx) })
}
