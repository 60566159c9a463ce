//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/reaper"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// TestPipelineRoundTripAgainstRealRedis publishes a transform message,
// consumes it under a worker id that never acks, and confirms the reaper
// requeues it onto the origin queue once the worker's heartbeat lapses.
// This exercises the actual BRPopLPush/heartbeat/reap path against a real
// Redis server instead of miniredis's in-memory approximation.
func TestPipelineRoundTripAgainstRealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, redisAddr := startRedisContainer(t, ctx)
	defer redisC.Terminate(ctx)
	pgC, pgDSN := startPostgresContainer(t, ctx)
	defer pgC.Terminate(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	db, err := sqlx.Connect("postgres", pgDSN)
	require.NoError(t, err)
	defer db.Close()

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Heartbeat.TTL = 150 * time.Millisecond
	cfg.Reaper.ScanInterval = 100 * time.Millisecond

	log := zap.NewNop()
	qm, err := queue.NewManager(cfg, rdb, log)
	require.NoError(t, err)

	require.NoError(t, qm.Publish(ctx, "basic", queue.StageTransform, queue.TransformMessage{
		Envelope: queue.Envelope{MessageID: "m1", TenantID: "tenant-1", IntegrationID: "integ-1", JobID: "job-1", Provider: "jira"},
		RawID:    "raw-1",
	}))

	dq, err := qm.Consume(ctx, "basic", queue.StageTransform, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, dq)

	rep := reaper.New(cfg, qm, db, log)
	repCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go rep.Run(repCtx)

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, queue.QueueName("basic", queue.StageTransform)).Result()
		return err == nil && n == 1
	}, 2*time.Second, 50*time.Millisecond, "reaper should requeue the abandoned message")
}

func startRedisContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return container, endpoint
}

func startPostgresContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "etl",
			"POSTGRES_PASSWORD": "etl",
			"POSTGRES_DB":       "etl_sync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return container, "postgres://etl:etl@" + endpoint + "/etl_sync?sslmode=disable"
}
