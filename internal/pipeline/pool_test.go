// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*queue.Manager, *redis.Client) {
	t.Helper()
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
	cfg.Queue.BRPopTimeout = 100 * time.Millisecond
	cfg.Queue.PublishRetries = 1
	cfg.Queue.Backoff.Base = time.Millisecond
	log, _ := zap.NewDevelopment()
	mgr, err := queue.NewManager(cfg, rdb, log)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, rdb
}

func TestRunAcksOnSuccess(t *testing.T) {
	mgr, rdb := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	msg := queue.TransformMessage{Envelope: queue.Envelope{MessageID: "m1", TenantID: "t1", IntegrationID: "i1", JobID: "j1"}, RawID: "r1"}
	if err := mgr.Publish(ctx, "free", queue.StageTransform, msg); err != nil {
		t.Fatal(err)
	}

	var handled int32
	log, _ := zap.NewDevelopment()
	done := make(chan struct{})
	go func() {
		Run(ctx, mgr, "free", queue.StageTransform, 1, func(ctx context.Context, raw []byte) error {
			atomic.AddInt32(&handled, 1)
			return nil
		}, log)
		close(done)
	}()
	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("expected handler called once, got %d", handled)
	}
	n, err := rdb.LLen(context.Background(), queue.QueueName("free", queue.StageTransform)).Result()
	if err != nil || n != 0 {
		t.Fatalf("expected queue drained after ack, got %d (err=%v)", n, err)
	}
}

func TestRunDeadLettersFatalError(t *testing.T) {
	mgr, rdb := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	msg := queue.TransformMessage{Envelope: queue.Envelope{MessageID: "m2", TenantID: "t1", IntegrationID: "i1", JobID: "j1"}, RawID: "r2"}
	if err := mgr.Publish(ctx, "free", queue.StageTransform, msg); err != nil {
		t.Fatal(err)
	}

	log, _ := zap.NewDevelopment()
	done := make(chan struct{})
	go func() {
		Run(ctx, mgr, "free", queue.StageTransform, 1, func(ctx context.Context, raw []byte) error {
			return etlerr.AsFatal(context.DeadlineExceeded)
		}, log)
		close(done)
	}()
	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	n, err := rdb.LLen(context.Background(), queue.DeadLetterName("free", queue.StageTransform)).Result()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d (err=%v)", n, err)
	}
}
