// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *redis.Client, *miniredis.Miniredis) {
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
	cfg.Queue.BRPopTimeout = 200 * time.Millisecond
	cfg.Queue.PublishRetries = 1
	cfg.Queue.Backoff.Base = time.Millisecond
	log, _ := zap.NewDevelopment()
	mgr, err := NewManager(cfg, rdb, log)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, rdb, mr
}

func TestPublishConsumeAckRoundTrip(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	msg := TransformMessage{
		Envelope: Envelope{MessageID: "m1", TenantID: "t1", IntegrationID: "i1", JobID: "j1"},
		RawID:    "raw-1",
	}
	if err := mgr.Publish(ctx, "free", StageTransform, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := mgr.Consume(ctx, "free", StageTransform, "worker-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d == nil {
		t.Fatal("expected a message, got nil")
	}
	if d.Expired {
		t.Fatal("freshly published message should not be expired")
	}
	if err := mgr.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	msg := TransformMessage{Envelope: Envelope{MessageID: "m1"}} // missing tenant/integration/job/raw_id
	if err := mgr.Publish(ctx, "free", StageTransform, msg); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestNackRequeuesOrDeadLetters(t *testing.T) {
	mgr, rdb, _ := newTestManager(t)
	ctx := context.Background()

	msg := TransformMessage{
		Envelope: Envelope{MessageID: "m2", TenantID: "t1", IntegrationID: "i1", JobID: "j1"},
		RawID:    "raw-2",
	}
	if err := mgr.Publish(ctx, "basic", StageTransform, msg); err != nil {
		t.Fatal(err)
	}
	d, err := mgr.Consume(ctx, "basic", StageTransform, "worker-1")
	if err != nil || d == nil {
		t.Fatalf("consume: %v", err)
	}
	if err := mgr.Nack(ctx, "basic", StageTransform, d, false); err != nil {
		t.Fatalf("nack: %v", err)
	}
	n, err := rdb.LLen(ctx, DeadLetterName("basic", StageTransform)).Result()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d (err=%v)", n, err)
	}
}

func TestConsumeTimesOutWithoutMessage(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	d, err := mgr.Consume(context.Background(), "free", StageExtraction, "worker-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d != nil {
		t.Fatal("expected nil dequeue result on timeout")
	}
}
