// Copyright 2025 James Ross
package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversToLocalSubscriber(t *testing.T) {
	b := New(nil, zap.NewNop())
	ch, cancel := b.Subscribe("tenant-1", "job-1")
	defer cancel()

	b.Publish(Event{TenantID: "tenant-1", JobID: "job-1", Status: StatusRunning, At: time.Now()})

	select {
	case ev := <-ch:
		require.Equal(t, StatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossJobBoundary(t *testing.T) {
	b := New(nil, zap.NewNop())
	ch, cancel := b.Subscribe("tenant-1", "job-1")
	defer cancel()

	b.Publish(Event{TenantID: "tenant-1", JobID: "job-2", Status: StatusRunning, At: time.Now()})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for a different job: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithNoSubscriberDoesNotBlock(t *testing.T) {
	b := New(nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		b.Publish(Event{TenantID: "tenant-1", JobID: "job-1", Status: StatusFinished, At: time.Now()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestCancelUnregistersSubscriber(t *testing.T) {
	b := New(nil, zap.NewNop())
	_, cancel := b.Subscribe("tenant-1", "job-1")
	cancel()

	b.mu.RLock()
	_, ok := b.subs[subject("tenant-1", "job-1")]
	b.mu.RUnlock()
	require.False(t, ok, "subscriber map entry should be removed once empty")
}
