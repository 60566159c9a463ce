// Copyright 2025 James Ross
// Package broadcast fans out per-job status events to NATS subjects and to
// any process-local subscriber, so operators watching a job's progress get
// the same sequence of running/finished/completion events whether they listen
// on NATS or subscribe in-process. A local subscriber receives only events
// published after it subscribed; earlier events are not replayed.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Status names the lifecycle events a job or entity batch can emit.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is the JSON payload published for every status transition.
type Event struct {
	TenantID   string    `json:"tenant_id"`
	JobID      string    `json:"job_id"`
	Provider   string    `json:"provider"`
	TableName  string    `json:"table_name,omitempty"`
	ExternalID *string   `json:"external_id,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

func subject(tenantID, jobID string) string {
	return fmt.Sprintf("etl.status.%s.%s", tenantID, jobID)
}

// Broadcaster publishes status events to NATS and to any local subscriber
// channel registered for a job, best-effort and non-blocking on both paths.
type Broadcaster struct {
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string][]chan Event
}

// New wraps an already-connected NATS client. nc may be nil, in which case
// publishing only reaches local subscribers — useful for tests and for
// single-process deployments that don't run NATS.
func New(nc *nats.Conn, log *zap.Logger) *Broadcaster {
	return &Broadcaster{nc: nc, log: log, subs: make(map[string][]chan Event)}
}

// Publish sends ev to NATS (if configured) and to every local subscriber for
// (ev.TenantID, ev.JobID). Both sends are fire-and-forget: a slow or absent
// subscriber never blocks the worker that produced the event.
func (b *Broadcaster) Publish(ev Event) {
	if b.nc != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			b.log.Warn("marshal status event", zap.Error(err))
		} else if err := b.nc.Publish(subject(ev.TenantID, ev.JobID), payload); err != nil {
			b.log.Warn("publish status event", zap.String("subject", subject(ev.TenantID, ev.JobID)), zap.Error(err))
		}
	}

	b.mu.RLock()
	chans := append([]chan Event(nil), b.subs[subject(ev.TenantID, ev.JobID)]...)
	b.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			b.log.Warn("dropped status event, subscriber channel full",
				zap.String("tenant_id", ev.TenantID), zap.String("job_id", ev.JobID))
		}
	}
}

// Subscribe registers a buffered channel to receive every event published
// for (tenantID, jobID) from this point forward. Call the returned cancel
// func to unregister and close the channel.
func (b *Broadcaster) Subscribe(tenantID, jobID string) (<-chan Event, func()) {
	key := subject(tenantID, jobID)
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[key]
		for i, c := range subs {
			if c == ch {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
		close(ch)
	}
	return ch, cancel
}
