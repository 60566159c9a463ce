// Copyright 2025 James Ross
// Package pipeline runs the consume-handle-ack/nack worker loop shared by the
// extraction, transform, and embedding stages, so each stage only supplies
// its own message handler and worker count.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"go.uber.org/zap"
)

// Handler processes one raw message body. Its returned error is classified
// via etlerr to decide requeue (Transient) vs dead-letter (Fatal/unclassified
// defaults to Transient, the safer choice for at-least-once delivery).
type Handler func(ctx context.Context, raw []byte) error

// Run starts workers goroutines consuming tier's stage queue until ctx is
// canceled, and blocks until they've all exited.
func Run(ctx context.Context, qm *queue.Manager, tier string, stage queue.Stage, workers int, handle Handler, log *zap.Logger) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%s-%d", tier, stage, i)
		go func() {
			defer wg.Done()
			runOne(ctx, qm, tier, stage, workerID, handle, log)
		}()
	}
	wg.Wait()
}

// startHeartbeat announces workerID's liveness on an interval so the reaper
// can tell a worker that's merely slow from one that's crashed mid-message,
// and returns a func that stops the background goroutine.
func startHeartbeat(ctx context.Context, qm *queue.Manager, tier string, stage queue.Stage, workerID string, log *zap.Logger) func() {
	if err := qm.Heartbeat(ctx, tier, stage, workerID); err != nil {
		log.Warn("heartbeat failed", obs.String("tier", tier), obs.String("stage", string(stage)), obs.Err(err))
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(qm.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := qm.Heartbeat(ctx, tier, stage, workerID); err != nil {
					log.Warn("heartbeat failed", obs.String("tier", tier), obs.String("stage", string(stage)), obs.Err(err))
				}
			}
		}
	}()
	return func() { close(stop) }
}

func runOne(ctx context.Context, qm *queue.Manager, tier string, stage queue.Stage, workerID string, handle Handler, log *zap.Logger) {
	stopHeartbeat := startHeartbeat(ctx, qm, tier, stage, workerID, log)
	defer stopHeartbeat()

	for ctx.Err() == nil {
		d, err := qm.Consume(ctx, tier, stage, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("consume error", obs.String("tier", tier), obs.String("stage", string(stage)), obs.Err(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if d == nil {
			continue // BRPOP timeout, nothing waiting
		}
		if d.Expired {
			_ = qm.Ack(ctx, d)
			log.Debug("dropped expired message", obs.String("tier", tier), obs.String("stage", string(stage)))
			continue
		}

		start := time.Now()
		perr := handle(ctx, []byte(d.Raw))
		obs.StageProcessingDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

		if perr == nil {
			if err := qm.Ack(ctx, d); err != nil {
				log.Warn("ack failed", obs.Err(err))
			}
			continue
		}

		requeue := etlerr.Classify(perr) != etlerr.Fatal
		if err := qm.Nack(ctx, tier, stage, d, requeue); err != nil {
			log.Warn("nack failed", obs.Err(err))
		}
		log.Warn("message processing failed", obs.String("tier", tier), obs.String("stage", string(stage)), obs.Bool("requeued", requeue), obs.Err(perr))
	}
}
