// Copyright 2025 James Ross
// Package embed consumes the tier embedding queue, computes and stores a
// vector for each canonical entity, and sequences the running/finished/
// completed status broadcasts a job's subscribers watch. The completion
// marker message (ExternalID nil, LastJobItem true) finalizes the job
// itself rather than embedding anything.
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/broadcast"
	"github.com/flyingrobots/etl-sync-pipeline/internal/checkpoint"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// VectorStore computes and persists an embedding for one canonical entity.
// Concrete implementations (OpenAI, a local model server, a vector DB
// client) live outside this package; embed only needs this seam.
type VectorStore interface {
	Store(ctx context.Context, tenantID, tableName, externalID string) error
}

const maxStoreAttempts = 3

// Worker claims an embedding message, routes it through a VectorStore with
// retry, and broadcasts its lifecycle events.
type Worker struct {
	cfg         *config.Config
	db          *sqlx.DB
	vectors     VectorStore
	status      *broadcast.Broadcaster
	checkpoints *checkpoint.Store
	log         *zap.Logger
}

func NewWorker(cfg *config.Config, db *sqlx.DB, vectors VectorStore, status *broadcast.Broadcaster, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, db: db, vectors: vectors, status: status, checkpoints: checkpoint.NewStore(db), log: log}
}

func (w *Worker) Process(ctx context.Context, raw []byte) error {
	var msg queue.EmbeddingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return etlerr.AsFatal(fmt.Errorf("decode embedding message: %w", err))
	}

	// A completion marker with first_item=true still emits a running
	// broadcast: a job whose transform stage produced nothing but the
	// marker itself (e.g. an empty GitHub repo) still needs a "running"
	// event before "completed", or subscribers that only ever see
	// "completed" assume the job never started.
	if msg.FirstItem {
		w.status.Publish(broadcast.Event{
			TenantID: msg.TenantID, JobID: msg.JobID, Provider: msg.Provider,
			TableName: msg.TableName, ExternalID: msg.ExternalID,
			Status: broadcast.StatusRunning, At: time.Now(),
		})
	}

	if msg.IsCompletionMarker() {
		return w.finishJob(ctx, msg)
	}

	if err := w.storeWithRetry(ctx, msg); err != nil {
		if msg.EntryID != "" {
			_ = store.MarkEmbeddingEntry(ctx, w.db, msg.EntryID, store.RawStatusFailed)
		}
		w.status.Publish(broadcast.Event{
			TenantID: msg.TenantID, JobID: msg.JobID, Provider: msg.Provider,
			TableName: msg.TableName, ExternalID: msg.ExternalID,
			Status: broadcast.StatusFailed, Message: err.Error(), At: time.Now(),
		})
		if etlerr.Classify(err) == etlerr.Fatal {
			if failErr := store.FailJob(ctx, w.db, msg.JobID, etlerr.FailureMessage(err)); failErr != nil {
				w.log.Warn("fail job after fatal embedding error", zap.String("job_id", msg.JobID), zap.Error(failErr))
			}
		}
		return err
	}

	if msg.EntryID != "" {
		if err := store.MarkEmbeddingEntry(ctx, w.db, msg.EntryID, store.RawStatusDone); err != nil {
			return etlerr.AsTransient(err)
		}
	}

	if msg.LastItem {
		w.status.Publish(broadcast.Event{
			TenantID: msg.TenantID, JobID: msg.JobID, Provider: msg.Provider,
			TableName: msg.TableName, ExternalID: msg.ExternalID,
			Status: broadcast.StatusFinished, At: time.Now(),
		})
	}

	if msg.LastJobItem {
		return w.finishJob(ctx, msg)
	}
	return nil
}

func (w *Worker) storeWithRetry(ctx context.Context, msg queue.EmbeddingMessage) error {
	if msg.ExternalID == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= maxStoreAttempts; attempt++ {
		lastErr = w.vectors.Store(ctx, msg.TenantID, msg.TableName, *msg.ExternalID)
		if lastErr == nil {
			return nil
		}
		w.log.Warn("vector store attempt failed",
			zap.Int("attempt", attempt), zap.String("table", msg.TableName), zap.Error(lastErr))
		if attempt < maxStoreAttempts {
			time.Sleep(backoff(attempt))
		}
	}
	return etlerr.AsFatal(fmt.Errorf("store embedding for %s/%s after %d attempts: %w",
		msg.TableName, *msg.ExternalID, maxStoreAttempts, lastErr))
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
}

// finishJob is idempotent: a redelivered completion marker re-running this
// only repeats the FinishJob/AdvanceLastSyncAt/Clear no-ops against an
// already-DONE job.
func (w *Worker) finishJob(ctx context.Context, msg queue.EmbeddingMessage) error {
	if err := store.FinishJob(ctx, w.db, msg.JobID, store.JobStatusDone); err != nil {
		return etlerr.AsTransient(fmt.Errorf("finish job %s: %w", msg.JobID, err))
	}
	if err := store.AdvanceLastSyncAt(ctx, w.db, msg.IntegrationID, time.Now()); err != nil {
		return etlerr.AsTransient(fmt.Errorf("advance last sync for %s: %w", msg.IntegrationID, err))
	}
	if err := w.checkpoints.Clear(ctx, msg.JobID); err != nil {
		return etlerr.AsTransient(fmt.Errorf("clear checkpoint for %s: %w", msg.JobID, err))
	}
	w.status.Publish(broadcast.Event{
		TenantID: msg.TenantID, JobID: msg.JobID, Provider: msg.Provider,
		Status: broadcast.StatusCompleted, At: time.Now(),
	})
	return nil
}
