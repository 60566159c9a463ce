// Copyright 2025 James Ross
// Package transform consumes the tier transform queue, claims one raw
// extraction row at a time, parses it by type into canonical entities,
// bulk-upserts them, and enqueues an embedding message per affected entity.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Worker claims and transforms one raw_extraction_data row per call,
// suitable as a pipeline.Handler.
type Worker struct {
	cfg     *config.Config
	db      *sqlx.DB
	qm      *queue.Manager
	tenants *tenant.Cache
	log     *zap.Logger
}

func NewWorker(cfg *config.Config, db *sqlx.DB, qm *queue.Manager, tenants *tenant.Cache, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, db: db, qm: qm, tenants: tenants, log: log}
}

func (w *Worker) Process(ctx context.Context, raw []byte) error {
	var msg queue.TransformMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return etlerr.AsFatal(fmt.Errorf("decode transform message: %w", err))
	}

	row, err := store.ClaimRawRow(ctx, w.db, msg.RawID)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	if row == nil {
		// Already claimed or completed by an earlier delivery of this message.
		return nil
	}

	tier, err := w.tenants.Tier(ctx, msg.TenantID)
	if err != nil {
		return etlerr.AsTransient(err)
	}

	if err := w.apply(ctx, msg, tier, row); err != nil {
		_ = store.MarkRawRow(ctx, w.db, row.ID, store.RawStatusFailed)
		return err
	}

	if row.LastJobItem {
		if err := w.emitJobCompletion(ctx, msg, tier, row); err != nil {
			_ = store.MarkRawRow(ctx, w.db, row.ID, store.RawStatusFailed)
			return err
		}
	}

	return store.MarkRawRow(ctx, w.db, row.ID, store.RawStatusDone)
}

func (w *Worker) apply(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	switch {
	case row.Type == "github_completion_marker":
		return nil
	case row.Type == "github_pr_batch":
		return w.applyGitHubPRBatch(ctx, msg, tier, row)
	case strings.HasPrefix(row.Type, "github_pr_nested_"):
		return w.applyGitHubNested(ctx, msg, tier, row)
	case row.Type == "jira_workflows_and_mappings":
		return w.applyJiraStatusMapping(ctx, msg, tier, row)
	case row.Type == "jira_changelogs", row.Type == "jira_dev_status":
		// These steps ride along with work_items data already captured;
		// nothing of their own to upsert.
		return nil
	case strings.HasPrefix(row.Type, "jira_"):
		return w.applyJiraGenericRows(ctx, msg, tier, row)
	default:
		return etlerr.AsFatal(fmt.Errorf("unknown raw row type %q", row.Type))
	}
}

func (w *Worker) publishEmbedding(ctx context.Context, tier store.TenantTier, emsg queue.EmbeddingMessage) error {
	if err := w.qm.Publish(ctx, string(tier), queue.StageEmbedding, emsg); err != nil {
		return etlerr.AsTransient(err)
	}
	return nil
}

// emitEntityEmbedding records an embedding queue entry and publishes its
// message for one canonical entity.
func (w *Worker) emitEntityEmbedding(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, tableName, externalID string, firstItem, lastItem, lastJobItem bool) error {
	entry := store.EmbeddingQueueEntry{
		TenantID: msg.TenantID, JobID: msg.JobID, TableName: tableName, Type: tableName,
		ExternalID: &externalID, FirstItem: firstItem, LastItem: lastItem, LastJobItem: lastJobItem,
	}
	entryID, err := store.InsertEmbeddingQueueEntry(ctx, w.db, entry)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	emsg := queue.EmbeddingMessage{
		Envelope: queue.Envelope{
			MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
			JobID: msg.JobID, Provider: msg.Provider, EnqueuedAt: time.Now(),
		},
		EntryID:   entryID,
		TableName: tableName, Type: tableName, ExternalID: &externalID,
		FirstItem: firstItem, LastItem: lastItem, LastJobItem: lastJobItem,
	}
	return w.publishEmbedding(ctx, tier, emsg)
}

// emitJobCompletion publishes the sentinel embedding message — ExternalID
// nil, LastJobItem true — that the embedding worker uses to finalize the
// job, regardless of which provider's raw row carried the LastJobItem flag.
func (w *Worker) emitJobCompletion(ctx context.Context, msg queue.TransformMessage, tier store.TenantTier, row *store.RawExtractionData) error {
	entry := store.EmbeddingQueueEntry{
		TenantID: msg.TenantID, JobID: msg.JobID, TableName: row.TableName, Type: row.Type,
		FirstItem: row.FirstItem, LastItem: true, LastJobItem: true,
	}
	entryID, err := store.InsertEmbeddingQueueEntry(ctx, w.db, entry)
	if err != nil {
		return etlerr.AsTransient(err)
	}
	emsg := queue.EmbeddingMessage{
		Envelope: queue.Envelope{
			MessageID: uuid.NewString(), TenantID: msg.TenantID, IntegrationID: msg.IntegrationID,
			JobID: msg.JobID, Provider: msg.Provider, EnqueuedAt: time.Now(),
		},
		EntryID:   entryID,
		TableName: row.TableName, Type: row.Type, FirstItem: row.FirstItem, LastItem: true, LastJobItem: true,
	}
	return w.publishEmbedding(ctx, tier, emsg)
}
