// Copyright 2025 James Ross
// Package scheduler periodically claims due ETL jobs and kicks off the first
// extraction message for each one, and recycles finished recurring jobs back
// onto the clock.
package scheduler

import (
	"context"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler claims due jobs from Postgres and publishes their first
// extraction message onto the claimant tenant's tier queue.
type Scheduler struct {
	cfg     *config.Config
	db      *sqlx.DB
	qm      *queue.Manager
	tenants *tenant.Cache
	log     *zap.Logger
}

func New(cfg *config.Config, db *sqlx.DB, qm *queue.Manager, tenants *tenant.Cache, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, db: db, qm: qm, tenants: tenants, log: log}
}

// Run blocks until ctx is canceled, ticking on either a fixed interval or a
// cron expression if one is configured.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Scheduler.CronExpr != "" {
		return s.runCron(ctx)
	}
	ticker := time.NewTicker(s.cfg.Scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	c := cron.New()
	id, err := c.AddFunc(s.cfg.Scheduler.CronExpr, func() { s.tick(ctx) })
	if err != nil {
		return err
	}
	c.Start()
	defer c.Remove(id)
	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}

// tick claims whatever jobs are due, dispatches each, and recycles finished
// recurring jobs so they come due again on their own cadence.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := store.ClaimDueJobs(ctx, s.db, s.cfg.Scheduler.ClaimBatchSize)
	if err != nil {
		s.log.Error("claim due jobs failed", obs.Err(err))
		return
	}
	for _, job := range jobs {
		if err := s.dispatch(ctx, job); err != nil {
			s.log.Error("dispatch job failed", obs.String("job_id", job.ID), obs.Err(err))
			_ = store.FailJob(ctx, s.db, job.ID, err.Error())
			continue
		}
		obs.JobsScheduled.Inc()
	}

	if n, err := store.RescheduleDoneJobs(ctx, s.db); err != nil {
		s.log.Warn("reschedule done jobs failed", obs.Err(err))
	} else if n > 0 {
		s.log.Debug("recurring jobs rescheduled", obs.Int("count", int(n)))
	}
}

// dispatch resolves the claimed job's provider and tenant tier, then
// publishes the extraction message(s) that continue its state machine from
// wherever checkpoint_data left off: a brand-new job starts at its first
// step, but a job resuming after a crash or a FAILED retry must pick back up
// at its last recorded step/cursor rather than restarting from scratch.
func (s *Scheduler) dispatch(ctx context.Context, job store.ETLJob) error {
	integ, err := store.GetIntegration(ctx, s.db, job.IntegrationID)
	if err != nil {
		return err
	}
	tier, err := s.tenants.Tier(ctx, job.TenantID)
	if err != nil {
		return err
	}

	cp := job.CheckpointData.Value
	if integ.Provider == store.ProviderGitHub {
		return s.dispatchGitHub(ctx, job, tier, cp)
	}
	return s.dispatchJira(ctx, job, tier, cp)
}

// dispatchJira picks up at cp["step"] when present; the step's own handler
// reloads the checkpoint itself to recover start_at, so the scheduler only
// needs to get Kind right.
func (s *Scheduler) dispatchJira(ctx context.Context, job store.ETLJob, tier store.TenantTier, cp map[string]any) error {
	kind := "projects_and_issue_types"
	firstItem := true
	if step, ok := cp["step"].(string); ok && step != "" {
		kind = step
		firstItem = false
	}
	msg := queue.ExtractionMessage{
		Envelope: queue.Envelope{
			MessageID:     uuid.NewString(),
			TenantID:      job.TenantID,
			IntegrationID: job.IntegrationID,
			JobID:         job.ID,
			Provider:      string(store.ProviderJira),
			EnqueuedAt:    time.Now(),
		},
		Kind:      kind,
		FirstItem: firstItem,
	}
	return s.qm.Publish(ctx, string(tier), queue.StageExtraction, msg)
}

// dispatchGitHub resumes PR-list pagination from cp["last_pr_cursor"] (if PR
// pagination hadn't finished) and republishes one pr_nested continuation per
// entry still recorded in cp["pending_nested"], since those child-connection
// pages were never durably advanced anywhere but the checkpoint.
func (s *Scheduler) dispatchGitHub(ctx context.Context, job store.ETLJob, tier store.TenantTier, cp map[string]any) error {
	_, prPaginationPending := cp["last_pr_cursor"]
	fresh := len(cp) == 0

	if fresh || prPaginationPending {
		lastCursor, _ := cp["last_pr_cursor"].(string)
		msg := queue.ExtractionMessage{
			Envelope: queue.Envelope{
				MessageID:     uuid.NewString(),
				TenantID:      job.TenantID,
				IntegrationID: job.IntegrationID,
				JobID:         job.ID,
				Provider:      string(store.ProviderGitHub),
				EnqueuedAt:    time.Now(),
			},
			Kind:      "pr_batch",
			Cursor:    lastCursor,
			FirstItem: fresh,
		}
		if err := s.qm.Publish(ctx, string(tier), queue.StageExtraction, msg); err != nil {
			return err
		}
	}

	for _, pn := range pendingNestedOf(cp) {
		next := queue.ExtractionMessage{
			Envelope: queue.Envelope{
				MessageID:     uuid.NewString(),
				TenantID:      job.TenantID,
				IntegrationID: job.IntegrationID,
				JobID:         job.ID,
				Provider:      string(store.ProviderGitHub),
				EnqueuedAt:    time.Now(),
			},
			Kind:      "pr_nested",
			Parent:    pn.prID,
			ChildKind: pn.kind,
			Cursor:    pn.cursor,
		}
		if err := s.qm.Publish(ctx, string(tier), queue.StageExtraction, next); err != nil {
			return err
		}
	}
	return nil
}

type githubPendingNested struct {
	prID   string
	kind   string
	cursor string
}

func pendingNestedOf(cp map[string]any) []githubPendingNested {
	list, _ := cp["pending_nested"].([]any)
	out := make([]githubPendingNested, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		prID, _ := m["pr_id"].(string)
		kind, _ := m["kind"].(string)
		if prID == "" || kind == "" {
			continue
		}
		cursor, _ := m["cursor"].(string)
		out = append(out, githubPendingNested{prID: prID, kind: kind, cursor: cursor})
	}
	return out
}
