// Copyright 2025 James Ross
// Package reaper periodically recovers work left behind by crashed workers:
// abandoned Redis processing lists, raw rows stuck in 'processing', and jobs
// stuck RUNNING longer than stuck_job_multiplier times their schedule interval.
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg *config.Config
	qm  *queue.Manager
	db  *sqlx.DB
	log *zap.Logger
}

func New(cfg *config.Config, qm *queue.Manager, db *sqlx.DB, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, qm: qm, db: db, log: log}
}

// Run ticks until ctx is canceled, recovering abandoned work each interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Reaper.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	r.reapProcessingLists(ctx)

	n, err := store.ResetStuckRawRows(ctx, r.db, r.cfg.Reaper.RawRowStaleAfter)
	if err != nil {
		r.log.Warn("reset stuck raw rows failed", obs.Err(err))
	} else if n > 0 {
		obs.ReaperRecovered.WithLabelValues("raw_row").Add(float64(n))
		r.log.Warn("reclaimed stuck raw rows", obs.Int("count", int(n)))
	}

	n, err = store.FailStuckJobs(ctx, r.db, r.cfg.Scheduler.StuckJobMultiplier)
	if err != nil {
		r.log.Warn("fail stuck jobs failed", obs.Err(err))
	} else if n > 0 {
		obs.ReaperRecovered.WithLabelValues("stuck_job").Add(float64(n))
		r.log.Warn("failed stuck jobs", obs.Int("count", int(n)))
	}
}

func (r *Reaper) reapProcessingLists(ctx context.Context) {
	lists, err := r.qm.ScanProcessingLists(ctx)
	if err != nil {
		r.log.Warn("scan processing lists failed", obs.Err(err))
		return
	}
	for _, pl := range lists {
		alive, err := r.qm.IsAlive(ctx, pl)
		if err != nil {
			r.log.Warn("check heartbeat failed", obs.String("key", pl.Key), obs.Err(err))
			continue
		}
		if alive {
			continue
		}
		n, err := r.qm.RequeueAbandoned(ctx, pl)
		if err != nil {
			r.log.Error("requeue abandoned failed", obs.String("key", pl.Key), obs.Err(err))
			continue
		}
		if n > 0 {
			obs.ReaperRecovered.WithLabelValues("redis_job").Add(float64(n))
			r.log.Warn("requeued abandoned messages",
				obs.String("tier", pl.Tier), obs.String("stage", string(pl.Stage)),
				obs.String("consumer", pl.ConsumerID), obs.Int("count", n))
		}
	}
}
