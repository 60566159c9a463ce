// Copyright 2025 James Ross
package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/etl-sync-pipeline/internal/breaker"
	"github.com/flyingrobots/etl-sync-pipeline/internal/checkpoint"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// providerExtractor is implemented by JiraExtractor and GitHubExtractor.
type providerExtractor interface {
	Process(ctx context.Context, msg queue.ExtractionMessage) error
}

// Router dispatches a raw extraction message to the right provider
// extractor, gating each provider behind its own circuit breaker so a
// GitHub outage doesn't bleed retry pressure onto Jira traffic sharing the
// same worker pool.
type Router struct {
	extractors map[string]providerExtractor
	breakers   map[string]*breaker.CircuitBreaker
	db         *sqlx.DB
	log        *zap.Logger
}

func NewRouter(cfg *config.Config, db *sqlx.DB, qm *queue.Manager, ckpt *checkpoint.Store, tenants *tenant.Cache, log *zap.Logger) *Router {
	cb := cfg.CircuitBreaker
	return &Router{
		extractors: map[string]providerExtractor{
			string(store.ProviderJira):   NewJiraExtractor(cfg, db, qm, ckpt, tenants, log),
			string(store.ProviderGitHub): NewGitHubExtractor(cfg, db, qm, ckpt, tenants, log),
		},
		breakers: map[string]*breaker.CircuitBreaker{
			string(store.ProviderJira):   breaker.New(cb.Window, cb.CooldownPeriod, cb.FailureThreshold, cb.MinSamples),
			string(store.ProviderGitHub): breaker.New(cb.Window, cb.CooldownPeriod, cb.FailureThreshold, cb.MinSamples),
		},
		db:  db,
		log: log,
	}
}

// Handle decodes raw as an ExtractionMessage and dispatches it to the
// message's provider, recording the outcome against that provider's
// breaker. A tripped breaker returns a transient error so the pipeline
// worker requeues the message instead of dead-lettering it outright.
func (r *Router) Handle(ctx context.Context, raw []byte) error {
	var msg queue.ExtractionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return etlerr.AsFatal(fmt.Errorf("decode extraction message: %w", err))
	}

	extractor, ok := r.extractors[msg.Provider]
	if !ok {
		return etlerr.AsFatal(fmt.Errorf("no extractor registered for provider %q", msg.Provider))
	}
	cb, ok := r.breakers[msg.Provider]
	if !ok {
		return etlerr.AsFatal(fmt.Errorf("no circuit breaker registered for provider %q", msg.Provider))
	}

	if !cb.Allow() {
		return etlerr.AsTransient(fmt.Errorf("circuit open for provider %q", msg.Provider))
	}

	err := extractor.Process(ctx, msg)
	cb.Record(err == nil)
	if err != nil && etlerr.Classify(err) == etlerr.Fatal {
		if failErr := store.FailJob(ctx, r.db, msg.JobID, etlerr.FailureMessage(err)); failErr != nil {
			r.log.Warn("fail job after fatal extraction error", obs.String("job_id", msg.JobID), obs.Err(failErr))
		}
	}
	return err
}
