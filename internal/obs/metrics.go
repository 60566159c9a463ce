// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_jobs_scheduled_total",
		Help: "Total number of ETL jobs claimed and started by the scheduler",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_jobs_completed_total",
		Help: "Total number of ETL jobs that reached a completion marker",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_jobs_failed_total",
		Help: "Total number of ETL jobs marked FAILED",
	})
	MessagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_messages_consumed_total",
		Help: "Messages dequeued, by pipeline stage",
	}, []string{"stage"})
	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_messages_published_total",
		Help: "Messages published, by pipeline stage",
	}, []string{"stage"})
	MessagesRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_messages_retried_total",
		Help: "Messages republished after a transient failure, by stage",
	}, []string{"stage"})
	MessagesDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_messages_dead_lettered_total",
		Help: "Messages moved to a dead-letter list, by stage",
	}, []string{"stage"})
	StageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etl_stage_processing_duration_seconds",
		Help:    "Time spent processing one message in a stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "etl_queue_length",
		Help: "Current length of a tier/stage queue",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "etl_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"provider"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"provider"})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_reaper_recovered_total",
		Help: "Items recovered or swept, by kind (redis_job, raw_row, stuck_job, archived_row)",
	}, []string{"kind"})
	RawRowsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_raw_rows_upserted_total",
		Help: "Canonical rows inserted or updated by the transform stage",
	}, []string{"table", "op"})
	EmbeddingsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_embeddings_emitted_total",
		Help: "Total number of embedding requests sent to the vector store",
	})
)

func init() {
	prometheus.MustRegister(
		JobsScheduled, JobsCompleted, JobsFailed,
		MessagesConsumed, MessagesPublished, MessagesRetried, MessagesDeadLettered,
		StageProcessingDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, RawRowsUpserted, EmbeddingsEmitted,
	)
}

// StartMetricsServer exposes /metrics on its own listener. Most deployments
// prefer StartHTTPServer, which also serves /healthz and /readyz.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
