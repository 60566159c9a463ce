// Copyright 2025 James Ross
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/archive"
	"github.com/flyingrobots/etl-sync-pipeline/internal/broadcast"
	"github.com/flyingrobots/etl-sync-pipeline/internal/checkpoint"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/embed"
	"github.com/flyingrobots/etl-sync-pipeline/internal/extract"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/pipeline"
	"github.com/flyingrobots/etl-sync-pipeline/internal/queue"
	"github.com/flyingrobots/etl-sync-pipeline/internal/reaper"
	"github.com/flyingrobots/etl-sync-pipeline/internal/redisclient"
	"github.com/flyingrobots/etl-sync-pipeline/internal/scheduler"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/flyingrobots/etl-sync-pipeline/internal/tenant"
	"github.com/flyingrobots/etl-sync-pipeline/internal/transform"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var version = "dev"

var (
	role       string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "etl-pipeline",
	Short: "Multi-tenant ETL pipeline daemon",
	Long:  "Runs the scheduler, extraction, transform, and embedding roles of the ETL pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&role, "role", "all", "Role to run: scheduler|extraction|transform|embedding|all")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	db, err := store.Open(&cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	defer db.Close()

	qm, err := queue.NewManager(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("failed to build queue manager", obs.Err(err))
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Warn("nats connect failed, status events will stay local-only", obs.Err(err))
		} else {
			defer nc.Close()
		}
	}
	status := broadcast.New(nc, logger)

	readyCheck := func(c context.Context) error {
		if _, err := rdb.Ping(c).Result(); err != nil {
			return err
		}
		return db.PingContext(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(runCtx, cfg, rdb, logger, queue.AllQueueNames(cfg))

	tenants := tenant.NewCache(db, cfg.Tiers.TierCacheTTL)
	ckpt := checkpoint.NewStore(db)

	rep := reaper.New(cfg, qm, db, logger)
	go rep.Run(runCtx)

	sweeper, err := archive.NewSweeper(cfg, db, logger)
	if err != nil {
		logger.Fatal("failed to build archive sweeper", obs.Err(err))
	}
	defer sweeper.Close()
	go sweeper.Run(runCtx)

	runScheduler := func() {
		sch := scheduler.New(cfg, db, qm, tenants, logger)
		if err := sch.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("scheduler stopped", obs.Err(err))
			cancel()
		}
	}

	runExtraction := func() {
		router := extract.NewRouter(cfg, db, qm, ckpt, tenants, logger)
		runStage(runCtx, cfg, qm, queue.StageExtraction, cfg.Tiers.ExtractionWorkersByTier, router.Handle, logger)
	}

	runTransform := func() {
		worker := transform.NewWorker(cfg, db, qm, tenants, logger)
		runStage(runCtx, cfg, qm, queue.StageTransform, cfg.Tiers.TransformWorkersByTier, worker.Process, logger)
	}

	runEmbedding := func() {
		vectors := embed.NewHTTPVectorStore(cfg.VectorStore)
		worker := embed.NewWorker(cfg, db, vectors, status, logger)
		runStage(runCtx, cfg, qm, queue.StageEmbedding, cfg.Tiers.EmbeddingWorkersByTier, worker.Process, logger)
	}

	switch role {
	case "scheduler":
		runScheduler()
	case "extraction":
		runExtraction()
	case "transform":
		runTransform()
	case "embedding":
		runEmbedding()
	case "all":
		go runScheduler()
		go runExtraction()
		go runTransform()
		runEmbedding()
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
	return nil
}

// runStage fans a pipeline stage out across every configured tier, sizing
// each tier's worker pool independently since a free-tier tenant's workload
// shouldn't starve (or be starved by) an enterprise tenant's.
func runStage(ctx context.Context, cfg *config.Config, qm *queue.Manager, stage queue.Stage, workersByTier map[string]int, handle pipeline.Handler, log *zap.Logger) {
	done := make(chan struct{})
	remaining := len(cfg.Tiers.Names)
	if remaining == 0 {
		return
	}
	for _, tier := range cfg.Tiers.Names {
		tier := tier
		workers := workersByTier[tier]
		if workers < 1 {
			workers = 1
		}
		go func() {
			pipeline.Run(ctx, qm, tier, stage, workers, handle, log)
			done <- struct{}{}
		}()
	}
	for i := 0; i < remaining; i++ {
		<-done
	}
}
