// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/flyingrobots/etl-sync-pipeline/internal/adminapi"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/redisclient"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	configPath string
	tierStage  string
	peekN      int64
	jobID      string
	yes        bool
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operate the ETL pipeline's queues and failed jobs",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Report queue and dead-letter depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			defer cleanup()
			res, err := adminapi.GetStats(cmd.Context(), cfg, rdb)
			if err != nil {
				logger.Fatal("stats failed", obs.Err(err))
			}
			printJSON(res)
			return nil
		},
	}

	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Show the oldest items on a queue without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			_ = cfg
			defer cleanup()
			tier, stage, err := adminapi.ParseTierStage(tierStage)
			if err != nil {
				logger.Fatal("bad --queue", obs.Err(err))
			}
			res, err := adminapi.Peek(cmd.Context(), rdb, tier, stage, peekN)
			if err != nil {
				logger.Fatal("peek failed", obs.Err(err))
			}
			printJSON(res)
			return nil
		},
	}
	peekCmd.Flags().StringVar(&tierStage, "queue", "", "tier/stage, e.g. basic/transform")
	peekCmd.Flags().Int64Var(&peekN, "n", 10, "Number of items to show")

	peekDLQCmd := &cobra.Command{
		Use:   "peek-dlq",
		Short: "Show the oldest items on a queue's dead letter list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			_ = cfg
			defer cleanup()
			tier, stage, err := adminapi.ParseTierStage(tierStage)
			if err != nil {
				logger.Fatal("bad --queue", obs.Err(err))
			}
			res, err := adminapi.PeekDLQ(cmd.Context(), rdb, tier, stage, peekN)
			if err != nil {
				logger.Fatal("peek-dlq failed", obs.Err(err))
			}
			printJSON(res)
			return nil
		},
	}
	peekDLQCmd.Flags().StringVar(&tierStage, "queue", "", "tier/stage, e.g. basic/transform")
	peekDLQCmd.Flags().Int64Var(&peekN, "n", 10, "Number of items to show")

	purgeDLQCmd := &cobra.Command{
		Use:   "purge-dlq",
		Short: "Delete every item on a queue's dead letter list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			_ = cfg
			defer cleanup()
			if !yes {
				logger.Fatal("refusing to purge without --yes")
			}
			tier, stage, err := adminapi.ParseTierStage(tierStage)
			if err != nil {
				logger.Fatal("bad --queue", obs.Err(err))
			}
			purged, err := adminapi.PurgeDLQ(cmd.Context(), rdb, tier, stage)
			if err != nil {
				logger.Fatal("purge-dlq failed", obs.Err(err))
			}
			printJSON(struct {
				Purged int64 `json:"purged"`
			}{Purged: purged})
			return nil
		},
	}
	purgeDLQCmd.Flags().StringVar(&tierStage, "queue", "", "tier/stage, e.g. basic/transform")
	purgeDLQCmd.Flags().BoolVar(&yes, "yes", false, "Automatic yes to prompts (dangerous operation)")

	purgeAllCmd := &cobra.Command{
		Use:   "purge-all",
		Short: "Delete every queue and dead letter list across every tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			defer cleanup()
			if !yes {
				logger.Fatal("refusing to purge without --yes")
			}
			purged, err := adminapi.PurgeAll(cmd.Context(), cfg, rdb)
			if err != nil {
				logger.Fatal("purge-all failed", obs.Err(err))
			}
			printJSON(struct {
				Purged int64 `json:"purged"`
			}{Purged: purged})
			return nil
		},
	}
	purgeAllCmd.Flags().BoolVar(&yes, "yes", false, "Automatic yes to prompts (dangerous operation)")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Requeue a failed job for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, cleanup := mustConnect()
			defer cleanup()
			if jobID == "" {
				logger.Fatal("replay requires --job-id")
			}
			runReplay(cmd.Context(), cfg, jobID, logger)
			return nil
		},
	}
	replayCmd.Flags().StringVar(&jobID, "job-id", "", "Job id to requeue")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the read-only admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rdb, logger, cleanup := mustConnect()
			defer cleanup()
			runServe(cfg, rdb, listenAddr, logger)
			return nil
		},
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8089", "Address the serve command listens on")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	rootCmd.AddCommand(statsCmd, peekCmd, peekDLQCmd, purgeDLQCmd, purgeAllCmd, replayCmd, serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// mustConnect loads config and dials redis for a subcommand, returning a
// cleanup func the caller must defer.
func mustConnect() (*config.Config, *redis.Client, *zap.Logger, func()) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	rdb := redisclient.New(cfg)
	return cfg, rdb, logger, func() {
		_ = rdb.Close()
		_ = logger.Sync()
	}
}

// runServe exposes the read-only stats/peek endpoints over HTTP for a
// dashboard to poll, blocking until SIGINT/SIGTERM.
func runServe(cfg *config.Config, rdb *redis.Client, listenAddr string, logger *zap.Logger) {
	db, err := store.Open(&cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	defer db.Close()

	srv := &http.Server{Addr: listenAddr, Handler: adminapi.NewServer(cfg, rdb, db, logger).Routes()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down admin api")
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("admin api listening", obs.String("addr", listenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("admin api stopped", obs.Err(err))
	}
}

func runReplay(ctx context.Context, cfg *config.Config, jobID string, logger *zap.Logger) {
	db, err := store.Open(&cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	defer db.Close()

	if err := adminapi.ReplayFailedJob(ctx, db, jobID); err != nil {
		logger.Fatal("replay failed", obs.Err(err))
	}
	fmt.Println("job requeued")
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
