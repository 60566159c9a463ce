// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ClickHouse struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type NATS struct {
	URL            string `mapstructure:"url"`
	StatusSubjectf string `mapstructure:"status_subject_format"`
}

// Tiers controls how each service tier maps onto queue naming and worker pool sizing.
type Tiers struct {
	Names                  []string       `mapstructure:"names"`
	ExtractionWorkersByTier map[string]int `mapstructure:"extraction_workers_by_tier"`
	TransformWorkersByTier  map[string]int `mapstructure:"transform_workers_by_tier"`
	EmbeddingWorkersByTier  map[string]int `mapstructure:"embedding_workers_by_tier"`
	TierCacheTTL           time.Duration  `mapstructure:"tier_cache_ttl"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Scheduler struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CronExpr           string        `mapstructure:"cron_expr"`
	ClaimBatchSize     int           `mapstructure:"claim_batch_size"`
	StuckJobMultiplier int           `mapstructure:"stuck_job_multiplier"`
}

type Queue struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MessageTTL        time.Duration `mapstructure:"message_ttl"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           Backoff       `mapstructure:"backoff"`
	PublishRetries    int           `mapstructure:"publish_retries"`
	BRPopTimeout      time.Duration `mapstructure:"brpop_timeout"`
}

type Jira struct {
	BaseURL        string            `mapstructure:"base_url"`
	Email          string            `mapstructure:"email"`
	APIToken       string            `mapstructure:"api_token"`
	PageSize       int               `mapstructure:"page_size"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	StatusMapping  map[string]string `mapstructure:"status_mapping"`
}

type GitHub struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	PageSize       int           `mapstructure:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type Transform struct {
	BatchSize int `mapstructure:"batch_size"`
}

// VectorStore points at the blackbox embedding/vector-index service the
// embedding worker delegates entity storage to; this module only implements
// the client side of that interface.
type VectorStore struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Archive struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetainFor     time.Duration `mapstructure:"retain_for"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Reaper struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	RawRowStaleAfter time.Duration `mapstructure:"raw_row_stale_after"`
}

// Heartbeat controls how often a pipeline worker announces it still owns its
// processing list, and how long that announcement stays valid — the reaper
// treats a processing list whose heartbeat key has expired as abandoned.
type Heartbeat struct {
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Postgres       Postgres       `mapstructure:"postgres"`
	ClickHouse     ClickHouse     `mapstructure:"clickhouse"`
	NATS           NATS           `mapstructure:"nats"`
	Tiers          Tiers          `mapstructure:"tiers"`
	Scheduler      Scheduler      `mapstructure:"scheduler"`
	Queue          Queue          `mapstructure:"queue"`
	Jira           Jira           `mapstructure:"jira"`
	GitHub         GitHub         `mapstructure:"github"`
	Transform      Transform      `mapstructure:"transform"`
	VectorStore    VectorStore    `mapstructure:"vector_store"`
	Archive        Archive        `mapstructure:"archive"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Reaper         Reaper         `mapstructure:"reaper"`
	Heartbeat      Heartbeat      `mapstructure:"heartbeat"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/etl_sync?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ClickHouse: ClickHouse{
			Enabled:  false,
			DSN:      "clickhouse://localhost:9000",
			Database: "etl_sync",
			Table:    "raw_extraction_archive",
		},
		NATS: NATS{
			URL:            "nats://localhost:4222",
			StatusSubjectf: "etl.status.%s.%s",
		},
		Tiers: Tiers{
			Names: []string{"free", "basic", "premium", "enterprise"},
			ExtractionWorkersByTier: map[string]int{"free": 1, "basic": 2, "premium": 4, "enterprise": 8},
			TransformWorkersByTier:  map[string]int{"free": 1, "basic": 2, "premium": 4, "enterprise": 8},
			EmbeddingWorkersByTier:  map[string]int{"free": 1, "basic": 2, "premium": 4, "enterprise": 8},
			TierCacheTTL:           30 * time.Second,
		},
		Scheduler: Scheduler{
			TickInterval:       10 * time.Second,
			ClaimBatchSize:     10,
			StuckJobMultiplier: 2,
		},
		Queue: Queue{
			VisibilityTimeout: 5 * time.Minute,
			MessageTTL:        24 * time.Hour,
			MaxRetries:        5,
			Backoff:           Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
			PublishRetries:    3,
			BRPopTimeout:      1 * time.Second,
		},
		Jira: Jira{
			PageSize:       50,
			RequestTimeout: 15 * time.Second,
		},
		GitHub: GitHub{
			BaseURL:        "https://api.github.com/graphql",
			PageSize:       50,
			RequestTimeout: 15 * time.Second,
			MaxRetries:     3,
		},
		Transform: Transform{BatchSize: 100},
		VectorStore: VectorStore{
			URL:     "http://localhost:8090/v1/vectors",
			Timeout: 10 * time.Second,
		},
		Archive: Archive{
			Enabled:       false,
			SweepInterval: 1 * time.Hour,
			RetainFor:     30 * 24 * time.Hour,
			BatchSize:     500,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Reaper: Reaper{ScanInterval: 5 * time.Second, RawRowStaleAfter: 10 * time.Minute},
		Heartbeat: Heartbeat{
			Interval: 5 * time.Second,
			TTL:      20 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults and then
// environment variable overrides (e.g. REDIS_ADDR, JIRA_API_TOKEN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("clickhouse.enabled", def.ClickHouse.Enabled)
	v.SetDefault("clickhouse.dsn", def.ClickHouse.DSN)
	v.SetDefault("clickhouse.database", def.ClickHouse.Database)
	v.SetDefault("clickhouse.table", def.ClickHouse.Table)

	v.SetDefault("nats.url", def.NATS.URL)
	v.SetDefault("nats.status_subject_format", def.NATS.StatusSubjectf)

	v.SetDefault("tiers.names", def.Tiers.Names)
	v.SetDefault("tiers.extraction_workers_by_tier", def.Tiers.ExtractionWorkersByTier)
	v.SetDefault("tiers.transform_workers_by_tier", def.Tiers.TransformWorkersByTier)
	v.SetDefault("tiers.embedding_workers_by_tier", def.Tiers.EmbeddingWorkersByTier)
	v.SetDefault("tiers.tier_cache_ttl", def.Tiers.TierCacheTTL)

	v.SetDefault("scheduler.tick_interval", def.Scheduler.TickInterval)
	v.SetDefault("scheduler.cron_expr", def.Scheduler.CronExpr)
	v.SetDefault("scheduler.claim_batch_size", def.Scheduler.ClaimBatchSize)
	v.SetDefault("scheduler.stuck_job_multiplier", def.Scheduler.StuckJobMultiplier)

	v.SetDefault("queue.visibility_timeout", def.Queue.VisibilityTimeout)
	v.SetDefault("queue.message_ttl", def.Queue.MessageTTL)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.backoff.base", def.Queue.Backoff.Base)
	v.SetDefault("queue.backoff.max", def.Queue.Backoff.Max)
	v.SetDefault("queue.publish_retries", def.Queue.PublishRetries)
	v.SetDefault("queue.brpop_timeout", def.Queue.BRPopTimeout)

	v.SetDefault("jira.base_url", def.Jira.BaseURL)
	v.SetDefault("jira.email", def.Jira.Email)
	v.SetDefault("jira.api_token", def.Jira.APIToken)
	v.SetDefault("jira.page_size", def.Jira.PageSize)
	v.SetDefault("jira.request_timeout", def.Jira.RequestTimeout)

	v.SetDefault("github.base_url", def.GitHub.BaseURL)
	v.SetDefault("github.token", def.GitHub.Token)
	v.SetDefault("github.page_size", def.GitHub.PageSize)
	v.SetDefault("github.request_timeout", def.GitHub.RequestTimeout)
	v.SetDefault("github.max_retries", def.GitHub.MaxRetries)

	v.SetDefault("transform.batch_size", def.Transform.BatchSize)

	v.SetDefault("vector_store.url", def.VectorStore.URL)
	v.SetDefault("vector_store.timeout", def.VectorStore.Timeout)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.sweep_interval", def.Archive.SweepInterval)
	v.SetDefault("archive.retain_for", def.Archive.RetainFor)
	v.SetDefault("archive.batch_size", def.Archive.BatchSize)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("reaper.scan_interval", def.Reaper.ScanInterval)
	v.SetDefault("reaper.raw_row_stale_after", def.Reaper.RawRowStaleAfter)

	v.SetDefault("heartbeat.interval", def.Heartbeat.Interval)
	v.SetDefault("heartbeat.ttl", def.Heartbeat.TTL)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Tiers.Names) == 0 {
		return fmt.Errorf("tiers.names must be non-empty")
	}
	for _, t := range cfg.Tiers.Names {
		if cfg.Tiers.ExtractionWorkersByTier[t] < 1 {
			return fmt.Errorf("tiers.extraction_workers_by_tier missing or zero entry for tier %q", t)
		}
		if cfg.Tiers.TransformWorkersByTier[t] < 1 {
			return fmt.Errorf("tiers.transform_workers_by_tier missing or zero entry for tier %q", t)
		}
		if cfg.Tiers.EmbeddingWorkersByTier[t] < 1 {
			return fmt.Errorf("tiers.embedding_workers_by_tier missing or zero entry for tier %q", t)
		}
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.StuckJobMultiplier < 1 {
		return fmt.Errorf("scheduler.stuck_job_multiplier must be >= 1")
	}
	if cfg.Queue.BRPopTimeout <= 0 || cfg.Queue.BRPopTimeout > cfg.Queue.VisibilityTimeout {
		return fmt.Errorf("queue.brpop_timeout must be >0 and <= visibility_timeout")
	}
	if cfg.Transform.BatchSize < 1 {
		return fmt.Errorf("transform.batch_size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Heartbeat.TTL <= cfg.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.ttl must be greater than heartbeat.interval")
	}
	return nil
}
