// Copyright 2025 James Ross
// Package archive periodically copies completed raw extraction rows into
// ClickHouse for cheap long-term audit queries, then prunes them from
// Postgres once copied.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/flyingrobots/etl-sync-pipeline/internal/obs"
	"github.com/flyingrobots/etl-sync-pipeline/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Sweeper moves aged raw_extraction_data rows out of Postgres into
// ClickHouse on a fixed interval. A disabled sweeper (config.Archive.Enabled
// false) is a harmless no-op so operators can turn retention on without a
// code change.
type Sweeper struct {
	cfg *config.Config
	db  *sqlx.DB
	ch  *sql.DB
	enc *zstd.Encoder
	log *zap.Logger
}

// NewSweeper opens the ClickHouse connection and ensures its archive table
// exists when archiving is enabled. When disabled it returns a Sweeper whose
// Run is a no-op, so callers don't need to branch on config.Archive.Enabled.
func NewSweeper(cfg *config.Config, db *sqlx.DB, log *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{cfg: cfg, db: db, log: log}
	if !cfg.Archive.Enabled {
		return s, nil
	}

	ch := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.ClickHouse.DSN},
		Auth: clickhouse.Auth{Database: cfg.ClickHouse.Database},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := ensureTable(ctx, ch, cfg.ClickHouse); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("build payload encoder: %w", err)
	}
	s.ch = ch
	s.enc = enc
	return s, nil
}

func ensureTable(ctx context.Context, ch *sql.DB, cfg config.ClickHouse) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			id String,
			tenant_id String,
			integration_id String,
			job_id String,
			table_name String,
			type LowCardinality(String),
			external_id Nullable(String),
			payload String,
			-- zstd-compressed JSON; provider pages get large enough that
			-- storing them raw would roughly double this table's footprint
			first_item UInt8,
			last_item UInt8,
			last_job_item UInt8,
			created_at DateTime64(3),
			archived_at DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (tenant_id, job_id, created_at)
	`, cfg.Database, cfg.Table)
	if _, err := ch.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure clickhouse table: %w", err)
	}
	return nil
}

// Run ticks on the configured sweep interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Archive.Enabled {
		return
	}
	ticker := time.NewTicker(s.cfg.Archive.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.log.Warn("archive sweep failed", obs.Err(err))
			}
		}
	}
}

// sweepOnce copies one batch of archivable rows into ClickHouse and deletes
// them from Postgres only after the ClickHouse insert has committed, so a
// crash between the two leaves a row merely archived twice rather than lost.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Archive.RetainFor)
	rows, err := store.SelectArchivableRawRows(ctx, s.db, cutoff, s.cfg.Archive.BatchSize)
	if err != nil {
		return fmt.Errorf("select archivable rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := s.exportBatch(ctx, rows); err != nil {
		return fmt.Errorf("export batch to clickhouse: %w", err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	n, err := store.DeleteRawRows(ctx, s.db, ids)
	if err != nil {
		return fmt.Errorf("delete archived rows: %w", err)
	}
	obs.ReaperRecovered.WithLabelValues("archived_row").Add(float64(n))
	s.log.Info("archived raw rows", obs.Int("count", int(n)))
	return nil
}

func (s *Sweeper) exportBatch(ctx context.Context, rows []store.RawExtractionData) error {
	tx, err := s.ch.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clickhouse tx: %w", err)
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s (
			id, tenant_id, integration_id, job_id, table_name, type, external_id,
			payload, first_item, last_item, last_job_item, created_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.cfg.ClickHouse.Database, s.cfg.ClickHouse.Table)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare clickhouse insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range rows {
		raw, err := json.Marshal(r.Payload.Value)
		if err != nil {
			return fmt.Errorf("marshal payload for row %s: %w", r.ID, err)
		}
		payload := s.enc.EncodeAll(raw, nil)
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.TenantID, r.IntegrationID, r.JobID, r.TableName, r.Type, r.ExternalID,
			payload, r.FirstItem, r.LastItem, r.LastJobItem, r.CreatedAt, now,
		); err != nil {
			return fmt.Errorf("insert row %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Close releases the ClickHouse connection, a no-op when archiving is
// disabled and no connection was opened.
func (s *Sweeper) Close() error {
	if s.ch == nil {
		return nil
	}
	_ = s.enc.Close()
	return s.ch.Close()
}
