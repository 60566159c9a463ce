// Copyright 2025 James Ross
package store

import (
	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Open connects to Postgres via sqlx, using lib/pq as the driver the way the
// rest of the corpus wires a relational store.
func Open(cfg *config.Postgres) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
