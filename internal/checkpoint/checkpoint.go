// Copyright 2025 James Ross
// Package checkpoint reads and writes the opaque JSON checkpoint blob an
// extractor uses to resume a job after a crash or a normal continuation
// message, without the checkpoint store needing to understand any provider's
// cursor shape.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/jmoiron/sqlx"
)

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Load returns the current checkpoint for jobID, or an empty map if none has
// been written yet (a fresh job).
func (s *Store) Load(ctx context.Context, jobID string) (map[string]any, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT checkpoint_data FROM etl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode checkpoint for job %s: %w", jobID, err)
	}
	return data, nil
}

// Save overwrites jobID's checkpoint with data, called after every cursor
// advance so a crash loses at most the in-flight page.
func (s *Store) Save(ctx context.Context, jobID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode checkpoint for job %s: %w", jobID, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE etl_jobs SET checkpoint_data = $2, updated_at = now() WHERE id = $1`, jobID, raw)
	return err
}

// Clear resets jobID's checkpoint, used when a job finishes successfully so a
// future full resync starts from scratch rather than an old cursor.
func (s *Store) Clear(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE etl_jobs SET checkpoint_data = '{}', updated_at = now() WHERE id = $1`, jobID)
	return err
}

// Query runs a JSONPath expression against jobID's checkpoint, a debug/admin
// helper for inspecting a stuck job's cursor state without guessing its
// provider-specific field names.
func (s *Store) Query(ctx context.Context, jobID, path string) (interface{}, error) {
	data, err := s.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jsonpath.Get(path, data)
}
