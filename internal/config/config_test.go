// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SCHEDULER_TICK_INTERVAL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Tiers.ExtractionWorkersByTier["enterprise"] != 8 {
		t.Fatalf("expected default enterprise extraction worker count 8, got %d", cfg.Tiers.ExtractionWorkersByTier["enterprise"])
	}
	if cfg.Transform.BatchSize != 100 {
		t.Fatalf("expected default transform batch size 100, got %d", cfg.Transform.BatchSize)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tiers.Names = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty tiers.names")
	}

	cfg = defaultConfig()
	cfg.Tiers.ExtractionWorkersByTier["free"] = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero extraction workers for tier")
	}

	cfg = defaultConfig()
	cfg.Queue.BRPopTimeout = cfg.Queue.VisibilityTimeout + 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for brpop_timeout > visibility_timeout")
	}

	cfg = defaultConfig()
	cfg.Transform.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero transform batch size")
	}
}
