package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Commit.MaxBatchSize != 1000 {
		t.Fatalf("want default max_batch_size 1000, got %d", cfg.Commit.MaxBatchSize)
	}
	if cfg.Commit.Window != 10*time.Second {
		t.Fatalf("want default window 10s, got %v", cfg.Commit.Window)
	}
	if cfg.Broker.AutoOffsetReset != "latest" {
		t.Fatalf("want default auto_offset_reset latest, got %q", cfg.Broker.AutoOffsetReset)
	}
	if cfg.Restart.MinBackoff != 3*time.Second || cfg.Restart.MaxBackoff != 30*time.Second {
		t.Fatalf("unexpected restart defaults: %+v", cfg.Restart)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`schema_version: v1
broker:
  brokers: ["localhost:9092"]
  group_id: orders
  auto_offset_reset: earliest
commit:
  max_batch_size: 20
  window: 250ms
  parallelism: 4
`)
	path := filepath.Join(dir, "kpipe.yml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KPIPE__BROKER__GROUP_ID", "orders-staging")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Commit.MaxBatchSize != 20 || cfg.Commit.Window != 250*time.Millisecond || cfg.Commit.Parallelism != 4 {
		t.Fatalf("unexpected commit config: %+v", cfg.Commit)
	}
	if cfg.Broker.GroupID != "orders-staging" {
		t.Fatalf("env override lost: %q", cfg.Broker.GroupID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kpipe.yml")
	if err := os.WriteFile(path, []byte("schema_version: v999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Broker.AutoOffsetReset = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation errors")
	}
}

func TestLoadPipeline_ResolvesRelativeConfig(t *testing.T) {
	dir := t.TempDir()
	pipe := []byte(`schema_version: v1
source:
  driver: sarama-group
  topics: [t1]
  config: broker.yml
sink:
  kind: stdout
`)
	if err := os.WriteFile(filepath.Join(dir, "pipeline.yml"), pipe, 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	p, abs, err := LoadPipeline(filepath.Join(dir, "pipeline.yml"))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Source.Driver != "sarama-group" || len(p.Source.Topics) != 1 {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("want absolute broker config path, got %q", abs)
	}
}
