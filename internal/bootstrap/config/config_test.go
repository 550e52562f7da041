package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "schemapilot" {
		t.Fatalf("app.name = %q", cfg.App.Name)
	}
	if got := cfg.Deployment.Stages; len(got) != 4 || got[0] != 5 || got[3] != 100 {
		t.Fatalf("deployment.stages = %v", got)
	}
	if cfg.Deployment.Dwell != 5*time.Minute {
		t.Fatalf("deployment.dwell = %v", cfg.Deployment.Dwell)
	}
	if cfg.Sandbox.AcquireTimeout != 60*time.Second {
		t.Fatalf("sandbox.acquire_timeout = %v", cfg.Sandbox.AcquireTimeout)
	}
	if cfg.Feedback.Delay != 7*24*time.Hour {
		t.Fatalf("feedback.delay = %v", cfg.Feedback.Delay)
	}
	if cfg.Pipeline.ApprovalTimeout != 48*time.Hour {
		t.Fatalf("pipeline.approval_timeout = %v", cfg.Pipeline.ApprovalTimeout)
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	raw := `
database:
  dsn: state/test.sqlite
deployment:
  stages: [10, 100]
  dwell: 2m
  sample_interval: 10s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SP_SANDBOX_POOL_SIZE", "7")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "state/test.sqlite" {
		t.Fatalf("database.dsn = %q", cfg.Database.DSN)
	}
	if len(cfg.Deployment.Stages) != 2 || cfg.Deployment.Stages[0] != 10 {
		t.Fatalf("deployment.stages = %v", cfg.Deployment.Stages)
	}
	if cfg.Deployment.Dwell != 2*time.Minute {
		t.Fatalf("deployment.dwell = %v", cfg.Deployment.Dwell)
	}
	if cfg.Sandbox.PoolSize != 7 {
		t.Fatalf("sandbox.pool_size = %d", cfg.Sandbox.PoolSize)
	}
}

func TestValidateRejectsBadStages(t *testing.T) {
	base := Config{
		Database:   DatabaseConfig{DSN: "x.sqlite"},
		Sandbox:    SandboxConfig{PoolSize: 1},
		Replay:     ReplayConfig{Concurrency: 1},
		Deployment: DeploymentConfig{Dwell: time.Minute, SampleInterval: time.Second},
	}

	cases := [][]int{
		nil,
		{25, 5, 100},
		{5, 25, 50},
		{0, 100},
	}
	for _, stages := range cases {
		cfg := base
		cfg.Deployment.Stages = stages
		if err := cfg.Validate(); err == nil {
			t.Fatalf("Validate(%v) expected error", stages)
		}
	}

	cfg := base
	cfg.Deployment.Stages = []int{5, 25, 50, 100}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
