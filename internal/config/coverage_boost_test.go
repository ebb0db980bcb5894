package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentGlobal = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for max_concurrent_global=0")
	}
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	cfg := Default()
	cfg.DefaultPriority = "critical"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for unknown default_priority")
	}
}

func TestValidateRejectsBadDropStrategy(t *testing.T) {
	cfg := Default()
	cfg.Stream.DropStrategy = "drop_everything"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for unknown drop_strategy")
	}
}

func TestValidatePersistenceRequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.DBPath = ""
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for empty db_path with persistence enabled")
	}
}

func TestValidateHeadroomThresholdRange(t *testing.T) {
	cfg := Default()
	cfg.Headroom.Enabled = true
	cfg.Headroom.Threshold = 1.5
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for threshold out of (0,1)")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.toml")
	body := `
max_concurrent_global = 8
max_concurrent_per_agent = 3
max_concurrent_per_workspace = 6
max_queue_size = 200
default_priority = "high"
default_max_retries = 5
worker_poll_interval_ms = 50

[persistence]
enabled = true
db_path = "test.db"
autosave_interval_seconds = 10

[stream]
buffer_size = 500
drop_strategy = "reject_newest"

[headroom]
enabled = false
threshold = 0.8

[logging]
level = "debug"
json = true

[facade]
enabled = true
addr = ":9000"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentGlobal != 8 {
		t.Errorf("MaxConcurrentGlobal = %d, want 8", cfg.MaxConcurrentGlobal)
	}
	if cfg.DefaultPriority != "high" {
		t.Errorf("DefaultPriority = %q, want high", cfg.DefaultPriority)
	}
	if cfg.Stream.DropStrategy != "reject_newest" {
		t.Errorf("DropStrategy = %q, want reject_newest", cfg.Stream.DropStrategy)
	}
	if !cfg.Facade.Enabled || cfg.Facade.Addr != ":9000" {
		t.Errorf("Facade = %+v, want enabled on :9000", cfg.Facade)
	}

	qc := cfg.ToQueueConfig()
	if qc.MaxConcurrentGlobal != 8 {
		t.Errorf("queue.Config.MaxConcurrentGlobal = %d, want 8", qc.MaxConcurrentGlobal)
	}
	if qc.DefaultPriority.String() != "high" {
		t.Errorf("queue.Config.DefaultPriority = %s, want high", qc.DefaultPriority)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.toml")
	body := "max_concurrent_global = 4\nbogus_key = 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}
