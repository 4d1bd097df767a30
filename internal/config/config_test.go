package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_PassValidation(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected defaults to validate cleanly: %v", err)
	}
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
schema_version: "1"
node_id: test-node
polling:
  anomaly_interval_ms: 2000
  max_connections: 100
  buffer_capacity: 120
  min_samples: 30
storage:
  db_path: /tmp/test.db
  retention_days: 14
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Polling.AnomalyIntervalMs != 2000 {
		t.Errorf("expected overridden interval 2000, got %d", cfg.Polling.AnomalyIntervalMs)
	}
	if cfg.Storage.RetentionDays != 14 {
		t.Errorf("expected overridden retention 14, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Webhooks.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3 preserved, got %d", cfg.Webhooks.MaxRetries)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_InvalidConfigReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("schema_version: \"2\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure for an unsupported schema_version")
	}
}

func TestValidate_RejectsBufferCapacityBelowMinSamples(t *testing.T) {
	cfg := Defaults()
	cfg.Polling.BufferCapacity = 10
	cfg.Polling.MinSamples = 30
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error when buffer_capacity < min_samples")
	}
}

func TestValidate_RejectsHysteresisFactorOutOfRange(t *testing.T) {
	cfg := Defaults()
	cfg.Webhooks.HysteresisFactor = 1.5
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for hysteresis_factor > 1.0")
	}

	cfg2 := Defaults()
	cfg2.Webhooks.HysteresisFactor = 0
	if err := Validate(&cfg2); err == nil {
		t.Fatal("expected validation error for hysteresis_factor == 0")
	}
}

func TestValidate_RejectsDetectorWithCritZBelowWarnZ(t *testing.T) {
	cfg := Defaults()
	cfg.Detectors["connections"] = DetectorConfig{WarnZ: 3.0, CritZ: 2.0, ConsecutiveRequired: 1}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error when crit_z <= warn_z")
	}
}

func TestValidate_RejectsConnectionWithEmptyID(t *testing.T) {
	cfg := Defaults()
	cfg.Connections = []ConnectionConfig{{ID: "", Addr: "localhost:6379"}}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for a connection with an empty id")
	}
}

func TestApplyHotReload_UpdatesNonDestructiveFieldsOnly(t *testing.T) {
	cur := Defaults()
	cur.Storage.DBPath = "/var/lib/sentineld/original.db"
	cur.API.Addr = "0.0.0.0:8090"

	next := Defaults()
	next.Polling.AnomalyIntervalMs = 5000
	next.Observability.LogLevel = "debug"
	next.Storage.DBPath = "/var/lib/sentineld/changed.db"
	next.API.Addr = "0.0.0.0:9999"

	ApplyHotReload(&cur, next)

	if cur.Polling.AnomalyIntervalMs != 5000 {
		t.Errorf("expected polling interval hot-reloaded, got %d", cur.Polling.AnomalyIntervalMs)
	}
	if cur.Observability.LogLevel != "debug" {
		t.Errorf("expected log level hot-reloaded, got %q", cur.Observability.LogLevel)
	}
	if cur.Storage.DBPath != "/var/lib/sentineld/original.db" {
		t.Errorf("expected db_path untouched by hot-reload, got %q", cur.Storage.DBPath)
	}
	if cur.API.Addr != "0.0.0.0:8090" {
		t.Errorf("expected api addr untouched by hot-reload, got %q", cur.API.Addr)
	}
}

func TestPollingConfig_DurationHelpers(t *testing.T) {
	p := PollingConfig{AnomalyIntervalMs: 1500, DrainTimeoutMs: 3000}
	if p.PollInterval().Milliseconds() != 1500 {
		t.Errorf("expected 1500ms poll interval, got %v", p.PollInterval())
	}
	if p.DrainTimeout().Milliseconds() != 3000 {
		t.Errorf("expected 3000ms drain timeout, got %v", p.DrainTimeout())
	}
}

func TestDetectorConfig_ToModelDirectionDefaultsToBoth(t *testing.T) {
	d := DetectorConfig{Direction: "nonsense"}
	if got := d.ToModelDirection(); string(got) != "both" {
		t.Errorf("expected fallback to both, got %s", got)
	}
}
