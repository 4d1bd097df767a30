// Package config provides configuration loading, validation, and hot-reload
// for the sentineld daemon.
//
// Configuration file: /etc/sentineld/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - ApplyHotReload copies the non-destructive fields (detector
//     thresholds, polling interval, correlator cadence/window, webhook
//     defaults, log level) into the in-memory Config. Of these, the
//     running daemon picks up only the anomaly polling interval; the
//     Anomaly Engine, Correlator, Webhook Dispatcher and logger keep the
//     values they were built with until restart.
//   - Destructive changes (DB path, API/metrics bind addresses) require
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., hysteresis_factor ∈ (0,1]).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentineld/sentineld/internal/model"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for sentineld.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this sentineld node.
	// Logged at startup; anomaly events take their source host from the
	// connection's Addr, not from NodeID. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Connections seeds the Connection Registry at startup. The HTTP API
	// lists connections; it does not add or remove them.
	Connections []ConnectionConfig `yaml:"connections"`

	// Polling configures the Polling Supervisor.
	Polling PollingConfig `yaml:"polling"`

	// Detectors holds per-metric-kind Spike Detector parameters, keyed
	// by model.MetricKind. Any metric kind not present here falls back
	// to the built-in defaults from Defaults().
	Detectors map[string]DetectorConfig `yaml:"detectors"`

	// Correlator configures the sliding-window anomaly correlator.
	Correlator CorrelatorConfig `yaml:"correlator"`

	// Webhooks holds the default retry/delivery/alert parameters applied
	// to new webhook subscriptions that don't override them.
	Webhooks WebhookDefaults `yaml:"webhooks"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// API configures the HTTP control-plane surface.
	API APIConfig `yaml:"api"`
}

// ConnectionConfig seeds one monitored database connection.
type ConnectionConfig struct {
	// ID is the connectionId used throughout the system (X-Connection-Id
	// header, storage bucket scoping, webhook payloads).
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Addr is the database host:port.
	Addr string `yaml:"addr"`

	// Default marks the connection used when a caller omits
	// X-Connection-Id. If none is marked, the Registry picks the first
	// one seeded.
	Default bool `yaml:"default"`
}

// PollingConfig holds Polling Supervisor parameters.
type PollingConfig struct {
	// AnomalyIntervalMs is the tick interval for the anomaly-detection
	// loop, per connection. Default: 1000.
	AnomalyIntervalMs int64 `yaml:"anomaly_interval_ms"`

	// MaxConnections bounds the Registry's physical connection cap.
	// Default: 100.
	MaxConnections int `yaml:"max_connections"`

	// IdleEvictionMs is the idle timeout for a database client's pooled
	// handle. Default: 60000. No component reads it: the Registry evicts
	// only when MaxConnections is reached, and idle handles stay open.
	IdleEvictionMs int64 `yaml:"idle_eviction_ms"`

	// DrainTimeoutMs bounds how long stop()/stopAll() wait for an
	// in-flight tick to finish before abandoning it. Default: 5000.
	DrainTimeoutMs int64 `yaml:"drain_timeout_ms"`

	// BufferCapacity is the per-metric rolling window size. Default: 120.
	BufferCapacity int `yaml:"buffer_capacity"`

	// MinSamples is the warm-up threshold before the detector evaluates
	// a metric. Default: 30.
	MinSamples int `yaml:"min_samples"`

	// MaxRecentEvents bounds the in-memory recent-events ring kept per
	// connection for the HTTP API. Default: 1000.
	MaxRecentEvents int `yaml:"max_recent_events"`
}

// PollInterval returns the configured anomaly polling interval as a
// time.Duration, for direct use by the Polling Supervisor.
func (c PollingConfig) PollInterval() time.Duration {
	return time.Duration(c.AnomalyIntervalMs) * time.Millisecond
}

// DrainTimeout returns the configured drain timeout as a time.Duration.
func (c PollingConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// DetectorConfig mirrors the per-metric-kind Spike Detector parameters.
type DetectorConfig struct {
	WarnZ               float64  `yaml:"warn_z"`
	CritZ               float64  `yaml:"crit_z"`
	WarnAbs             *float64 `yaml:"warn_abs,omitempty"`
	CritAbs             *float64 `yaml:"crit_abs,omitempty"`
	ConsecutiveRequired int      `yaml:"consecutive_required"`
	CooldownMs          int64    `yaml:"cooldown_ms"`
	Direction           string   `yaml:"direction"`
}

// ToModelDirection converts the YAML direction string to model.Direction,
// defaulting to "both" on empty or unrecognized values.
func (d DetectorConfig) ToModelDirection() model.Direction {
	switch d.Direction {
	case string(model.DirectionSpikeOnly):
		return model.DirectionSpikeOnly
	case string(model.DirectionDropOnly):
		return model.DirectionDropOnly
	default:
		return model.DirectionBoth
	}
}

// CorrelatorConfig holds the sliding-window correlator's cadence and
// grouping window.
type CorrelatorConfig struct {
	// TickMs is how often the correlator re-evaluates open windows.
	// Default: 5000.
	TickMs int64 `yaml:"tick_ms"`

	// WindowMs is how far back events are grouped for pattern matching.
	// Default: 30000.
	WindowMs int64 `yaml:"window_ms"`

	// MaxRecentGroups is the size bound for recent correlated groups.
	// Default: 100. No component reads it: the Correlator keeps no
	// in-memory group ring, and the HTTP API serves groups from Storage.
	MaxRecentGroups int `yaml:"max_recent_groups"`
}

// WebhookDefaults seeds new subscriptions that don't supply their own
// RetryPolicy, DeliveryConfig, or AlertConfig.
type WebhookDefaults struct {
	MaxRetries           int     `yaml:"max_retries"`
	InitialDelayMs       int64   `yaml:"initial_delay_ms"`
	Multiplier           float64 `yaml:"multiplier"`
	MaxDelayMs           int64   `yaml:"max_delay_ms"`
	TimeoutMs            int64   `yaml:"timeout_ms"`
	MaxResponseBodyBytes int     `yaml:"max_response_body_bytes"`
	HysteresisFactor     float64 `yaml:"hysteresis_factor"`

	// MaxInFlight caps the total number of concurrent webhook deliveries
	// across all subscribers. Default: 32.
	MaxInFlight int `yaml:"max_in_flight"`

	// RetryScanIntervalMs is how often the dispatcher polls storage for
	// deliveries whose NextRetryAt has elapsed. Default: 10000.
	RetryScanIntervalMs int64 `yaml:"retry_scan_interval_ms"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/sentineld/sentineld.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is how long anomaly events, correlated groups, and
	// webhook deliveries are kept before pruning. Default: 30.
	RetentionDays int `yaml:"retention_days"`

	// CacheCutoverMinutes is the recent-event cache cut-over, in minutes.
	// Default: 5. No component reads it: the HTTP API reads events and
	// groups from BoltDB on every request.
	CacheCutoverMinutes int `yaml:"cache_cutover_minutes"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// APIConfig holds the HTTP control-plane bind address.
type APIConfig struct {
	// Addr is the listen address for the connections/events/webhooks API.
	// Default: 0.0.0.0:8090.
	Addr string `yaml:"addr"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Polling: PollingConfig{
			AnomalyIntervalMs: 1000,
			MaxConnections:    100,
			IdleEvictionMs:    60000,
			DrainTimeoutMs:    5000,
			BufferCapacity:    120,
			MinSamples:        30,
			MaxRecentEvents:   1000,
		},
		Detectors: defaultDetectors(),
		Correlator: CorrelatorConfig{
			TickMs:          5000,
			WindowMs:        30000,
			MaxRecentGroups: 100,
		},
		Webhooks: WebhookDefaults{
			MaxRetries:           3,
			InitialDelayMs:       1000,
			Multiplier:           2.0,
			MaxDelayMs:           60000,
			TimeoutMs:            30000,
			MaxResponseBodyBytes: 4096,
			HysteresisFactor:     0.9,
			MaxInFlight:          32,
			RetryScanIntervalMs:  10000,
		},
		Storage: StorageConfig{
			DBPath:              DefaultDBPath,
			RetentionDays:       30,
			CacheCutoverMinutes: 5,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		API: APIConfig{
			Addr: "0.0.0.0:8090",
		},
	}
}

// defaultDetectors returns the per-metric DetectorConfig overrides.
// memory_used fires on spikes only with a higher z-score band;
// fragmentation_ratio adds absolute floors on top of its z-score band
// since a slow fragmentation creep can raise the rolling baseline faster
// than the ratio itself looks anomalous.
func defaultDetectors() map[string]DetectorConfig {
	fWarn15, fCrit20 := 1.5, 2.0
	aclWarn5, aclCrit20 := 5.0, 20.0
	return map[string]DetectorConfig{
		"connections":     base(model.DirectionBoth),
		"ops_per_sec":     base(model.DirectionBoth),
		"memory_used":     {WarnZ: 2.5, CritZ: 3.5, ConsecutiveRequired: 2, CooldownMs: 30000, Direction: string(model.DirectionSpikeOnly)},
		"input_kbps":      base(model.DirectionBoth),
		"output_kbps":     base(model.DirectionBoth),
		"slowlog_count":   base(model.DirectionSpikeOnly),
		"evicted_keys":    base(model.DirectionSpikeOnly),
		"blocked_clients": base(model.DirectionBoth),
		"keyspace_misses": base(model.DirectionSpikeOnly),
		// acl_denied needs an absolute floor alongside its z-score band: a
		// quiet instance's baseline sits at 0, so even a handful of denials
		// would otherwise never look anomalous relative to a near-zero stddev.
		"acl_denied": {
			WarnZ: 2.0, CritZ: 3.0, WarnAbs: &aclWarn5, CritAbs: &aclCrit20,
			ConsecutiveRequired: 2, CooldownMs: 30000, Direction: string(model.DirectionSpikeOnly),
		},
		"fragmentation_ratio": {
			WarnZ: 2.0, CritZ: 3.0, WarnAbs: &fWarn15, CritAbs: &fCrit20,
			ConsecutiveRequired: 2, CooldownMs: 30000, Direction: string(model.DirectionSpikeOnly),
		},
	}
}

func base(dir model.Direction) DetectorConfig {
	return DetectorConfig{WarnZ: 2.0, CritZ: 3.0, ConsecutiveRequired: 2, CooldownMs: 30000, Direction: string(dir)}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/sentineld/sentineld.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Polling.AnomalyIntervalMs < 100 {
		errs = append(errs, fmt.Sprintf("polling.anomaly_interval_ms must be >= 100, got %d", cfg.Polling.AnomalyIntervalMs))
	}
	if cfg.Polling.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("polling.max_connections must be >= 1, got %d", cfg.Polling.MaxConnections))
	}
	if cfg.Polling.BufferCapacity < cfg.Polling.MinSamples {
		errs = append(errs, "polling.buffer_capacity must be >= polling.min_samples")
	}
	if cfg.Polling.DrainTimeoutMs < 0 {
		errs = append(errs, "polling.drain_timeout_ms must be >= 0")
	}
	if cfg.Correlator.WindowMs < cfg.Correlator.TickMs {
		errs = append(errs, "correlator.window_ms should be >= correlator.tick_ms")
	}
	if cfg.Webhooks.MaxRetries < 0 {
		errs = append(errs, "webhooks.max_retries must be >= 0")
	}
	if cfg.Webhooks.Multiplier < 1.0 {
		errs = append(errs, fmt.Sprintf("webhooks.multiplier must be >= 1.0, got %f", cfg.Webhooks.Multiplier))
	}
	if cfg.Webhooks.MaxInFlight < 1 {
		errs = append(errs, fmt.Sprintf("webhooks.max_in_flight must be >= 1, got %d", cfg.Webhooks.MaxInFlight))
	}
	if cfg.Webhooks.HysteresisFactor <= 0.0 || cfg.Webhooks.HysteresisFactor > 1.0 {
		errs = append(errs, fmt.Sprintf("webhooks.hysteresis_factor must be in (0.0, 1.0], got %f", cfg.Webhooks.HysteresisFactor))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	for name, d := range cfg.Detectors {
		if d.WarnZ <= 0 || d.CritZ <= d.WarnZ {
			errs = append(errs, fmt.Sprintf("detectors.%s: crit_z must be > warn_z > 0", name))
		}
		if d.ConsecutiveRequired < 1 {
			errs = append(errs, fmt.Sprintf("detectors.%s: consecutive_required must be >= 1", name))
		}
	}
	for i, c := range cfg.Connections {
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("connections[%d].id must not be empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// ApplyHotReload copies the non-destructive fields from next into cur:
// detector thresholds, polling interval, correlator cadence/window,
// webhook defaults, and log level. Destructive fields (DB path, API and
// metrics bind addresses) are left untouched and take effect only on
// restart. Only cur changes: components that copied these values at
// startup are not updated.
func ApplyHotReload(cur *Config, next Config) {
	cur.Detectors = next.Detectors
	cur.Polling.AnomalyIntervalMs = next.Polling.AnomalyIntervalMs
	cur.Correlator = next.Correlator
	cur.Webhooks = next.Webhooks
	cur.Observability.LogLevel = next.Observability.LogLevel
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
