// Package model — model.go
//
// Shared data model for sentineld: the types that flow between the
// Anomaly Engine, Correlator, Webhook Dispatcher, and Storage port.
// These are the entities described in spec §3; beyond data they carry
// only small pure helpers (severity ranking, secret masking, dead-letter
// checks) and no I/O, so that every subsystem can pass them by value or pointer without import cycles.

package model

import "time"

// Severity ranks an AnomalyEvent or CorrelatedGroup.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank returns a total order for Severity so callers can compute maxima.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// AtLeast reports whether s is ranked >= other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Greater reports whether s is ranked strictly higher than other.
func (s Severity) Greater(other Severity) bool {
	return s.rank() > other.rank()
}

// AnomalyKind is the direction of an anomaly relative to its baseline.
type AnomalyKind string

const (
	KindSpike AnomalyKind = "spike"
	KindDrop  AnomalyKind = "drop"
)

// Direction constrains which AnomalyKinds a DetectorConfig will fire.
type Direction string

const (
	DirectionSpikeOnly Direction = "spike-only"
	DirectionDropOnly  Direction = "drop-only"
	DirectionBoth      Direction = "both"
)

// Allows reports whether kind is permitted under this direction.
func (d Direction) Allows(kind AnomalyKind) bool {
	switch d {
	case DirectionSpikeOnly:
		return kind == KindSpike
	case DirectionDropOnly:
		return kind == KindDrop
	default:
		return true
	}
}

// MetricKind identifies a single polled metric extracted from an info
// snapshot. See spec §4.E's extractor table for the canonical set.
type MetricKind string

const (
	MetricConnections        MetricKind = "connections"
	MetricOpsPerSec          MetricKind = "ops_per_sec"
	MetricMemoryUsed         MetricKind = "memory_used"
	MetricInputKbps          MetricKind = "input_kbps"
	MetricOutputKbps         MetricKind = "output_kbps"
	MetricSlowlogCount       MetricKind = "slowlog_count"
	MetricACLDenied          MetricKind = "acl_denied"
	MetricEvictedKeys        MetricKind = "evicted_keys"
	MetricBlockedClients     MetricKind = "blocked_clients"
	MetricKeyspaceMisses     MetricKind = "keyspace_misses"
	MetricFragmentationRatio MetricKind = "fragmentation_ratio"
)

// MetricSample is a single poll observation. Immutable after creation.
type MetricSample struct {
	Value     float64
	Timestamp int64 // epoch-ms
}

// AnomalyEvent is emitted by the Spike Detector and enriched by the
// Anomaly Engine before being handed to the Correlator and Dispatcher.
type AnomalyEvent struct {
	ID            string      `json:"id"`
	Timestamp     int64       `json:"timestamp"`
	ConnectionID  string      `json:"connectionId"`
	MetricKind    MetricKind  `json:"metricKind"`
	Kind          AnomalyKind `json:"kind"`
	Severity      Severity    `json:"severity"`
	Value         float64     `json:"value"`
	Baseline      float64     `json:"baseline"`
	StdDev        float64     `json:"stddev"`
	ZScore        float64     `json:"zScore"`
	Threshold     float64     `json:"threshold"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	RelatedMetrics []MetricKind `json:"relatedMetrics,omitempty"`
	Resolved      bool        `json:"resolved"`
	ResolvedAt    int64       `json:"resolvedAt,omitempty"`
	SourceHost    string      `json:"sourceHost"`
	SourcePort    int         `json:"sourcePort"`
}

// Pattern names a diagnostic correlation label. See spec §4.F.3.
type Pattern string

const (
	PatternCascadingFailure   Pattern = "cascading-failure"
	PatternMemoryPressure     Pattern = "memory-pressure"
	PatternTrafficSurge       Pattern = "traffic-surge"
	PatternAuthStorm          Pattern = "auth-storm"
	PatternReplicationStress  Pattern = "replication-stress"
	PatternSlowQueryBurst     Pattern = "slow-query-burst"
	PatternEvictionCascade    Pattern = "eviction-cascade"
	PatternFragmentationDrift Pattern = "fragmentation-drift"
	PatternUnknown            Pattern = "unknown"
)

// CorrelatedGroup is the output of the Correlator: a set of co-occurring
// AnomalyEvents labelled with a diagnostic pattern.
type CorrelatedGroup struct {
	CorrelationID   string     `json:"correlationId"`
	Timestamp       int64      `json:"timestamp"`
	ConnectionID    string     `json:"connectionId"`
	Pattern         Pattern    `json:"pattern"`
	Severity        Severity   `json:"severity"`
	Diagnosis       string     `json:"diagnosis"`
	Recommendations []string   `json:"recommendations"`
	AnomalyIDs      []string   `json:"anomalies"`
}

// RetryPolicy controls a webhook subscription's backoff schedule.
type RetryPolicy struct {
	MaxRetries     int     `json:"maxRetries"`
	InitialDelayMs int64   `json:"initialDelayMs"`
	Multiplier     float64 `json:"multiplier"`
	MaxDelayMs     int64   `json:"maxDelayMs"`
}

// DeliveryConfig controls per-attempt HTTP behavior.
type DeliveryConfig struct {
	TimeoutMs          int64 `json:"timeoutMs"`
	MaxResponseBodyBytes int `json:"maxResponseBodyBytes"`
}

// AlertConfig controls threshold hysteresis for a subscription.
type AlertConfig struct {
	HysteresisFactor float64 `json:"hysteresisFactor"`
}

// Webhook is a subscriber registration (spec §3 "Webhook subscription").
type Webhook struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Enabled        bool              `json:"enabled"`
	Secret         string            `json:"secret"`
	Events         []string          `json:"events"`
	Headers        map[string]string `json:"headers"`
	RetryPolicy    RetryPolicy       `json:"retryPolicy"`
	DeliveryConfig DeliveryConfig    `json:"deliveryConfig"`
	AlertConfig    AlertConfig       `json:"alertConfig"`
	Thresholds     map[string]float64 `json:"thresholds"`
	ConnectionID   string            `json:"connectionId,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// MaskedSecret returns the Webhook with Secret replaced by its first 10
// characters followed by "***", per spec §4.G "Sensitive-data rules".
// Used only at API response boundaries — Storage and internal dispatch
// always operate on the unmasked record.
func (w Webhook) MaskedSecret() Webhook {
	out := w
	if len(out.Secret) > 10 {
		out.Secret = out.Secret[:10] + "***"
	} else if out.Secret != "" {
		out.Secret = out.Secret + "***"
	}
	return out
}

// DeliveryStatus is the lifecycle state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// WebhookDelivery records one dispatch attempt lineage for a subscriber.
type WebhookDelivery struct {
	ID           string         `json:"id"`
	WebhookID    string         `json:"webhookId"`
	ConnectionID string         `json:"connectionId"`
	EventKind    string         `json:"eventKind"`
	Payload      []byte         `json:"payload"`
	Status       DeliveryStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	StatusCode   int            `json:"statusCode,omitempty"`
	ResponseBody string         `json:"responseBody,omitempty"`
	NextRetryAt  int64          `json:"nextRetryAt,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
	CompletedAt  int64          `json:"completedAt,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
}

// IsDeadLetter reports whether the delivery has exhausted its retry
// budget, per spec §3's WebhookDelivery lifecycle definition.
func (d WebhookDelivery) IsDeadLetter(maxRetries int) bool {
	return d.Status == DeliveryFailed && d.Attempts >= maxRetries
}

// Clock abstracts time for testability, per spec §9's capability-record
// design note. Production code uses RealClock; tests inject fakes.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// NowMs returns the current time from clk as epoch milliseconds.
func NowMs(clk Clock) int64 {
	return clk.Now().UnixMilli()
}
