// Package observability — metrics.go
//
// Prometheus metrics for the sentineld daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only by default — no external exposure.
//
// Metric naming convention: sentineld_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - connectionId is NOT used as a label on histograms (unbounded in a
//     large fleet); it appears only on low-cardinality counters where
//     the fleet size is the operator's own choice.
//   - metricKind, severity, kind, and pattern are fixed small enums.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sentineld.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Polling ──────────────────────────────────────────────────────────────

	// PollsTotal counts completed polling ticks.
	// Labels: connection_id, outcome (ok, error, overrun)
	PollsTotal *prometheus.CounterVec

	// PollDuration records poll-to-detect latency per tick.
	PollDuration prometheus.Histogram

	// ActiveConnections is the current number of tracked connections.
	ActiveConnections prometheus.Gauge

	// ─── Anomaly detection ──────────────────────────────────────────────────────

	// AnomalyEventsTotal counts fired anomaly events.
	// Labels: metric_kind, kind (spike, drop), severity
	AnomalyEventsTotal *prometheus.CounterVec

	// ZScoreHistogram records the distribution of computed z-scores.
	ZScoreHistogram prometheus.Histogram

	// ─── Correlation ─────────────────────────────────────────────────────────

	// CorrelatedGroupsTotal counts emitted correlated groups.
	// Labels: pattern, severity
	CorrelatedGroupsTotal *prometheus.CounterVec

	// ─── Webhook dispatch ────────────────────────────────────────────────────

	// WebhookDeliveriesTotal counts webhook delivery attempts.
	// Labels: outcome (the delivery status after the attempt: success,
	// retrying, failed)
	WebhookDeliveriesTotal *prometheus.CounterVec

	// WebhookDeliveryDuration records HTTP round-trip latency per attempt.
	WebhookDeliveryDuration prometheus.Histogram

	// WebhookInFlight is the current number of in-flight deliveries.
	WebhookInFlight prometheus.Gauge

	// WebhookDeadLetterQueueDepth is the current number of deliveries in
	// the dead-letter state.
	WebhookDeadLetterQueueDepth prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StoragePrunedTotal counts rows removed by retention pruning.
	// Labels: bucket (anomaly_events, correlated_groups, deliveries)
	StoragePrunedTotal *prometheus.CounterVec

	// ─── Daemon ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all sentineld Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "polling",
			Name:      "ticks_total",
			Help:      "Total polling ticks completed, by connection and outcome.",
		}, []string{"connection_id", "outcome"}),

		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "polling",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a single poll-extract-detect tick.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "polling",
			Name:      "active_connections",
			Help:      "Current number of connections tracked by the registry.",
		}),

		AnomalyEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "anomaly",
			Name:      "events_total",
			Help:      "Total anomaly events fired, by metric kind, direction, and severity.",
		}, []string{"metric_kind", "kind", "severity"}),

		ZScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "anomaly",
			Name:      "zscore",
			Help:      "Distribution of computed z-scores across all metric kinds.",
			Buckets:   []float64{0.5, 1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0, 8.0},
		}),

		CorrelatedGroupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "correlator",
			Name:      "groups_total",
			Help:      "Total correlated groups emitted, by pattern and severity.",
		}, []string{"pattern", "severity"}),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),

		WebhookDeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "HTTP round-trip latency of a single webhook delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}),

		WebhookInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "webhook",
			Name:      "in_flight",
			Help:      "Current number of in-flight webhook deliveries.",
		}),

		WebhookDeadLetterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "webhook",
			Name:      "dead_letter_depth",
			Help:      "Current number of deliveries in the dead-letter state.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentineld",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StoragePrunedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentineld",
			Subsystem: "storage",
			Name:      "pruned_total",
			Help:      "Total rows removed by retention pruning, by bucket.",
		}, []string{"bucket"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentineld",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.PollDuration,
		m.ActiveConnections,
		m.AnomalyEventsTotal,
		m.ZScoreHistogram,
		m.CorrelatedGroupsTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryDuration,
		m.WebhookInFlight,
		m.WebhookDeadLetterQueueDepth,
		m.StorageWriteLatency,
		m.StoragePrunedTotal,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
