// Package engine — engine.go
//
// Anomaly Engine: orchestrates the Metric Buffer and Spike Detector
// across every (connection, metric) pair once per polling tick (spec
// component E). Driven externally by the Polling Supervisor; owns no
// goroutines of its own.
//
// Grounded on internal/anomaly/engine.go's per-tick orchestration shape
// (fetch -> extract -> buffer -> detect -> enrich -> fan-out), adapted
// from a single Mahalanobis scorer over a feature vector to a per-metric
// buffer+detector pair keyed by (connectionId, metricKind).

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sentineld/sentineld/internal/buffer"
	"github.com/sentineld/sentineld/internal/config"
	"github.com/sentineld/sentineld/internal/dbclient"
	"github.com/sentineld/sentineld/internal/detector"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/observability"
	"github.com/sentineld/sentineld/internal/storage"
)

// Dispatcher is the narrow interface the Anomaly Engine uses to hand
// off events to the Webhook Dispatcher, kept separate from
// internal/webhook to avoid an import cycle (the dispatcher depends on
// the Threshold Gate and Storage, not on the engine).
type Dispatcher interface {
	Dispatch(ctx context.Context, eventKind, connectionID string, payload any)

	// Reconcile re-arms the Threshold Gate for (eventKind, connectionID)
	// once value has fallen back under the gate's hysteresis band,
	// implementing spec §4.H's re-fire rule and spec §5's periodic
	// "Threshold Gate reconciliation" task.
	Reconcile(ctx context.Context, eventKind, connectionID string, value, threshold float64)
}

// pairKey identifies one (connection, metric) buffer+detector pair.
type pairKey struct {
	connectionID string
	metricKind   model.MetricKind
}

// pair bundles the mutable state for one (connection, metric) pair.
type pair struct {
	buf *buffer.Buffer
	det *detector.Detector
}

// Engine is the Anomaly Engine. Safe for concurrent use across
// connections; per-connection ticks are still expected to be serialized
// by the Polling Supervisor (spec §4.D's overrun rule), so the only
// concurrency this type needs to defend against is cross-connection.
type Engine struct {
	mu    sync.Mutex
	pairs map[pairKey]*pair

	cfg        map[model.MetricKind]config.DetectorConfig
	bufCap     int
	bufMin     int
	maxRecent  int
	ringsMu    sync.Mutex
	rings      map[string]*Ring // connectionId -> ring

	store      storage.Store
	metrics    *observability.Metrics
	dispatcher Dispatcher
	clock      model.Clock

	capsMu sync.Mutex
	caps   map[string]dbclient.Capabilities // connectionId -> probed capabilities
}

// New creates an Engine. clock may be nil (defaults to model.RealClock{}).
func New(cfg map[model.MetricKind]config.DetectorConfig, bufCap, bufMin, maxRecentEvents int,
	store storage.Store, metrics *observability.Metrics, dispatcher Dispatcher, clock model.Clock,
) *Engine {
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Engine{
		pairs:      make(map[pairKey]*pair),
		cfg:        cfg,
		bufCap:     bufCap,
		bufMin:     bufMin,
		maxRecent:  maxRecentEvents,
		rings:      make(map[string]*Ring),
		store:      store,
		metrics:    metrics,
		dispatcher: dispatcher,
		clock:      clock,
		caps:       make(map[string]dbclient.Capabilities),
	}
}

// SetCapabilities records connectionID's probed capabilities, consulted
// by capabilityGate to skip extractors whose source command an
// ACL-restricted deployment denies (spec §7 "Capability missing").
// Called once at registration time; safe to call again on reconnect.
func (e *Engine) SetCapabilities(connectionID string, caps dbclient.Capabilities) {
	e.capsMu.Lock()
	defer e.capsMu.Unlock()
	e.caps[connectionID] = caps
}

// capabilityGate reports whether kind's extractor should run for
// connectionID. Connections never probed (caps absent) default to
// allowed, so capability probing is strictly additive: a probe failure
// never blocks metrics that don't depend on a privileged command.
func (e *Engine) capabilityGate(connectionID string, kind model.MetricKind) bool {
	e.capsMu.Lock()
	caps, ok := e.caps[connectionID]
	e.capsMu.Unlock()
	if !ok {
		return true
	}
	switch kind {
	case model.MetricSlowlogCount:
		return caps.HasCommandLog
	case model.MetricACLDenied:
		return caps.HasACLLog
	default:
		return true
	}
}

// RingFor returns (creating if absent) the per-connection event ring,
// so the Correlator and the HTTP API can read the same backing store
// the engine writes into.
func (e *Engine) RingFor(connectionID string) *Ring {
	e.ringsMu.Lock()
	defer e.ringsMu.Unlock()
	r, ok := e.rings[connectionID]
	if !ok {
		r = NewRing(e.maxRecent)
		e.rings[connectionID] = r
	}
	return r
}

// Rings returns a snapshot of every connection's ring, keyed by
// connectionId — used by the Correlator to iterate the whole fleet.
func (e *Engine) Rings() map[string]*Ring {
	e.ringsMu.Lock()
	defer e.ringsMu.Unlock()
	out := make(map[string]*Ring, len(e.rings))
	for k, v := range e.rings {
		out[k] = v
	}
	return out
}

// ProcessTick runs spec §4.E's per-tick pipeline for one connection:
// fetch an info snapshot, extract every configured metric, update its
// buffer and detector, and fan out any fired AnomalyEvents.
func (e *Engine) ProcessTick(ctx context.Context, connectionID, host string, port int, client dbclient.Client) error {
	snap, err := client.InfoSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: tick %s: info snapshot: %w", connectionID, err)
	}

	now := model.NowMs(e.clock)
	ring := e.RingFor(connectionID)

	for kind := range e.cfg {
		extractor, ok := GetExtractor(kind)
		if !ok {
			continue // no extractor registered for this configured kind
		}
		if !e.capabilityGate(connectionID, kind) {
			continue // source command denied by this instance's ACL
		}
		value, ok := extractor(snap)
		if !ok {
			continue // source field(s) absent this tick — skip, not zero
		}

		p := e.pairFor(connectionID, kind)
		p.buf.Add(model.MetricSample{Value: value, Timestamp: now})
		stats := p.buf.Stats()

		if e.dispatcher != nil && stats.IsWarm {
			e.reconcileGate(ctx, connectionID, kind, value, stats)
		}

		result, fired := p.det.Process(value, stats, now)
		if !fired {
			continue
		}

		evt := model.AnomalyEvent{
			ID:           uuid.NewString(),
			Timestamp:    now,
			ConnectionID: connectionID,
			MetricKind:   kind,
			Kind:         result.Kind,
			Severity:     result.Severity,
			Value:        value,
			Baseline:     stats.Mean,
			StdDev:       stats.StdDev,
			ZScore:       result.ZScore,
			Threshold:    result.Threshold,
			Message:      result.Message,
			SourceHost:   host,
			SourcePort:   port,
		}

		ring.Push(evt)

		if err := e.store.SaveAnomalyEvent(evt); err != nil {
			return fmt.Errorf("engine: persist anomaly event: %w", err)
		}

		if e.metrics != nil {
			e.metrics.AnomalyEventsTotal.WithLabelValues(string(kind), string(result.Kind), string(result.Severity)).Inc()
			e.metrics.ZScoreHistogram.Observe(result.ZScore)
		}

		if e.dispatcher != nil {
			e.dispatcher.Dispatch(ctx, "anomaly.detected", connectionID, evt)
			e.dispatchSpecialCases(ctx, connectionID, evt, stats)
		}
	}

	return nil
}

// reconcileGate runs spec §5's periodic Threshold Gate reconciliation
// inline with every tick rather than on a separate schedule: the two
// gated event kinds (connection.spike, latency.spike) each get a
// Reconcile call using the detector's own z-threshold as the fallback
// (the value dispatchSpecialCases reports as Threshold for a critical
// z-score fire),
// so a subscriber's alert can re-arm as soon as the metric recovers
// even on a tick where nothing fires.
func (e *Engine) reconcileGate(ctx context.Context, connectionID string, kind model.MetricKind, value float64, stats buffer.Stats) {
	critZ := e.cfg[kind].CritZ
	switch kind {
	case model.MetricConnections:
		e.dispatcher.Reconcile(ctx, "connection.spike", connectionID, value, critZ)
	case model.MetricOpsPerSec:
		e.dispatcher.Reconcile(ctx, "latency.spike", connectionID, latencyRatio(stats.Mean, value), critZ)
	}
}

// dispatchSpecialCases implements spec §4.E's two dedicated dispatches
// beyond the generic anomaly.detected event.
func (e *Engine) dispatchSpecialCases(ctx context.Context, connectionID string, evt model.AnomalyEvent, stats buffer.Stats) {
	switch {
	case evt.MetricKind == model.MetricConnections && evt.Kind == model.KindSpike:
		e.dispatcher.Dispatch(ctx, "connection.spike", connectionID, map[string]any{
			"current":   evt.Value,
			"baseline":  evt.Baseline,
			"threshold": evt.Threshold,
		})

	case evt.MetricKind == model.MetricOpsPerSec && evt.Kind == model.KindDrop:
		currentLatency := latencyRatio(evt.Baseline, evt.Value)
		e.dispatcher.Dispatch(ctx, "latency.spike", connectionID, map[string]any{
			"currentLatency": currentLatency,
			"baseline":       1.0,
			"threshold":      evt.Threshold,
		})
	}
}

// latencyRatio computes baseline/value, returning +Inf when value is 0
// (an ops-per-sec drop to zero implies unbounded effective latency).
func latencyRatio(baseline, value float64) float64 {
	if value == 0 {
		return inf()
	}
	return baseline / value
}

func inf() float64 {
	var zero float64
	return 1 / zero
}

func (e *Engine) pairFor(connectionID string, kind model.MetricKind) *pair {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pairKey{connectionID, kind}
	p, ok := e.pairs[key]
	if ok {
		return p
	}

	detCfg := detector.DefaultConfig()
	if override, ok := e.cfg[kind]; ok {
		detCfg = detector.Config{
			WarnZ:               override.WarnZ,
			CritZ:               override.CritZ,
			WarnAbs:             override.WarnAbs,
			CritAbs:             override.CritAbs,
			ConsecutiveRequired: override.ConsecutiveRequired,
			CooldownMs:          override.CooldownMs,
			Direction:           override.ToModelDirection(),
		}
	}

	p = &pair{
		buf: buffer.New(e.bufCap, e.bufMin),
		det: detector.New(detCfg),
	}
	e.pairs[key] = p
	return p
}

// ForgetConnection drops all buffer/detector state for connectionID,
// invoked via the Polling Supervisor's onConnectionRemoved hook so
// removed-connection memory doesn't accumulate indefinitely.
func (e *Engine) ForgetConnection(connectionID string) {
	e.mu.Lock()
	for key := range e.pairs {
		if key.connectionID == connectionID {
			delete(e.pairs, key)
		}
	}
	e.mu.Unlock()

	e.ringsMu.Lock()
	delete(e.rings, connectionID)
	e.ringsMu.Unlock()
}
