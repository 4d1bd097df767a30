// Package correlator — correlator.go
//
// Correlator: a time-windowed grouper that sweeps each connection's
// uncorrelated anomaly events into CorrelatedGroups and labels them
// with a diagnostic pattern (spec component F).
//
// The sliding-window sweep is grounded on internal/gossip/quorum.go's
// per-key, TTL-pruned observation window (there: distinct-node reports
// within an envelope TTL; here: distinct anomaly events within
// W_corr), generalized from a single counter to a slice of open groups
// so an event can close one group and open the next in the same sweep.

package correlator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentineld/sentineld/internal/engine"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/observability"
	"github.com/sentineld/sentineld/internal/storage"
)

// DefaultTick is the correlator's own re-evaluation cadence.
const DefaultTick = 5 * time.Second

// DefaultWindow is W_corr, the sliding grouping window.
const DefaultWindow = 30 * time.Second

// Correlator runs on its own cadence against every connection's event
// ring. Holds no per-connection state across runs — group boundaries
// are recomputed fresh from the ring's uncorrelated events each tick,
// which is safe because events only ever transition from uncorrelated
// to correlated, never back.
type Correlator struct {
	windowMs int64
	eng      *engine.Engine
	store    storage.Store
	metrics  *observability.Metrics
	log      *zap.Logger
	clock    model.Clock
}

// New creates a Correlator. clock may be nil (defaults to model.RealClock{}).
func New(windowMs int64, eng *engine.Engine, store storage.Store, metrics *observability.Metrics, log *zap.Logger, clock model.Clock) *Correlator {
	if clock == nil {
		clock = model.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{windowMs: windowMs, eng: eng, store: store, metrics: metrics, log: log, clock: clock}
}

// Run blocks, re-evaluating every tick interval until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepAll(ctx)
		}
	}
}

// sweepAll runs one correlation pass over every connection's ring.
func (c *Correlator) sweepAll(ctx context.Context) {
	for connectionID, ring := range c.eng.Rings() {
		if err := c.sweepConnection(connectionID, ring); err != nil {
			c.log.Error("correlator sweep failed", zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
}

// sweepConnection groups one connection's uncorrelated events into
// closed windows and emits a CorrelatedGroup per closed window that
// has more than a single member. Single-event "groups" are left
// uncorrelated — correlation is about co-occurrence, not every anomaly.
func (c *Correlator) sweepConnection(connectionID string, ring *engine.Ring) error {
	events := ring.Uncorrelated()
	if len(events) == 0 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	groups := sweep(events, c.windowMs)

	for _, members := range groups {
		if len(members) < 2 {
			continue
		}

		pattern := classify(members)
		severity := model.SeverityInfo
		for _, m := range members {
			severity = model.MaxSeverity(severity, m.Severity)
		}

		correlationID := uuid.NewString()
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
			ring.SetCorrelationID(m.ID, correlationID)
		}

		grp := model.CorrelatedGroup{
			CorrelationID:   correlationID,
			Timestamp:       members[len(members)-1].Timestamp,
			ConnectionID:    connectionID,
			Pattern:         pattern,
			Severity:        severity,
			Diagnosis:       diagnosisFor(pattern),
			Recommendations: recommendationsFor(pattern),
			AnomalyIDs:      ids,
		}

		if err := c.store.SaveCorrelatedGroup(grp); err != nil {
			return fmt.Errorf("correlator: persist group: %w", err)
		}
		for _, m := range members {
			if err := c.store.SaveAnomalyEvent(withCorrelation(m, correlationID)); err != nil {
				return fmt.Errorf("correlator: persist correlationId onto event %s: %w", m.ID, err)
			}
		}

		if c.metrics != nil {
			c.metrics.CorrelatedGroupsTotal.WithLabelValues(string(pattern), string(severity)).Inc()
		}
	}

	return nil
}

func withCorrelation(evt model.AnomalyEvent, correlationID string) model.AnomalyEvent {
	evt.CorrelationID = correlationID
	return evt
}

// sweep partitions timestamp-sorted events into sliding-window groups:
// an event joins the most recent open group unless doing so would
// stretch the group wider than windowMs, in which case it starts a new
// group. Closed groups (everything except possibly the last) are
// returned for correlation; the still-open final group is included too
// since the correlator re-derives groups fresh every tick rather than
// tracking in-progress state between ticks.
func sweep(events []model.AnomalyEvent, windowMs int64) [][]model.AnomalyEvent {
	var groups [][]model.AnomalyEvent
	var current []model.AnomalyEvent

	for _, e := range events {
		if len(current) == 0 {
			current = []model.AnomalyEvent{e}
			continue
		}
		oldest := current[0]
		if e.Timestamp-oldest.Timestamp > windowMs {
			groups = append(groups, current)
			current = []model.AnomalyEvent{e}
			continue
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// classify implements spec §4.F.3's priority-ordered pattern match.
func classify(members []model.AnomalyEvent) model.Pattern {
	kinds := make(map[model.MetricKind][]model.AnomalyEvent)
	for _, m := range members {
		kinds[m.MetricKind] = append(kinds[m.MetricKind], m)
	}
	has := func(k model.MetricKind) bool { _, ok := kinds[k]; return ok }
	hasDirection := func(k model.MetricKind, dir model.AnomalyKind) bool {
		for _, m := range kinds[k] {
			if m.Kind == dir {
				return true
			}
		}
		return false
	}
	hasCritical := func(k model.MetricKind) bool {
		for _, m := range kinds[k] {
			if m.Severity == model.SeverityCritical {
				return true
			}
		}
		return false
	}

	switch {
	case has(model.MetricACLDenied) && hasCritical(model.MetricACLDenied) && len(members) >= 2:
		return model.PatternAuthStorm

	case has(model.MetricMemoryUsed) && (has(model.MetricEvictedKeys) || has(model.MetricFragmentationRatio)):
		return model.PatternMemoryPressure

	case len(kinds) >= 3 && anyCritical(members):
		return model.PatternCascadingFailure

	case hasDirection(model.MetricOpsPerSec, model.KindSpike) && hasDirection(model.MetricConnections, model.KindSpike):
		return model.PatternTrafficSurge

	case has(model.MetricSlowlogCount) && hasDirection(model.MetricOpsPerSec, model.KindDrop):
		return model.PatternSlowQueryBurst

	case has(model.MetricEvictedKeys) && has(model.MetricMemoryUsed):
		return model.PatternEvictionCascade

	case len(kinds[model.MetricFragmentationRatio]) >= 3:
		return model.PatternFragmentationDrift

	default:
		return model.PatternUnknown
	}
}

func anyCritical(members []model.AnomalyEvent) bool {
	for _, m := range members {
		if m.Severity == model.SeverityCritical {
			return true
		}
	}
	return false
}

// diagnosisFor returns a static diagnostic template for pattern.
func diagnosisFor(p model.Pattern) string {
	switch p {
	case model.PatternAuthStorm:
		return "Repeated ACL/auth denials suggest credential misconfiguration or a brute-force attempt against this instance."
	case model.PatternMemoryPressure:
		return "Memory usage is climbing alongside eviction or fragmentation growth; the instance is approaching its configured memory ceiling."
	case model.PatternCascadingFailure:
		return "Multiple unrelated metrics degraded together with at least one critical reading, indicating a systemic failure rather than an isolated metric spike."
	case model.PatternTrafficSurge:
		return "Connection count and command throughput rose together, consistent with a legitimate or abusive traffic surge."
	case model.PatternSlowQueryBurst:
		return "Slow command logging increased while throughput dropped, suggesting expensive commands are blocking the event loop."
	case model.PatternEvictionCascade:
		return "Key eviction is rising in step with memory usage; the eviction policy is actively shedding data to stay under the memory limit."
	case model.PatternFragmentationDrift:
		return "Memory fragmentation has been elevated across several consecutive samples, a slow-burn condition rather than a spike."
	default:
		return "Multiple anomalies occurred close together without matching a known pattern."
	}
}

// recommendationsFor returns static operator guidance for pattern.
func recommendationsFor(p model.Pattern) []string {
	switch p {
	case model.PatternAuthStorm:
		return []string{"Review ACL rules and recent auth failures.", "Consider IP allow-listing or rate-limiting the offending clients."}
	case model.PatternMemoryPressure:
		return []string{"Check maxmemory and the configured eviction policy.", "Look for large keys or unbounded data structures."}
	case model.PatternCascadingFailure:
		return []string{"Treat as a priority incident.", "Check upstream dependencies and recent deploys or config changes."}
	case model.PatternTrafficSurge:
		return []string{"Confirm whether the surge is expected (release, marketing event).", "Scale read replicas or connection pooling if sustained."}
	case model.PatternSlowQueryBurst:
		return []string{"Inspect SLOWLOG for the offending commands.", "Consider replacing O(N) commands with incremental alternatives."}
	case model.PatternEvictionCascade:
		return []string{"Increase maxmemory if the workload's working set has grown.", "Audit TTLs and eviction policy."}
	case model.PatternFragmentationDrift:
		return []string{"Schedule an active memory defragmentation pass.", "Consider a controlled restart during a maintenance window."}
	default:
		return []string{"Review the individual anomaly events for a common root cause."}
	}
}
