// Package engine — extractors.go
//
// Metric extractors: functions that pull one numeric value out of a
// parsed INFO snapshot for a given model.MetricKind.
//
// Registration mirrors contrib/scorer.go's RegisterScorer/init()
// plugin pattern, simplified to a package-level map since sentineld
// ships a fixed, closed set of extractors rather than a community
// plugin surface — the registry idiom survives, the dynamic-loading
// justification behind it does not apply here.

package engine

import (
	"fmt"
	"sync"

	"github.com/sentineld/sentineld/internal/dbclient"
	"github.com/sentineld/sentineld/internal/model"
)

// Extractor pulls a metric's numeric value out of an info snapshot.
// Returns (0, false) when the source field(s) are absent — the engine
// treats that as "skip this metric this tick", never as a zero sample.
type Extractor func(snap dbclient.InfoSnapshot) (float64, bool)

var (
	extractorsMu sync.RWMutex
	extractors   = make(map[model.MetricKind]Extractor)
)

// RegisterExtractor installs the extractor for kind. Panics on a
// duplicate registration — a programmer error, not a runtime one.
func RegisterExtractor(kind model.MetricKind, fn Extractor) {
	extractorsMu.Lock()
	defer extractorsMu.Unlock()
	if _, exists := extractors[kind]; exists {
		panic(fmt.Sprintf("engine: extractor %q already registered", kind))
	}
	extractors[kind] = fn
}

// GetExtractor returns the registered extractor for kind, or false if
// none is registered.
func GetExtractor(kind model.MetricKind) (Extractor, bool) {
	extractorsMu.RLock()
	defer extractorsMu.RUnlock()
	fn, ok := extractors[kind]
	return fn, ok
}

// RegisteredKinds returns every metric kind with a registered extractor.
func RegisteredKinds() []model.MetricKind {
	extractorsMu.RLock()
	defer extractorsMu.RUnlock()
	out := make([]model.MetricKind, 0, len(extractors))
	for k := range extractors {
		out = append(out, k)
	}
	return out
}

func init() {
	RegisterExtractor(model.MetricConnections, field("clients", "connected_clients"))
	RegisterExtractor(model.MetricOpsPerSec, field("stats", "instantaneous_ops_per_sec"))
	RegisterExtractor(model.MetricMemoryUsed, field("memory", "used_memory"))
	RegisterExtractor(model.MetricInputKbps, field("stats", "instantaneous_input_kbps"))
	RegisterExtractor(model.MetricOutputKbps, field("stats", "instantaneous_output_kbps"))
	RegisterExtractor(model.MetricSlowlogCount, field("stats", "slowlog_len"))
	RegisterExtractor(model.MetricEvictedKeys, field("stats", "evicted_keys"))
	RegisterExtractor(model.MetricBlockedClients, field("clients", "blocked_clients"))
	RegisterExtractor(model.MetricKeyspaceMisses, field("stats", "keyspace_misses"))
	RegisterExtractor(model.MetricFragmentationRatio, field("memory", "mem_fragmentation_ratio"))
	RegisterExtractor(model.MetricACLDenied, aclDenied)
}

// field returns an Extractor reading a single section/field pair.
func field(section, name string) Extractor {
	return func(snap dbclient.InfoSnapshot) (float64, bool) {
		return snap.Float64(section, name)
	}
}

// aclDenied sums rejected_connections and acl_access_denied_auth, both
// under the "stats" section. Present if at least one of the two fields
// is present; absent fields contribute 0.
func aclDenied(snap dbclient.InfoSnapshot) (float64, bool) {
	a, okA := snap.Float64("stats", "rejected_connections")
	b, okB := snap.Float64("stats", "acl_access_denied_auth")
	if !okA && !okB {
		return 0, false
	}
	return a + b, true
}
