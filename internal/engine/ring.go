// Package engine — ring.go
//
// Ring is the in-memory FIFO of recent AnomalyEvents shared between the
// Anomaly Engine (producer), the Correlator (which reads uncorrelated
// events and stamps a correlationId back in), and the HTTP API (which
// marks events resolved in it; event listings are read from Storage).
//
// Grounded on internal/kernel's bounded ring-buffer-over-a-slice idiom,
// generalized from raw kernel events to AnomalyEvents and with an
// index-by-ID map added since, unlike the kernel ring, entries here are
// mutated in place after insertion (resolved, correlationId).

package engine

import (
	"sync"

	"github.com/sentineld/sentineld/internal/model"
)

// Ring is a bounded, FIFO-eviction store of AnomalyEvents for one
// connection. Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	capacity int
	events   []model.AnomalyEvent // ordered oldest-to-newest
	byID     map[string]int       // event ID -> index into events
}

// NewRing creates a Ring with the given capacity. capacity <= 0 uses 1000.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{capacity: capacity, byID: make(map[string]int)}
}

// Push appends an event, evicting the oldest if at capacity.
func (r *Ring) Push(evt model.AnomalyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) >= r.capacity {
		evicted := r.events[0]
		r.events = r.events[1:]
		delete(r.byID, evicted.ID)
		for id, idx := range r.byID {
			r.byID[id] = idx - 1
		}
	}
	r.events = append(r.events, evt)
	r.byID[evt.ID] = len(r.events) - 1
}

// Snapshot returns a copy of all events currently held, oldest first.
func (r *Ring) Snapshot() []model.AnomalyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AnomalyEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Uncorrelated returns events with no CorrelationID and not Resolved,
// oldest first — the Correlator's input set.
func (r *Ring) Uncorrelated() []model.AnomalyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AnomalyEvent
	for _, e := range r.events {
		if e.CorrelationID == "" && !e.Resolved {
			out = append(out, e)
		}
	}
	return out
}

// SetCorrelationID stamps correlationId onto the event with the given
// ID, if still present in the ring. No-op if the event has since been
// evicted (the persisted copy in Storage is updated separately by the
// caller).
func (r *Ring) SetCorrelationID(eventID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.byID[eventID]; ok {
		r.events[idx].CorrelationID = correlationID
	}
}

// MarkResolved marks the event with the given ID resolved, if present.
func (r *Ring) MarkResolved(eventID string, resolvedAt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.byID[eventID]; ok {
		r.events[idx].Resolved = true
		r.events[idx].ResolvedAt = resolvedAt
	}
}
