// Package buffer — buffer.go
//
// Metric Buffer: a fixed-capacity rolling window of samples for a single
// (connectionId, metricKind) pair.
//
// Maintains running count/sum/sum-of-squares so Stats() is O(1); the
// sample slice itself is kept so the oldest sample can be subtracted
// out of the running sums when the window overflows (spec §4.A:
// "numerical stability is preferred (Welford) but not required when
// W ≤ 200" — with the default W=120 we use the simpler running-sums
// form and accept the bounded error that entails).
//
// Destroyed (garbage collected) when its owning connection is removed
// from the Registry; see internal/supervisor's onConnectionRemoved hook.

package buffer

import (
	"math"
	"sync"

	"github.com/sentineld/sentineld/internal/model"
)

// DefaultCapacity is W from spec §3: enough for >= 2 minutes at 1 Hz.
const DefaultCapacity = 120

// DefaultMinSamples is the warm-up threshold from spec §3.
const DefaultMinSamples = 30

// Stats is a point-in-time snapshot of a Buffer's statistics.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	IsWarm bool
}

// Buffer is a bounded ordered sequence of MetricSamples for one
// (connectionId, metricKind). Safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	capacity   int
	minSamples int
	samples    []model.MetricSample
	head       int // index of the oldest sample in samples (ring start)
	count      int // number of valid samples currently stored
	sum        float64
	sumSquares float64
	min        float64
	max        float64
}

// New creates a Buffer with the given capacity and warm-up threshold.
// capacity <= 0 uses DefaultCapacity; minSamples <= 0 uses DefaultMinSamples.
func New(capacity, minSamples int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Buffer{
		capacity:   capacity,
		minSamples: minSamples,
		samples:    make([]model.MetricSample, 0, capacity),
	}
}

// Add appends a sample, dropping the oldest when at capacity. O(1)
// amortized: evicting the tail subtracts its contribution from the
// running sums instead of rescanning the window.
func (b *Buffer) Add(s model.MetricSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	var old model.MetricSample
	if len(b.samples) < b.capacity {
		b.samples = append(b.samples, s)
	} else {
		// Evict the sample at head, replace in place (ring buffer).
		old = b.samples[b.head]
		evicted = true
		b.sum -= old.Value
		b.sumSquares -= old.Value * old.Value
		b.samples[b.head] = s
		b.head = (b.head + 1) % b.capacity
		b.count--
	}

	b.sum += s.Value
	b.sumSquares += s.Value * s.Value
	b.count++

	if b.count == 1 {
		b.min, b.max = s.Value, s.Value
		return
	}

	// min/max can only grow monotonically wider unless the evicted
	// sample held the current extreme, in which case the window
	// (bounded at <=200 entries) is rescanned.
	if evicted && (old.Value == b.min || old.Value == b.max) {
		b.rescanExtremes()
	} else {
		if s.Value < b.min {
			b.min = s.Value
		}
		if s.Value > b.max {
			b.max = s.Value
		}
	}
}

// rescanExtremes recomputes min/max over all currently stored samples.
// Called only when the evicted sample held the current extreme value.
func (b *Buffer) rescanExtremes() {
	first := true
	for _, smp := range b.samples {
		if first {
			b.min, b.max = smp.Value, smp.Value
			first = false
			continue
		}
		if smp.Value < b.min {
			b.min = smp.Value
		}
		if smp.Value > b.max {
			b.max = smp.Value
		}
	}
}

// Stats returns the current buffer statistics. mean/stddev are computed
// from whatever samples are held but are only meaningful once IsWarm is
// true; per spec §4.A,
// count < 2 forces stddev = 0 (treated as warm-up, not zero-variance).
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	st := Stats{Count: n, Min: b.min, Max: b.max}
	st.IsWarm = n >= b.minSamples
	if n == 0 {
		return st
	}

	mean := b.sum / float64(n)
	st.Mean = mean

	if n < 2 {
		st.StdDev = 0
		return st
	}

	variance := b.sumSquares/float64(n) - mean*mean
	if variance < 0 {
		// Guards against floating-point drift from the running-sums form.
		variance = 0
	}
	st.StdDev = math.Sqrt(variance)
	return st
}

// Len returns the current number of stored samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
