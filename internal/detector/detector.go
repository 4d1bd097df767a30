// Package detector — detector.go
//
// Spike Detector: a per-(connectionId, metricKind) two-tier z-score
// classifier with hysteresis, consecutive-sample confirmation, and
// per-kind cooldown (spec §4.B).
//
// State transition shape is grounded on
// internal/escalation/state_machine.go's mutex-guarded per-key state:
// a classification only "fires" (escalates) forward under explicit
// rules, never silently, and every field is protected by one mutex.

package detector

import (
	"fmt"
	"math"

	"github.com/sentineld/sentineld/internal/buffer"
	"github.com/sentineld/sentineld/internal/model"
)

// Config holds the per-metric-kind detector parameters (spec §3
// "DetectorConfig").
type Config struct {
	WarnZ               float64
	CritZ                float64
	WarnAbs              *float64 // nil = no absolute floor
	CritAbs              *float64
	ConsecutiveRequired  int
	CooldownMs           int64
	Direction            model.Direction
}

// DefaultConfig returns the spec §3 defaults.
func DefaultConfig() Config {
	return Config{
		WarnZ:               2.0,
		CritZ:                3.0,
		ConsecutiveRequired: 2,
		CooldownMs:          30000,
		Direction:           model.DirectionBoth,
	}
}

// Detector holds the mutable state for one (connectionId, metricKind)
// pair. Not safe to share across pairs — callers key a map of these,
// one per (connectionId, metricKind), per spec §3 "DetectorState".
type Detector struct {
	cfg             Config
	consecutiveCount int
	lastFireAt      int64 // epoch-ms; 0 = never fired
	lastSeverity    model.Severity
}

// New creates a Detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Result is a candidate anomaly produced by Process, or nil via the
// bool return when no anomaly fires on this sample.
type Result struct {
	Kind      model.AnomalyKind
	Severity  model.Severity
	ZScore    float64
	Threshold float64
	Message   string
}

// Process runs the per-sample pipeline of spec §4.B steps 1-8 and
// returns (result, true) if an AnomalyEvent should fire.
func (d *Detector) Process(value float64, stats buffer.Stats, now int64) (Result, bool) {
	// 1. Warm-up gate.
	if !stats.IsWarm {
		return Result{}, false
	}

	var z float64
	if stats.StdDev != 0 {
		z = (value - stats.Mean) / stats.StdDev
	}

	severity, threshold, ok := d.classify(value, stats, z)
	if !ok {
		// Below the warn band: reset confirmation streak.
		d.consecutiveCount = 0
		return Result{}, false
	}

	kind := model.KindSpike
	if value < stats.Mean {
		kind = model.KindDrop
	}

	// 5. Direction gate.
	if !d.cfg.Direction.Allows(kind) {
		d.consecutiveCount = 0
		return Result{}, false
	}

	// 6. Confirmation.
	d.consecutiveCount++
	if d.consecutiveCount < d.cfg.ConsecutiveRequired {
		return Result{}, false
	}

	// 7. Cooldown: suppress unless this fire escalates to a strictly
	// higher severity than the last fire (warn -> critical bypasses it).
	withinCooldown := d.lastFireAt != 0 && now-d.lastFireAt < d.cfg.CooldownMs
	escalating := severity.Greater(d.lastSeverity)
	if withinCooldown && !escalating {
		return Result{}, false
	}

	// 8. Fire.
	d.lastFireAt = now
	d.lastSeverity = severity

	return Result{
		Kind:      kind,
		Severity:  severity,
		ZScore:    z,
		Threshold: threshold,
		Message:   message(kind, severity, value, stats.Mean, z),
	}, true
}

// classify implements spec §4.B step 4: two-tier z-score classification
// with absolute-floor fallback when stddev == 0.
func (d *Detector) classify(value float64, stats buffer.Stats, z float64) (model.Severity, float64, bool) {
	absZ := math.Abs(z)

	critAbsHit := d.cfg.CritAbs != nil && crosses(value, *d.cfg.CritAbs)
	warnAbsHit := d.cfg.WarnAbs != nil && crosses(value, *d.cfg.WarnAbs)

	if stats.StdDev == 0 {
		// 2. Only absolute thresholds apply.
		switch {
		case critAbsHit:
			return model.SeverityCritical, *d.cfg.CritAbs, true
		case warnAbsHit:
			return model.SeverityWarning, *d.cfg.WarnAbs, true
		default:
			return "", 0, false
		}
	}

	switch {
	case absZ >= d.cfg.CritZ || critAbsHit:
		return model.SeverityCritical, d.cfg.CritZ, true
	case absZ >= d.cfg.WarnZ || warnAbsHit:
		return model.SeverityWarning, d.cfg.WarnZ, true
	default:
		return "", 0, false
	}
}

// crosses reports whether value has crossed an absolute floor from
// below (the only direction absolute floors are specified for: e.g.
// fragmentation_ratio warn 1.5 / crit 2.0).
func crosses(value, floor float64) bool {
	return value >= floor
}

func message(kind model.AnomalyKind, sev model.Severity, value, baseline, z float64) string {
	return fmt.Sprintf("%s %s: value=%.2f baseline=%.2f z=%.2f", sev, kind, value, baseline, z)
}

// Reset clears confirmation and cooldown state. The engine does not call
// it: on connection removal, ForgetConnection discards the detector
// instead.
func (d *Detector) Reset() {
	d.consecutiveCount = 0
	d.lastFireAt = 0
	d.lastSeverity = ""
}
