package memory

import (
	"fmt"
	"math"
	"time"
)

// Decay model tunables. Defaults are the canonical values; mnemo.yaml can
// override the tunable ones (salience boost, gradient floor).
const (
	// Salience boost per access. Documented range is [0.05, 0.1]; the
	// midpoint is canonical.
	DefaultSalienceBoost = 0.075

	// Base decay coefficient, giving a ~35 day half-life for an untouched
	// record with recall_frequency 0 and gradient 1.
	BaseDecayCoefficient = 0.02

	// Below this salience a record is archived (subject to governance).
	ArchiveThreshold = 0.01

	// Candidates at or above this confidence do not decay until validated
	// by a first access.
	CandidateImmunityConfidence = 0.8

	// Spacing-effect adjustments applied in the nightly pass.
	GradientIncrement = 0.1
	GradientDecrement = 0.05

	// Lower bound on decay_gradient; an unbounded decrease would blow up
	// the recall_frequency exponent.
	DefaultGradientFloor = 0.1

	// Access counts for monotonic state promotion.
	ActiveAccessThreshold = 1
	CoreAccessThreshold   = 10
)

const hoursPerDay = 24.0

// Tunables carries the adjustable decay constants. The zero value is not
// usable; call DefaultTunables.
type Tunables struct {
	SalienceBoost float64 `yaml:"salience_boost"`
	GradientFloor float64 `yaml:"gradient_floor"`
}

// DefaultTunables returns the canonical constants.
func DefaultTunables() Tunables {
	return Tunables{
		SalienceBoost: DefaultSalienceBoost,
		GradientFloor: DefaultGradientFloor,
	}
}

// Validate rejects tunable values outside their working ranges.
func (t Tunables) Validate() error {
	if t.SalienceBoost <= 0 || t.SalienceBoost > 1 {
		return fmt.Errorf("salience_boost %v out of range (0, 1]", t.SalienceBoost)
	}
	if t.GradientFloor <= 0 || t.GradientFloor > 1 {
		return fmt.Errorf("gradient_floor %v out of range (0, 1]", t.GradientFloor)
	}
	return nil
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / hoursPerDay
}

// OnAccess applies one retrieval event to a record's memory fields:
// counters increment, salience nudges up (clamped to 1.0), state upgrades
// monotonically, and the recall interval shifts. The spacing-effect gradient
// update is deferred to the nightly pass to avoid intra-day thrashing.
func (t Tunables) OnAccess(f MemoryFields, now time.Time) MemoryFields {
	interval := 0.0
	if f.LastAccessedAt != nil {
		interval = daysBetween(*f.LastAccessedAt, now)
	}
	f.PrevRecallInterval = f.LastRecallInterval
	f.LastRecallInterval = interval

	f.AccessCount++
	f.RecallFrequency++
	accessed := now
	f.LastAccessedAt = &accessed

	f.Salience = math.Min(1.0, f.Salience+t.SalienceBoost)

	// Monotonic upgrades only: archived and core never downgrade.
	switch {
	case f.State == StateArchived || f.State == StateCore:
	case f.AccessCount >= CoreAccessThreshold:
		f.State = StateCore
	case f.AccessCount >= ActiveAccessThreshold:
		f.State = StateActive
	}
	return f
}

// Decay applies one nightly decay pass. The result may carry
// State == StateArchived; governance resolution (Resolve) has the final say.
// Returns an error only for integrity bugs (non-finite math inputs), which
// abort the whole batch.
func (t Tunables) Decay(f MemoryFields, now time.Time) (MemoryFields, error) {
	since := f.CreatedAt
	if f.LastAccessedAt != nil {
		since = *f.LastAccessedAt
	}
	days := daysBetween(since, now)
	if days < 0 {
		days = 0
	}

	baseRate := BaseDecayCoefficient / (1 + math.Pow(f.RecallFrequency, f.DecayGradient))

	var rate float64
	switch {
	case f.State == StateCandidate && f.Confidence >= CandidateImmunityConfidence:
		rate = 0
	case f.State == StateCandidate:
		rate = baseRate * (1 + (1-f.Confidence)*2)
	default:
		// Confidence is inert once a record leaves candidate.
		rate = baseRate
	}

	f.Salience = f.Salience * math.Exp(-rate*days)
	if math.IsNaN(f.Salience) || math.IsInf(f.Salience, 0) {
		return f, fmt.Errorf("decay produced non-finite salience (rate=%v days=%v gradient=%v)", rate, days, f.DecayGradient)
	}
	if f.Salience > 1 {
		f.Salience = 1
	}

	// Spacing update: only when the record was accessed since the last pass.
	if f.LastAccessedAt != nil && (f.LastDecayAt == nil || f.LastAccessedAt.After(*f.LastDecayAt)) {
		if f.LastRecallInterval > f.PrevRecallInterval {
			f.DecayGradient += GradientIncrement
		} else {
			f.DecayGradient -= GradientDecrement
		}
		if f.DecayGradient < t.GradientFloor {
			f.DecayGradient = t.GradientFloor
		}
		f.PrevRecallInterval = f.LastRecallInterval
	}

	passAt := now
	f.LastDecayAt = &passAt

	if f.Salience < ArchiveThreshold {
		f.State = StateArchived
	}
	return f, nil
}
