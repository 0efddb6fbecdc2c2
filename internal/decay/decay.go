// Package decay computes adaptive importance decay for long-term memories.
//
// A memory's effective importance erodes exponentially with age, with a
// half-life that depends on the memory type (facts erode slowest, events
// fastest). Recent access, frequent access, and knowledge-graph connectivity
// each counteract the erosion through bounded multiplicative boosts. The
// result is always clamped to [min retention, stored importance] so decay
// can only lower a score, never raise it.
package decay

import (
	"math"
	"time"
)

// Memory type labels recognised by the calculator. Unknown types use
// DefaultHalfLife.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypeInsight    = "insight"
	TypeEvent      = "event"
)

// Config holds the decay tuning constants. Zero-value fields are replaced
// with defaults by [NewCalculator].
type Config struct {
	// MinRetention is the floor on decayed importance. Default: 0.05.
	MinRetention float64

	// AccessBoostK scales the logarithmic access boost. Default: 0.3.
	AccessBoostK float64

	// AccessBoostMax caps the access boost. Default: 1.5.
	AccessBoostMax float64

	// ConnectionBoostK scales the linear connection boost. Default: 0.05.
	ConnectionBoostK float64

	// ConnectionBoostMax caps the connection boost. Default: 1.25.
	ConnectionBoostMax float64

	// HalfLives maps memory type to decay half-life. Defaults: fact 90d,
	// preference 60d, insight 45d, event 14d.
	HalfLives map[string]time.Duration

	// DefaultHalfLife applies to unknown memory types. Default: 30d.
	DefaultHalfLife time.Duration
}

const day = 24 * time.Hour

// Input describes one memory for decay evaluation.
type Input struct {
	Importance      float64
	CreatedAt       time.Time
	LastAccessed    time.Time
	AccessCount     int
	ConnectionCount int
	MemoryType      string
}

// Calculator applies the adaptive decay model. Safe for concurrent use; all
// state is immutable after construction.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator, filling zero-value config fields with
// defaults.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MinRetention <= 0 {
		cfg.MinRetention = 0.05
	}
	if cfg.AccessBoostK <= 0 {
		cfg.AccessBoostK = 0.3
	}
	if cfg.AccessBoostMax <= 0 {
		cfg.AccessBoostMax = 1.5
	}
	if cfg.ConnectionBoostK <= 0 {
		cfg.ConnectionBoostK = 0.05
	}
	if cfg.ConnectionBoostMax <= 0 {
		cfg.ConnectionBoostMax = 1.25
	}
	if cfg.HalfLives == nil {
		cfg.HalfLives = map[string]time.Duration{
			TypeFact:       90 * day,
			TypePreference: 60 * day,
			TypeInsight:    45 * day,
			TypeEvent:      14 * day,
		}
	}
	if cfg.DefaultHalfLife <= 0 {
		cfg.DefaultHalfLife = 30 * day
	}
	return &Calculator{cfg: cfg}
}

// Calculate returns the decayed importance for a single memory, evaluated
// at time now.
func (c *Calculator) Calculate(m Input, now time.Time) float64 {
	halfLife := c.cfg.DefaultHalfLife
	if hl, ok := c.cfg.HalfLives[m.MemoryType]; ok {
		halfLife = hl
	}

	age := now.Sub(m.CreatedAt)
	if age < 0 {
		age = 0
	}
	decayFactor := math.Exp2(float64(age) / float64(halfLife))

	boost := 1.0
	if !m.LastAccessed.IsZero() {
		sinceAccess := now.Sub(m.LastAccessed)
		switch {
		case sinceAccess < 24*time.Hour:
			boost *= 1.3
		case sinceAccess < 168*time.Hour:
			boost *= 1.1
		}
	}

	accessBoost := 1 + math.Log10(1+float64(m.AccessCount))*c.cfg.AccessBoostK
	boost *= math.Min(accessBoost, c.cfg.AccessBoostMax)

	connBoost := 1 + c.cfg.ConnectionBoostK*float64(m.ConnectionCount)
	boost *= math.Min(connBoost, c.cfg.ConnectionBoostMax)

	decayed := m.Importance * boost / decayFactor

	floor := math.Min(c.cfg.MinRetention, m.Importance)
	return math.Max(floor, math.Min(decayed, m.Importance))
}

// CalculateBatch evaluates every input at the same instant and returns the
// decayed importances in input order. This is the consolidation entry point.
func (c *Calculator) CalculateBatch(ms []Input) []float64 {
	now := time.Now()
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = c.Calculate(m, now)
	}
	return out
}
