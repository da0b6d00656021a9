// Package confidence turns study metadata into evidence confidences and
// combines independent confidences.
package confidence

import (
	"math"

	"github.com/target-evidence-core/internal/domain"
)

// Modifier multipliers and thresholds
const (
	LargeSampleThreshold = 1000
	LargeSampleFactor    = 1.20

	ReplicationThreshold = 2
	ReplicationFactor    = 1.15

	HighImpactThreshold = 10.0
	HighImpactFactor    = 1.05

	PreprintFactor       = 0.70
	SingleCellLineFactor = 0.85

	// ContradictionDamping scales net signed evidence when sources disagree
	ContradictionDamping = 0.70
)

// Compute applies the modifiers to base in fixed order and caps the result
// at 1.0. Retracted evidence always yields 0.
func Compute(base float64, m domain.Modifiers) float64 {
	if m.Retracted {
		return 0
	}
	c := base
	if m.SampleSize > LargeSampleThreshold {
		c *= LargeSampleFactor
	}
	if m.Replications >= ReplicationThreshold {
		c *= ReplicationFactor
	}
	if m.ImpactFactor > HighImpactThreshold {
		c *= HighImpactFactor
	}
	if m.Preprint {
		c *= PreprintFactor
	}
	if m.SingleCellLineOnly {
		c *= SingleCellLineFactor
	}
	return clamp01(c)
}

// Aggregate combines independent confidences with noisy-OR.
// An empty input yields 0.
func Aggregate(ps []float64) float64 {
	if len(ps) == 0 {
		return 0
	}
	miss := 1.0
	for _, p := range ps {
		miss *= 1 - clamp01(p)
	}
	return clamp01(1 - miss)
}

// Contradictory combines signed confidences where positive values support a
// claim and negative values refute it.
func Contradictory(signed []float64) float64 {
	sum := 0.0
	for _, s := range signed {
		sum += s
	}
	return math.Min(math.Abs(sum)*ContradictionDamping, 1.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
