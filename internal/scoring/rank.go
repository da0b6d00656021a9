// Package scoring turns assembled evidence into versioned, banded target scores.
package scoring

import (
	"sort"

	"github.com/target-evidence-core/internal/domain"
)

// Direction says which end of a component's raw scale is better
type Direction int

const (
	HigherIsBetter Direction = iota
	LowerIsBetter
)

var directions = [domain.NumComponents]Direction{
	domain.ComponentMutationFrequency:      HigherIsBetter,
	domain.ComponentCRISPRDependency:       HigherIsBetter,
	domain.ComponentSurvivalCorrelation:    HigherIsBetter,
	domain.ComponentExpressionSpecificity:  HigherIsBetter,
	domain.ComponentStructuralTractability: HigherIsBetter,
	domain.ComponentPocketDetectability:    HigherIsBetter,
	domain.ComponentChemicalNovelty:        LowerIsBetter,
	domain.ComponentPathwayIndependence:    LowerIsBetter,
	domain.ComponentLiteratureNovelty:      HigherIsBetter,
}

// DirectionOf returns the ranking direction of a component
func DirectionOf(c domain.Component) Direction {
	return directions[c]
}

// RankNormalize maps values onto {k/N}: the best value gets 1/N and the
// worst 1.0. Tied values share the mean of their positions. Equal values
// keep their input order, so callers pass values in entity-id order.
func RankNormalize(values []float64, dir Direction) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		va, vb := values[order[a]], values[order[b]]
		if dir == LowerIsBetter {
			return va < vb
		}
		return va > vb
	})

	for i := 0; i < n; {
		j := i
		for j+1 < n && values[order[j+1]] == values[order[i]] {
			j++
		}
		// positions i+1..j+1
		r := float64(i+j+2) / 2 / float64(n)
		for k := i; k <= j; k++ {
			out[order[k]] = r
		}
		i = j + 1
	}
	return out
}

// Composite is the weighted sum of the present components with the
// participating weights renormalized to 1. ok is false when no component
// is present.
func Composite(normalized domain.ComponentVector, weights [domain.NumComponents]float64) (composite float64, ok bool) {
	var sum, total float64
	for c, v := range normalized {
		if v == nil {
			continue
		}
		ok = true
		sum += weights[c] * *v
		total += weights[c]
	}
	if !ok || total == 0 {
		return 0, ok
	}
	composite = sum / total
	if composite > 1 {
		composite = 1
	}
	if composite < 0 {
		composite = 0
	}
	return composite, true
}
