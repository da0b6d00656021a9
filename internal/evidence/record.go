// Package evidence assembles the nine per-pair evidence components from the
// external providers and the knowledge graph.
package evidence

import (
	"fmt"
	"math"

	"github.com/target-evidence-core/internal/domain"
)

// Status explains the presence or absence of one component
type Status string

// Component statuses
const (
	StatusPresent       Status = "present"
	StatusMissing       Status = "missing"
	StatusTimeout       Status = "timeout"
	StatusUnavailable   Status = "unavailable"
	StatusNotConfigured Status = "not_configured"
)

// Transform constants
const (
	// LiteratureEpsilon keeps the literature ratio finite for unstudied genes
	LiteratureEpsilon = 1e-6
	// ExperimentalStructure and PredictedStructure are the structural tractability levels
	ExperimentalStructure = 1.0
	PredictedStructure    = 0.7
	// DefaultPLDDTFloor is the mean pLDDT a predicted structure needs to count
	DefaultPLDDTFloor = 70.0
)

// Record is the assembled evidence for one (gene, cancer type) pair.
// Raw holds the measurement each component is ranked on; Value holds the
// derived component value in [0, 1] where one is defined.
type Record struct {
	Gene       string                       `json:"gene"`
	CancerType string                       `json:"cancer_type"`
	Raw        domain.ComponentVector       `json:"raw"`
	Value      domain.ComponentVector       `json:"value"`
	Status     [domain.NumComponents]Status `json:"status"`
	SurvivalR  *float64                     `json:"survival_r,omitempty"`
	Support    float64                      `json:"support"`
}

// Present counts present components
func (r *Record) Present() int {
	return r.Raw.Present()
}

// TimedOut counts components whose provider hit its deadline
func (r *Record) TimedOut() int {
	n := 0
	for _, s := range r.Status {
		if s == StatusTimeout {
			n++
		}
	}
	return n
}

// Availability renders the per-pair availability line
func (r *Record) Availability() string {
	msg := fmt.Sprintf("%d/%d components present", r.Present(), domain.NumComponents)
	if n := r.TimedOut(); n > 0 {
		noun := "providers"
		if n == 1 {
			noun = "provider"
		}
		msg += fmt.Sprintf(", %d %s timed out", n, noun)
	}
	return msg
}

func (r *Record) set(c domain.Component, raw, value float64) {
	r.Raw[c] = domain.Float(raw)
	r.Value[c] = domain.Float(value)
	r.Status[c] = StatusPresent
}

// CRISPRValue maps a mean CERES score onto [0, 1]: -2 or below is 1, 0 or above is 0
func CRISPRValue(ceres float64) float64 {
	c := math.Max(-2, math.Min(0, ceres))
	return -c / 2
}

// ExpressionLogRatio is the log2 fold change of tumor over mean normal expression
func ExpressionLogRatio(tumor, normal float64) float64 {
	return math.Log2(tumor+1) - math.Log2(normal+1)
}

// StructuralValue scores structure availability
func StructuralValue(info domain.StructureInfo, plddtFloor float64) float64 {
	switch {
	case info.Experimental:
		return ExperimentalStructure
	case info.Predicted && info.MeanPLDDT > plddtFloor:
		return PredictedStructure
	}
	return 0
}

// LiteratureRatio is the share of a gene's papers that mention the cancer type
func LiteratureRatio(cancerPapers, allPapers int) float64 {
	return float64(cancerPapers) / (float64(allPapers) + LiteratureEpsilon)
}

// TumorTissueKey is the expression map key carrying tumor expression for a cancer type
func TumorTissueKey(cancerType string) string {
	return "tumor:" + cancerType
}
