package scoring

import "github.com/target-evidence-core/internal/domain"

// Thresholds are the shortlist band cut-offs
type Thresholds struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
}

// DefaultThresholds are the standard band cut-offs
var DefaultThresholds = Thresholds{Primary: 0.65, Secondary: 0.45}

// Validate requires 0 <= secondary < primary <= 1
func (t Thresholds) Validate() error {
	if t.Secondary < 0 || t.Primary > 1 {
		return domain.NewValidationError("thresholds", "thresholds must lie in [0, 1]", t)
	}
	if t.Primary <= t.Secondary {
		return domain.NewValidationError("primary_threshold", "primary threshold must exceed secondary threshold", t.Primary)
	}
	return nil
}

// BandFor assigns the shortlist band for a composite score
func (t Thresholds) BandFor(composite float64) domain.Band {
	switch {
	case composite >= t.Primary:
		return domain.BandPrimary
	case composite >= t.Secondary:
		return domain.BandSecondary
	default:
		return domain.BandExcluded
	}
}
