package scoring

import (
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// Built-in weight profile names
const (
	ProfileDefault    = "default"
	ProfileStructural = "structural-emphasis"
	ProfileLiterature = "literature-emphasis"
)

const weightTolerance = 1e-6

// WeightProfile is a named weight vector over the nine components
type WeightProfile struct {
	Name    string                        `json:"name"`
	Weights [domain.NumComponents]float64 `json:"weights"`
}

// Validate checks the weights are non-negative and sum to 1
func (w WeightProfile) Validate() error {
	if w.Name == "" {
		return domain.NewValidationError("name", "weight profile name is required", w.Name)
	}
	sum := 0.0
	for c, v := range w.Weights {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.NewValidationError("weights."+domain.Component(c).String(), "weight must be a non-negative number", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		return domain.NewValidationError("weights", "weights must sum to 1.0", sum)
	}
	return nil
}

// BuiltinProfiles returns the preset weight profiles keyed by name
func BuiltinProfiles() map[string]WeightProfile {
	return map[string]WeightProfile{
		ProfileDefault: {
			Name:    ProfileDefault,
			Weights: [domain.NumComponents]float64{0.15, 0.20, 0.10, 0.10, 0.10, 0.10, 0.10, 0.05, 0.10},
		},
		ProfileStructural: {
			Name:    ProfileStructural,
			Weights: [domain.NumComponents]float64{0.10, 0.15, 0.05, 0.05, 0.25, 0.20, 0.10, 0.05, 0.05},
		},
		ProfileLiterature: {
			Name:    ProfileLiterature,
			Weights: [domain.NumComponents]float64{0.10, 0.15, 0.10, 0.05, 0.05, 0.05, 0.15, 0.05, 0.30},
		},
	}
}

// Profiles is the registry of weight profiles and the active one. Changes
// require an operator.
type Profiles struct {
	mu       sync.RWMutex
	profiles map[string]WeightProfile
	active   string
	log      *logrus.Logger
}

// NewProfiles creates a registry seeded with the built-in profiles
func NewProfiles(active string, logger *logrus.Logger) (*Profiles, error) {
	p := &Profiles{profiles: BuiltinProfiles(), log: logger}
	if active == "" {
		active = ProfileDefault
	}
	if _, ok := p.profiles[active]; !ok {
		return nil, domain.NewValidationError("default_profile", "unknown weight profile", active)
	}
	p.active = active
	return p, nil
}

// Active returns the active profile name
func (p *Profiles) Active() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Get returns a profile by name
func (p *Profiles) Get(name string) (WeightProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.profiles[name]
	if !ok {
		return WeightProfile{}, domain.Errorf(domain.KindNotFound, "scoring.Profiles.Get", "weight profile %q not found", name)
	}
	return w, nil
}

// Names lists the registered profiles
func (p *Profiles) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces a profile
func (p *Profiles) Register(principal domain.Principal, w WeightProfile) error {
	if err := domain.RequireOperator(principal, "scoring.Profiles.Register"); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.profiles[w.Name] = w
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"profile":  w.Name,
		"operator": principal.ID,
	}).Info("Weight profile registered")
	return nil
}

// SetActive switches the active profile and returns the previous one
func (p *Profiles) SetActive(principal domain.Principal, name string) (string, error) {
	if err := domain.RequireOperator(principal, "scoring.Profiles.SetActive"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.profiles[name]; !ok {
		return "", domain.Errorf(domain.KindNotFound, "scoring.Profiles.SetActive", "weight profile %q not found", name)
	}
	prev := p.active
	p.active = name

	p.log.WithFields(logrus.Fields{
		"from":     prev,
		"to":       name,
		"operator": principal.ID,
	}).Info("Active weight profile switched")
	return prev, nil
}
