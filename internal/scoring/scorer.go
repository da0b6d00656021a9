package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/evidence"
)

// CohortAssembler gathers evidence for a cancer type's cohort
type CohortAssembler interface {
	AssembleCohort(ctx context.Context, cancerType string, extra ...string) (*evidence.Cohort, error)
}

// RunReport summarizes one scoring run
type RunReport struct {
	CancerType   string                `json:"cancer_type"`
	Profile      string                `json:"profile"`
	Scores       []*domain.TargetScore `json:"scores"`
	Skipped      []string              `json:"skipped,omitempty"`
	Availability map[string]string     `json:"availability"`
	Duration     time.Duration         `json:"duration"`
}

// Scorer computes and persists target scores
type Scorer struct {
	assembler  CohortAssembler
	store      domain.ScoreStore
	profiles   *Profiles
	thresholds Thresholds
	now        func() time.Time
	log        *logrus.Logger

	// serializes version assignment
	mu sync.Mutex
}

// NewScorer creates a scorer
func NewScorer(assembler CohortAssembler, store domain.ScoreStore, profiles *Profiles, thresholds Thresholds, logger *logrus.Logger) (*Scorer, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		assembler:  assembler,
		store:      store,
		profiles:   profiles,
		thresholds: thresholds,
		now:        time.Now,
		log:        logger,
	}, nil
}

// Thresholds returns the band cut-offs in use
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Compute scores every record of a cohort. Records with no present
// component yield no score. Versions are left at zero.
func Compute(cohort *evidence.Cohort, profile WeightProfile, th Thresholds, at time.Time) []*domain.TargetScore {
	normalized := make([]domain.ComponentVector, len(cohort.Records))

	for c := range domain.NumComponents {
		var idx []int
		var values []float64
		for i, rec := range cohort.Records {
			if rec.Raw[c] != nil {
				idx = append(idx, i)
				values = append(values, *rec.Raw[c])
			}
		}
		ranks := RankNormalize(values, DirectionOf(domain.Component(c)))
		for k, i := range idx {
			normalized[i][c] = domain.Float(ranks[k])
		}
	}

	scores := make([]*domain.TargetScore, 0, len(cohort.Records))
	for i, rec := range cohort.Records {
		composite, ok := Composite(normalized[i], profile.Weights)
		if !ok {
			continue
		}
		scores = append(scores, &domain.TargetScore{
			Gene:            rec.Gene,
			CancerType:      cohort.CancerType,
			Composite:       composite,
			Components:      normalized[i],
			WeightProfile:   profile.Name,
			Band:            th.BandFor(composite),
			EvidenceSupport: rec.Support,
			Availability:    rec.Availability(),
			ScoredAt:        at,
		})
	}
	return scores
}

func (s *Scorer) profile(name string) (WeightProfile, error) {
	if name == "" {
		name = s.profiles.Active()
	}
	return s.profiles.Get(name)
}

// ScoreCohort scores and persists every gene of a cancer type's cohort
func (s *Scorer) ScoreCohort(ctx context.Context, cancerType, profileName string) (*RunReport, error) {
	start := s.now()
	profile, err := s.profile(profileName)
	if err != nil {
		return nil, err
	}

	cohort, err := s.assembler.AssembleCohort(ctx, cancerType)
	if err != nil {
		return nil, fmt.Errorf("assembling cohort: %w", err)
	}

	report := &RunReport{
		CancerType:   cancerType,
		Profile:      profile.Name,
		Availability: make(map[string]string, len(cohort.Records)),
	}
	scored := make(map[string]bool)
	for _, score := range Compute(cohort, profile, s.thresholds, start) {
		if err := s.persist(ctx, score); err != nil {
			return nil, err
		}
		scored[score.Gene] = true
		report.Scores = append(report.Scores, score)
	}
	for _, rec := range cohort.Records {
		report.Availability[rec.Gene] = rec.Availability()
		if !scored[rec.Gene] {
			report.Skipped = append(report.Skipped, rec.Gene)
		}
	}
	report.Duration = s.now().Sub(start)

	s.log.WithFields(logrus.Fields{
		"cancer":   cancerType,
		"profile":  profile.Name,
		"scored":   len(report.Scores),
		"skipped":  len(report.Skipped),
		"duration": report.Duration,
	}).Info("Cohort scored")

	return report, nil
}

// ScorePair ranks the pair within its cohort and persists only the pair's
// row. It returns nil when the pair has no present component.
func (s *Scorer) ScorePair(ctx context.Context, pair domain.PairKey, profileName string) (*domain.TargetScore, error) {
	profile, err := s.profile(profileName)
	if err != nil {
		return nil, err
	}

	cohort, err := s.assembler.AssembleCohort(ctx, pair.CancerType, pair.Gene)
	if err != nil {
		return nil, fmt.Errorf("assembling cohort: %w", err)
	}

	for _, score := range Compute(cohort, profile, s.thresholds, s.now()) {
		if score.Gene != pair.Gene {
			continue
		}
		if err := s.persist(ctx, score); err != nil {
			return nil, err
		}
		return score, nil
	}

	s.log.WithFields(logrus.Fields{
		"pair":         pair.String(),
		"availability": availabilityOf(cohort, pair.Gene),
	}).Info("No components present, score not written")
	return nil, nil
}

// Rescore implements the update bus rescorer
func (s *Scorer) Rescore(ctx context.Context, pair domain.PairKey, profile string) error {
	_, err := s.ScorePair(ctx, pair, profile)
	return err
}

func (s *Scorer) persist(ctx context.Context, score *domain.TargetScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	latest, err := s.store.Latest(ctx, score.Gene, score.CancerType)
	switch {
	case err == nil:
		version = latest.Version + 1
	case domain.IsKind(err, domain.KindNotFound):
	default:
		return fmt.Errorf("reading latest score for %s/%s: %w", score.Gene, score.CancerType, err)
	}
	score.Version = version

	if err := s.store.Append(ctx, score); err != nil {
		return fmt.Errorf("appending score for %s/%s: %w", score.Gene, score.CancerType, err)
	}
	return nil
}

func availabilityOf(cohort *evidence.Cohort, gene string) string {
	if rec := cohort.Find(gene); rec != nil {
		return rec.Availability()
	}
	return ""
}
