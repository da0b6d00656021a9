package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/evidence"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestRankNormalize_HigherIsBetter(t *testing.T) {
	got := RankNormalize([]float64{10, 20, 30}, HigherIsBetter)
	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDelta(t, 2.0/3, got[1], 1e-12)
	assert.InDelta(t, 1.0/3, got[2], 1e-12)
}

func TestRankNormalize_LowerIsBetter(t *testing.T) {
	got := RankNormalize([]float64{10, 20, 30}, LowerIsBetter)
	assert.InDelta(t, 1.0/3, got[0], 1e-12)
	assert.InDelta(t, 1.0, got[2], 1e-12)
}

func TestRankNormalize_ImageOfDistinctValues(t *testing.T) {
	values := []float64{0.3, 0.9, 0.1, 0.5, 0.7}
	got := RankNormalize(values, HigherIsBetter)

	seen := make(map[float64]bool)
	for _, v := range got {
		seen[v] = true
	}
	for k := 1; k <= len(values); k++ {
		assert.True(t, seen[float64(k)/float64(len(values))], "missing %d/%d", k, len(values))
	}
	assert.Len(t, seen, len(values))
}

func TestRankNormalize_TiesAveraged(t *testing.T) {
	got := RankNormalize([]float64{5, 9, 5, 1}, HigherIsBetter)
	// 9 -> 1/4, the two 5s share positions 2 and 3, 1 -> 4/4
	assert.InDelta(t, 0.25, got[1], 1e-12)
	assert.InDelta(t, 0.625, got[0], 1e-12)
	assert.Equal(t, got[0], got[2])
	assert.InDelta(t, 1.0, got[3], 1e-12)

	assert.Empty(t, RankNormalize(nil, HigherIsBetter))
}

func TestComposite_RenormalizesOverPresent(t *testing.T) {
	var w [domain.NumComponents]float64
	w[domain.ComponentMutationFrequency] = 0.5
	w[domain.ComponentCRISPRDependency] = 0.25
	w[domain.ComponentLiteratureNovelty] = 0.25

	var v domain.ComponentVector
	v[domain.ComponentMutationFrequency] = domain.Float(0.8)
	v[domain.ComponentCRISPRDependency] = domain.Float(0.2)

	c, ok := Composite(v, w)
	require.True(t, ok)
	assert.InDelta(t, (0.5*0.8+0.25*0.2)/0.75, c, 1e-12)

	_, ok = Composite(domain.ComponentVector{}, w)
	assert.False(t, ok)
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds
	require.NoError(t, th.Validate())

	assert.Equal(t, domain.BandPrimary, th.BandFor(0.65))
	assert.Equal(t, domain.BandSecondary, th.BandFor(0.6499))
	assert.Equal(t, domain.BandSecondary, th.BandFor(0.45))
	assert.Equal(t, domain.BandExcluded, th.BandFor(0.4499))

	assert.ErrorIs(t, Thresholds{Primary: 0.5, Secondary: 0.5}.Validate(), domain.ErrValidation)
	assert.ErrorIs(t, Thresholds{Primary: 1.2, Secondary: 0.5}.Validate(), domain.ErrValidation)
}

func TestBuiltinProfilesAreValid(t *testing.T) {
	for name, p := range BuiltinProfiles() {
		assert.NoError(t, p.Validate(), name)
		assert.Equal(t, name, p.Name)
	}
}

func TestWeightProfileValidate(t *testing.T) {
	p := BuiltinProfiles()[ProfileDefault]
	p.Weights[0] += 0.01
	assert.ErrorIs(t, p.Validate(), domain.ErrValidation)

	p = BuiltinProfiles()[ProfileDefault]
	p.Weights[0], p.Weights[1] = -0.05, 0.40
	assert.ErrorIs(t, p.Validate(), domain.ErrValidation)
}

func TestProfiles_OperatorOnly(t *testing.T) {
	profiles, err := NewProfiles("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, ProfileDefault, profiles.Active())

	_, err = profiles.SetActive(domain.Principal{ID: "analyst"}, ProfileStructural)
	assert.ErrorIs(t, err, domain.ErrPolicyBlocked)
	assert.Equal(t, ProfileDefault, profiles.Active())

	prev, err := profiles.SetActive(domain.Principal{ID: "ops", Operator: true}, ProfileStructural)
	require.NoError(t, err)
	assert.Equal(t, ProfileDefault, prev)
	assert.Equal(t, ProfileStructural, profiles.Active())

	_, err = profiles.SetActive(domain.Principal{ID: "ops", Operator: true}, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	custom := WeightProfile{Name: "mutation-only"}
	custom.Weights[domain.ComponentMutationFrequency] = 1
	assert.ErrorIs(t, profiles.Register(domain.Principal{ID: "analyst"}, custom), domain.ErrPolicyBlocked)
	require.NoError(t, profiles.Register(domain.Principal{ID: "ops", Operator: true}, custom))
	assert.Contains(t, profiles.Names(), "mutation-only")

	_, err = NewProfiles("unknown", testLogger())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type staticAssembler struct {
	records map[string]*evidence.Record
}

func (s staticAssembler) AssembleCohort(ctx context.Context, cancerType string, extra ...string) (*evidence.Cohort, error) {
	cohort := &evidence.Cohort{CancerType: cancerType}
	for _, gene := range []string{"EGFR", "KRAS", "MYC", "TP53"} {
		if rec, ok := s.records[gene]; ok {
			cp := *rec
			cohort.Records = append(cohort.Records, &cp)
		}
	}
	return cohort, nil
}

func record(gene string, mutation, crispr *float64) *evidence.Record {
	rec := &evidence.Record{Gene: gene, CancerType: "PAAD"}
	rec.Raw[domain.ComponentMutationFrequency] = mutation
	rec.Raw[domain.ComponentCRISPRDependency] = crispr
	return rec
}

func newTestScorer(t *testing.T, store domain.ScoreStore) *Scorer {
	t.Helper()
	profiles, err := NewProfiles(ProfileDefault, testLogger())
	require.NoError(t, err)
	s, err := NewScorer(staticAssembler{records: map[string]*evidence.Record{
		"KRAS": record("KRAS", domain.Float(0.9), domain.Float(0.8)),
		"EGFR": record("EGFR", domain.Float(0.3), domain.Float(0.8)),
		"MYC":  record("MYC", domain.Float(0.1), nil),
		"TP53": record("TP53", nil, nil),
	}}, store, profiles, DefaultThresholds, testLogger())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestScorer_ScoreCohort(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScorer(t, store)

	report, err := s.ScoreCohort(context.Background(), "PAAD", "")
	require.NoError(t, err)
	assert.Equal(t, ProfileDefault, report.Profile)
	require.Len(t, report.Scores, 3)
	assert.Equal(t, []string{"TP53"}, report.Skipped)
	assert.Equal(t, "0/9 components present", report.Availability["TP53"])

	byGene := make(map[string]*domain.TargetScore)
	for _, sc := range report.Scores {
		byGene[sc.Gene] = sc
		assert.GreaterOrEqual(t, sc.Composite, 0.0)
		assert.LessOrEqual(t, sc.Composite, 1.0)
		assert.Equal(t, 1, sc.Version)
		assert.Equal(t, DefaultThresholds.BandFor(sc.Composite), sc.Band)
	}

	// mutation: KRAS best (1/3), EGFR 2/3, MYC worst 1.0
	assert.InDelta(t, 1.0/3, *byGene["KRAS"].Components[domain.ComponentMutationFrequency], 1e-12)
	assert.InDelta(t, 1.0, *byGene["MYC"].Components[domain.ComponentMutationFrequency], 1e-12)
	// crispr: KRAS and EGFR tied over two values
	assert.InDelta(t, 0.75, *byGene["KRAS"].Components[domain.ComponentCRISPRDependency], 1e-12)
	assert.Nil(t, byGene["MYC"].Components[domain.ComponentCRISPRDependency])
	// MYC composite uses only the mutation weight
	assert.InDelta(t, 1.0, byGene["MYC"].Composite, 1e-12)

	_, err = store.Latest(context.Background(), "TP53", "PAAD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScorer_VersionsIncreaseAndAreDeterministic(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScorer(t, store)
	ctx := context.Background()
	pair := domain.PairKey{Gene: "KRAS", CancerType: "PAAD"}

	first, err := s.ScorePair(ctx, pair, "")
	require.NoError(t, err)
	require.NoError(t, s.Rescore(ctx, pair, ProfileStructural))
	second, err := s.ScorePair(ctx, pair, "")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 3, second.Version)
	assert.Equal(t, first.Components, second.Components)
	assert.Equal(t, first.Composite, second.Composite)

	rows, err := store.ByGene(ctx, "KRAS")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ProfileStructural, rows[1].WeightProfile)
}

func TestScorer_NoComponentsNoRow(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScorer(t, store)

	score, err := s.ScorePair(context.Background(), domain.PairKey{Gene: "TP53", CancerType: "PAAD"}, "")
	require.NoError(t, err)
	assert.Nil(t, score)
}

func TestScorer_UnknownProfile(t *testing.T) {
	s := newTestScorer(t, NewMemoryStore())
	_, err := s.ScoreCohort(context.Background(), "PAAD", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_RejectsVersionGaps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &domain.TargetScore{Gene: "KRAS", CancerType: "PAAD", Version: 1, Band: domain.BandPrimary, Composite: 0.7}))
	assert.ErrorIs(t, store.Append(ctx, &domain.TargetScore{Gene: "KRAS", CancerType: "PAAD", Version: 3}), domain.ErrConflictingWrite)
	require.NoError(t, store.Append(ctx, &domain.TargetScore{Gene: "EGFR", CancerType: "PAAD", Version: 1, Band: domain.BandPrimary, Composite: 0.9}))

	rows, err := store.ByCancerBand(ctx, "PAAD", domain.BandPrimary)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "EGFR", rows[0].Gene)
}
