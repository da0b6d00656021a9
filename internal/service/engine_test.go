package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/bus"
	"github.com/target-evidence-core/internal/conflict"
	"github.com/target-evidence-core/internal/corpus"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/evidence"
	"github.com/target-evidence-core/internal/factstore"
	"github.com/target-evidence-core/internal/llm"
	"github.com/target-evidence-core/internal/sandbox"
	"github.com/target-evidence-core/internal/scoring"
)

var operator = domain.Principal{ID: "ops", Operator: true}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fakeMutation map[string]float64

func (f fakeMutation) Frequency(ctx context.Context, gene, cancerType string) (*float64, error) {
	if v, ok := f[gene]; ok {
		return &v, nil
	}
	return nil, nil
}

// flakyFacts fails the first n inserts with the given kind
type flakyFacts struct {
	*factstore.MemoryStore
	failures atomic.Int32
	kind     domain.ErrorKind
	calls    atomic.Int32
}

func (f *flakyFacts) Insert(ctx context.Context, fact *domain.Fact) (*domain.InsertResult, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, domain.NewError(f.kind, "flaky.Insert", "injected")
	}
	return f.MemoryStore.Insert(ctx, fact)
}

type fixture struct {
	engine   *Engine
	facts    *factstore.MemoryStore
	scores   *scoring.MemoryStore
	papers   *corpus.PaperIndex
	entities *corpus.EntityRegistry
	gate     *sandbox.Gate
	router   *llm.Router
	profile  *scoring.Profiles
}

func newFixture(t *testing.T, facts domain.FactStore) *fixture {
	t.Helper()
	return buildFixture(t, facts, nil)
}

// newEntityFixture registers the given entities and resolves triggers
// against them
func newEntityFixture(t *testing.T, entities ...*domain.Entity) *fixture {
	t.Helper()
	registry := corpus.NewEntityRegistry(testLogger())
	for _, ent := range entities {
		_, err := registry.Register(ent)
		require.NoError(t, err)
	}
	return buildFixture(t, nil, registry)
}

func buildFixture(t *testing.T, facts domain.FactStore, entities *corpus.EntityRegistry) *fixture {
	t.Helper()
	logger := testLogger()
	mem := factstore.NewMemoryStore(logger)
	if facts == nil {
		facts = mem
	}

	profiles, err := scoring.NewProfiles(scoring.ProfileDefault, logger)
	require.NoError(t, err)

	conflicts := conflict.NewEngine(facts, conflict.NewMemoryStore(), logger)
	kg := evidence.NewKnowledgeGraph(facts, conflicts)
	assembler := evidence.NewAssembler(
		evidence.Providers{
			Mutation: fakeMutation{"KRAS": 0.9, "TP53": 0.6, "EGFR": 0.3},
			Pathway:  kg,
		},
		nil,
		evidence.StaticCohort{"PAAD": {"KRAS", "TP53", "EGFR"}, "LUAD": {"EGFR", "KRAS"}},
		kg,
		evidence.Options{Timeout: time.Second},
		logger,
	)
	scores := scoring.NewMemoryStore()
	scorer, err := scoring.NewScorer(assembler, scores, profiles, scoring.DefaultThresholds, logger)
	require.NoError(t, err)

	papers := corpus.NewPaperIndex(logger)
	gate := sandbox.NewGate([]string{"ebi.ac.uk"}, logger)
	router := llm.NewRouter(llm.Policy{}, nil, logger)

	engine, err := NewEngine(Deps{
		Facts:     facts,
		Conflicts: conflicts,
		Scorer:    scorer,
		Profiles:  profiles,
		Entities:  entities,
		Papers:    papers,
		Gate:      gate,
		Router:    router,
	}, Options{
		CancerTypes: []string{"PAAD", "LUAD"},
		Retry:       RetryPolicy{Attempts: 3, Interval: time.Millisecond},
		Bus:         bus.Config{Window: time.Hour},
	}, logger)
	require.NoError(t, err)

	return &fixture{engine: engine, facts: mem, scores: scores, papers: papers, entities: entities, gate: gate, router: router, profile: profiles}
}

func fact(subject, predicate, object string, base float64, papers ...string) *domain.Fact {
	f := &domain.Fact{Subject: subject, Predicate: predicate, Object: object, BaseWeight: base}
	for _, p := range papers {
		f.Evidence = append(f.Evidence, domain.EvidenceRef{Source: "pubmed", PaperID: p})
	}
	return f
}

func TestEngine_IngestScoresAffectedPair(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.engine.Ingest(ctx, &domain.Fact{
		Subject:    "KRAS",
		Predicate:  "drives",
		Object:     "PAAD",
		BaseWeight: 0.6,
		Modifiers:  domain.Modifiers{Replications: 2},
		Evidence:   []domain.EvidenceRef{{Source: "pubmed", PaperID: "p1"}},
	})
	require.NoError(t, err)
	assert.Greater(t, res.Fact.Confidence, 0.6, "replications raise confidence")
	assert.Equal(t, 1, res.Published)

	fx.engine.Bus().FlushAll(ctx)

	latest, err := fx.scores.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, scoring.ProfileDefault, latest.WeightProfile)
	assert.Greater(t, latest.EvidenceSupport, 0.0)

	_, err = fx.scores.Latest(ctx, "KRAS", "LUAD")
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "only the fact's cancer type is rescored")
}

func TestEngine_ReplacementPublishesConfidenceChange(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.8))
	require.NoError(t, err)
	res, err := fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.3))
	require.NoError(t, err)

	require.NotNil(t, res.Replaced)
	assert.InDelta(t, 0.8, res.Replaced.Confidence, 1e-9)
	assert.Equal(t, 2, res.Published)

	fx.engine.Bus().FlushAll(ctx)
	stats := fx.engine.Bus().Stats()
	assert.Equal(t, int64(3), stats.Published)
	assert.Equal(t, int64(1), stats.Flushed, "triggers for one pair coalesce")
}

func TestEngine_ConflictRecorded(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.engine.Ingest(ctx, fact("KRAS", "activates", "MAPK1", 0.9))
	require.NoError(t, err)
	res, err := fx.engine.Ingest(ctx, fact("KRAS", "inhibits", "MAPK1", 0.8))
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, domain.ConflictDirectional, res.Conflicts[0].Kind)
}

func TestEngine_RetractPaper(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.papers.Add(&domain.Paper{ID: "p1", Title: "KRAS G12D drives pancreatic cancer"})
	require.NoError(t, err)

	_, err = fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.8, "p1"))
	require.NoError(t, err)
	_, err = fx.engine.Ingest(ctx, fact("KRAS", "binds", "SOS1", 0.7, "p1", "p2"))
	require.NoError(t, err)
	_, err = fx.engine.Ingest(ctx, fact("TP53", "drives", "PAAD", 0.7, "p2"))
	require.NoError(t, err)

	n, err := fx.engine.RetractPaper(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	paper, err := fx.papers.Get("p1")
	require.NoError(t, err)
	assert.True(t, paper.Retracted)

	current, err := fx.facts.Current(ctx, "KRAS", "drives")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, 0.0, current[0].Confidence)
	assert.True(t, current[0].Modifiers.Retracted)

	history, err := fx.facts.History(ctx, domain.FactKey{Subject: "KRAS", Predicate: "drives", Object: "PAAD"})
	require.NoError(t, err)
	assert.Len(t, history, 2, "the retracted version supersedes, the original is kept")

	tp53, err := fx.facts.Current(ctx, "TP53", "drives")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, tp53[0].Confidence, 1e-9)

	// New facts citing the retracted paper start at zero
	res, err := fx.engine.Ingest(ctx, fact("EGFR", "drives", "PAAD", 0.9, "p1"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Fact.Confidence)
}

func TestEngine_RetractionBeforeFactArrives(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	n, err := fx.engine.RetractPaper(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	res, err := fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.8, "P1"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Fact.Confidence)
	assert.True(t, res.Fact.Modifiers.Retracted)

	// the paper arrives after its retraction
	added, err := fx.papers.Add(&domain.Paper{ID: "P1", Title: "Late arriving retracted paper"})
	require.NoError(t, err)
	assert.True(t, added.Paper.Retracted)
}

func TestEngine_AddPaper(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.engine.AddPaper(ctx, &domain.Paper{ID: "p1", Title: "KRAS G12D drives pancreatic cancer"},
		[]domain.Chunk{{Ordinal: 1, Text: "Methods"}, {Ordinal: 0, Text: "Abstract"}})
	require.NoError(t, err)
	assert.Empty(t, res.DuplicateOf)
	chunks, err := fx.papers.Chunks("p1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Abstract", chunks[0].Text)

	res, err = fx.engine.AddPaper(ctx, &domain.Paper{ID: "p2", Title: "KRAS G12D drives pancreatic cancer."},
		[]domain.Chunk{{Ordinal: 0, Text: "Copy"}})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.DuplicateOf)
	_, err = fx.papers.Chunks("p2")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	_, err = fx.engine.AddPaper(ctx, &domain.Paper{ID: "p1", Title: "Other"}, nil)
	assert.True(t, errors.Is(err, domain.ErrConflictingWrite))

	// a paper that arrives retracted retracts the facts already citing it
	_, err = fx.engine.Ingest(ctx, fact("TP53", "suppresses", "PAAD", 0.7, "p3"))
	require.NoError(t, err)
	_, err = fx.engine.AddPaper(ctx, &domain.Paper{ID: "p3", Title: "Sotorasib response in lung adenocarcinoma", Retracted: true}, nil)
	require.NoError(t, err)
	current, err := fx.facts.Current(ctx, "TP53", "suppresses")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, 0.0, current[0].Confidence)
}

func TestEngine_RegisterEntity(t *testing.T) {
	_, err := newFixture(t, nil).engine.RegisterEntity(context.Background(), &domain.Entity{ID: "imatinib", Kind: domain.EntityCompound, Symbol: "imatinib"})
	assert.True(t, errors.Is(err, domain.ErrValidation), "no registry configured")

	fx := newEntityFixture(t, &domain.Entity{ID: "ABL1", Kind: domain.EntityGene, Symbol: "ABL1"})
	_, err = fx.engine.RegisterEntity(context.Background(), &domain.Entity{ID: "imatinib", Kind: domain.EntityCompound, Symbol: "imatinib", Aliases: []string{"Gleevec"}})
	require.NoError(t, err)

	found, err := fx.entities.Lookup("gleevec")
	require.NoError(t, err)
	assert.Equal(t, "imatinib", found.ID)

	pairs, err := fx.engine.Resolve(context.Background(), bus.NewFact(1, "Gleevec", "ABL1", 0.9))
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PairKey{{Gene: "ABL1", CancerType: "PAAD"}, {Gene: "ABL1", CancerType: "LUAD"}}, pairs)
}

func TestEngine_Resolve(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	pairs, err := fx.engine.Resolve(ctx, bus.NewFact(1, "KRAS", "PAAD", 0.9))
	require.NoError(t, err)
	assert.Equal(t, []domain.PairKey{{Gene: "KRAS", CancerType: "PAAD"}}, pairs)

	pairs, err = fx.engine.Resolve(ctx, bus.NewFact(1, "KRAS", "SOS1", 0.9))
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PairKey{{Gene: "KRAS", CancerType: "PAAD"}, {Gene: "KRAS", CancerType: "LUAD"}}, pairs)

	res, err := fx.engine.Ingest(ctx, fact("EGFR", "drives", "LUAD", 0.9))
	require.NoError(t, err)
	pairs, err = fx.engine.Resolve(ctx, bus.ConfidenceChanged(res.Fact.ID, "EGFR", 0.9, 0.1))
	require.NoError(t, err)
	assert.Equal(t, []domain.PairKey{{Gene: "EGFR", CancerType: "LUAD"}}, pairs, "object is read from the fact")

	_, err = fx.engine.Resolve(ctx, bus.ConfidenceChanged(999, "EGFR", 0.9, 0.1))
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestEngine_ResolveByEntityKind(t *testing.T) {
	fx := newEntityFixture(t,
		&domain.Entity{ID: "KRAS", Kind: domain.EntityGene, Symbol: "KRAS"},
		&domain.Entity{ID: "ABL1", Kind: domain.EntityGene, Symbol: "ABL1"},
		&domain.Entity{ID: "imatinib", Kind: domain.EntityCompound, Symbol: "imatinib"},
		&domain.Entity{ID: "sotorasib", Kind: domain.EntityCompound, Symbol: "sotorasib"},
		&domain.Entity{ID: "R-HSA-5683057", Kind: domain.EntityPathway, Symbol: "MAPK family signaling"},
		&domain.Entity{ID: "PAAD", Kind: domain.EntityCancerType, Symbol: "PAAD"},
		&domain.Entity{ID: "PANC-1", Kind: domain.EntityCellLine, Symbol: "PANC-1"},
	)
	ctx := context.Background()
	everywhere := func(gene string) []domain.PairKey {
		return []domain.PairKey{{Gene: gene, CancerType: "PAAD"}, {Gene: gene, CancerType: "LUAD"}}
	}

	tests := []struct {
		name    string
		subject string
		object  string
		want    []domain.PairKey
	}{
		{"gene subject", "KRAS", "PAAD", []domain.PairKey{{Gene: "KRAS", CancerType: "PAAD"}}},
		{"gene subject, gene object", "KRAS", "ABL1", everywhere("KRAS")},
		{"compound routes to its target", "imatinib", "ABL1", everywhere("ABL1")},
		{"pathway routes to its member", "MAPK family signaling", "KRAS", everywhere("KRAS")},
		{"compound without gene object", "imatinib", "PAAD", nil},
		{"cell line subject", "PANC-1", "KRAS", nil},
		{"unknown subject", "mystery", "KRAS", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, err := fx.engine.Resolve(ctx, bus.NewFact(1, tt.subject, tt.object, 0.9))
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, pairs)
		})
	}
}

func TestEngine_CompoundFactRescoresTargetGene(t *testing.T) {
	fx := newEntityFixture(t,
		&domain.Entity{ID: "KRAS", Kind: domain.EntityGene, Symbol: "KRAS"},
		&domain.Entity{ID: "sotorasib", Kind: domain.EntityCompound, Symbol: "sotorasib"},
	)
	ctx := context.Background()

	_, err := fx.engine.Ingest(ctx, fact("sotorasib", "inhibits", "KRAS", 0.9))
	require.NoError(t, err)
	fx.engine.Bus().FlushAll(ctx)

	_, err = fx.scores.Latest(ctx, "sotorasib", "PAAD")
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "compounds never get score rows")

	latest, err := fx.scores.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestEngine_RetriesStorageUnavailable(t *testing.T) {
	flaky := &flakyFacts{MemoryStore: factstore.NewMemoryStore(testLogger()), kind: domain.KindStorageUnavailable}
	flaky.failures.Store(2)
	fx := newFixture(t, flaky)

	res, err := fx.engine.Ingest(context.Background(), fact("KRAS", "drives", "PAAD", 0.8))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Fact.ID)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestEngine_DoesNotRetryOtherErrors(t *testing.T) {
	flaky := &flakyFacts{MemoryStore: factstore.NewMemoryStore(testLogger()), kind: domain.KindConflictingWrite}
	flaky.failures.Store(1)
	fx := newFixture(t, flaky)

	_, err := fx.engine.Ingest(context.Background(), fact("KRAS", "drives", "PAAD", 0.8))
	assert.True(t, errors.Is(err, domain.ErrConflictingWrite))
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestEngine_RetryGivesUp(t *testing.T) {
	flaky := &flakyFacts{MemoryStore: factstore.NewMemoryStore(testLogger()), kind: domain.KindStorageUnavailable}
	flaky.failures.Store(10)
	fx := newFixture(t, flaky)

	_, err := fx.engine.Ingest(context.Background(), fact("KRAS", "drives", "PAAD", 0.8))
	assert.True(t, domain.IsKind(err, domain.KindStorageUnavailable))
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestEngine_SwitchProfile(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	err := fx.engine.SwitchProfile(domain.Principal{ID: "analyst"}, scoring.ProfileStructural, RestampPending)
	assert.True(t, domain.IsKind(err, domain.KindPolicyBlocked))

	_, err = fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.8))
	require.NoError(t, err)
	require.NoError(t, fx.engine.SwitchProfile(operator, scoring.ProfileStructural, RestampPending))
	assert.Equal(t, scoring.ProfileStructural, fx.profile.Active())

	fx.engine.Bus().FlushAll(ctx)
	latest, err := fx.scores.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, scoring.ProfileStructural, latest.WeightProfile)
}

func TestEngine_SwitchProfileKeepsPending(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.engine.Ingest(ctx, fact("KRAS", "drives", "PAAD", 0.8))
	require.NoError(t, err)
	// Triggers are resolved when the consumer takes them off the queue
	fx.engine.Bus().FlushAll(ctx)
	_, err = fx.engine.Ingest(ctx, fact("TP53", "drives", "PAAD", 0.8))
	require.NoError(t, err)

	require.NoError(t, fx.engine.SwitchProfile(operator, scoring.ProfileLiterature, KeepPending))
	fx.engine.Bus().FlushAll(ctx)

	kras, err := fx.scores.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, scoring.ProfileDefault, kras.WeightProfile)
	tp53, err := fx.scores.Latest(ctx, "TP53", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, scoring.ProfileLiterature, tp53.WeightProfile, "resolved after the switch")
}

func TestEngine_OperatorActions(t *testing.T) {
	fx := newFixture(t, nil)

	err := fx.engine.SetAllowList(domain.Principal{ID: "analyst"}, []string{"example.org"})
	assert.True(t, domain.IsKind(err, domain.KindPolicyBlocked))
	require.NoError(t, fx.engine.SetAllowList(operator, []string{"example.org"}))
	assert.Equal(t, []string{"example.org"}, fx.gate.AllowList())

	p := llm.Policy{PreferredBackend: "local", LocalOnly: true}
	require.NoError(t, fx.engine.SetRoutingPolicy(operator, p))
	assert.Equal(t, p, fx.router.Policy())
}

func TestEngine_ScoreCohort(t *testing.T) {
	fx := newFixture(t, nil)

	report, err := fx.engine.ScoreCohort(context.Background(), "PAAD", "")
	require.NoError(t, err)
	require.Len(t, report.Scores, 3)
	genes := make([]string, 0, len(report.Scores))
	for _, s := range report.Scores {
		genes = append(genes, s.Gene)
		assert.Equal(t, 1, s.Version)
	}
	assert.ElementsMatch(t, []string{"EGFR", "KRAS", "TP53"}, genes)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, []string{"LUAD", "PAAD"}, fx.engine.CancerTypes())
}

func TestRetryingScoreStore(t *testing.T) {
	store := scoring.NewMemoryStore()
	r := NewRetryingScoreStore(store, RetryPolicy{Attempts: 2, Interval: time.Millisecond}, testLogger())
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, &domain.TargetScore{Gene: "KRAS", CancerType: "PAAD", Version: 1}))
	err := r.Append(ctx, &domain.TargetScore{Gene: "KRAS", CancerType: "PAAD", Version: 3})
	assert.True(t, domain.IsKind(err, domain.KindConflictingWrite))

	latest, err := r.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}
