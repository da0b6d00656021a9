// Package service wires the write path (fact store, conflict engine, update
// bus) to the scorer and exposes the operator actions.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/bus"
	"github.com/target-evidence-core/internal/confidence"
	"github.com/target-evidence-core/internal/conflict"
	"github.com/target-evidence-core/internal/corpus"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/llm"
	"github.com/target-evidence-core/internal/sandbox"
	"github.com/target-evidence-core/internal/scoring"
)

// PendingMode decides what happens to pairs already queued when the active
// weight profile changes
type PendingMode string

// Pending modes
const (
	KeepPending    PendingMode = "keep"
	RestampPending PendingMode = "restamp"
)

// Deps are the components an Engine coordinates. Entities, Papers, Gate
// and Router are optional.
type Deps struct {
	Facts     domain.FactStore
	Conflicts *conflict.Engine
	Scorer    *scoring.Scorer
	Profiles  *scoring.Profiles
	Entities  *corpus.EntityRegistry
	Papers    *corpus.PaperIndex
	Gate      *sandbox.Gate
	Router    *llm.Router
}

// Options configures an Engine
type Options struct {
	// CancerTypes are the cohorts a fact about a gene alone is fanned out to
	CancerTypes []string
	Retry       RetryPolicy
	Bus         bus.Config
}

// IngestResult reports what one fact ingest did
type IngestResult struct {
	Fact      *domain.Fact             `json:"fact"`
	Replaced  *domain.Fact             `json:"replaced,omitempty"`
	Conflicts []*domain.ConflictRecord `json:"conflicts,omitempty"`
	Published int                      `json:"published"`
}

// Engine runs the pipeline: fact in, conflicts checked, affected pairs
// queued, pairs rescored.
type Engine struct {
	deps Deps
	opts Options
	bus  *bus.Bus
	now  func() time.Time
	log  *logrus.Logger
}

// NewEngine creates an engine and its update bus
func NewEngine(deps Deps, opts Options, logger *logrus.Logger) (*Engine, error) {
	if deps.Facts == nil || deps.Conflicts == nil || deps.Scorer == nil || deps.Profiles == nil {
		return nil, fmt.Errorf("engine requires facts, conflicts, scorer and profiles")
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if deps.Papers == nil {
		deps.Papers = corpus.NewPaperIndex(logger)
	}
	e := &Engine{
		deps: deps,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger,
	}
	e.bus = bus.New(opts.Bus, e.Resolve, e, deps.Profiles.Active, logger)
	return e, nil
}

// Bus returns the update bus
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Run consumes the update bus until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	return e.bus.Run(ctx)
}

// Ingest computes the fact's confidence, stores it, evaluates conflicts and
// queues the affected pairs.
func (e *Engine) Ingest(ctx context.Context, fact *domain.Fact) (*IngestResult, error) {
	if fact == nil {
		return nil, domain.NewValidationError("fact", "is required", nil)
	}
	f := fact.Clone()
	e.applyPaperModifiers(f)
	f.Confidence = confidence.Compute(f.BaseWeight, f.Modifiers)

	var res *domain.InsertResult
	err := e.opts.Retry.Do(ctx, "facts.Insert", e.log, func() error {
		var err error
		res, err = e.deps.Facts.Insert(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting fact %s: %w", f.Key(), err)
	}

	out := &IngestResult{Fact: res.Fact, Replaced: res.Replaced}

	conflicts, err := e.deps.Conflicts.Evaluate(ctx, res)
	if err != nil {
		// The fact is stored; a missed conflict surfaces on the next insert of the key
		e.log.WithError(err).WithField("fact_id", res.Fact.ID).Error("Conflict evaluation failed")
	}
	out.Conflicts = conflicts

	if e.bus.Publish(bus.NewFact(res.Fact.ID, res.Fact.Subject, res.Fact.Object, res.Fact.Confidence)) {
		out.Published++
	}
	if res.Replaced != nil {
		t := bus.ConfidenceChanged(res.Fact.ID, res.Fact.Subject, res.Replaced.Confidence, res.Fact.Confidence)
		t.Object = res.Fact.Object
		if e.bus.Publish(t) {
			out.Published++
		}
	}

	e.log.WithFields(logrus.Fields{
		"fact_id":    res.Fact.ID,
		"key":        res.Fact.Key().String(),
		"confidence": res.Fact.Confidence,
		"replaced":   res.Replaced != nil,
		"conflicts":  len(conflicts),
	}).Debug("Fact ingested")
	return out, nil
}

// applyPaperModifiers marks facts citing a retracted paper as retracted
func (e *Engine) applyPaperModifiers(f *domain.Fact) {
	for _, ref := range f.Evidence {
		if ref.PaperID != "" && e.deps.Papers.IsRetracted(ref.PaperID) {
			f.Modifiers.Retracted = true
		}
	}
}

// Supersede closes a current fact without replacement
func (e *Engine) Supersede(ctx context.Context, id int64) (*domain.Fact, error) {
	var closed *domain.Fact
	err := e.opts.Retry.Do(ctx, "facts.Supersede", e.log, func() error {
		var err error
		closed, err = e.deps.Facts.Supersede(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("superseding fact %d: %w", id, err)
	}
	if err := e.deps.Conflicts.FactClosed(ctx, id); err != nil {
		e.log.WithError(err).WithField("fact_id", id).Error("Resolving conflicts of closed fact failed")
	}

	t := bus.ConfidenceChanged(closed.ID, closed.Subject, closed.Confidence, 0)
	t.Object = closed.Object
	e.bus.Publish(t)
	return closed, nil
}

// RetractPaper marks a paper retracted and replaces every current fact that
// cites it with a retracted version of confidence zero. It returns the
// number of facts replaced.
func (e *Engine) RetractPaper(ctx context.Context, paperID string) (int, error) {
	if _, err := e.deps.Papers.MarkRetracted(paperID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return 0, fmt.Errorf("marking paper %s retracted: %w", paperID, err)
	}

	citing, err := e.deps.Facts.CitingPaper(ctx, paperID)
	if err != nil {
		return 0, fmt.Errorf("finding facts citing %s: %w", paperID, err)
	}

	n := 0
	for _, f := range citing {
		next := f.Clone()
		next.ID = 0
		next.ValidFrom = time.Time{}
		next.ValidUntil = nil
		next.SupersededBy = nil
		next.RecordedAt = time.Time{}
		next.Modifiers.Retracted = true
		if _, err := e.Ingest(ctx, next); err != nil {
			return n, fmt.Errorf("retracting fact %d: %w", f.ID, err)
		}
		n++
	}

	e.log.WithFields(logrus.Fields{
		"paper_id": paperID,
		"facts":    n,
	}).Info("Paper retracted")
	return n, nil
}

// AddPaper indexes a paper and its chunks. A near-duplicate is reported
// and its chunks dropped. A paper that arrives already retracted retracts
// the facts citing it.
func (e *Engine) AddPaper(ctx context.Context, paper *domain.Paper, chunks []domain.Chunk) (*corpus.AddResult, error) {
	if paper == nil {
		return nil, domain.NewValidationError("paper", "is required", nil)
	}
	wasRetracted := paper.ID != "" && e.deps.Papers.IsRetracted(paper.ID)

	res, err := e.deps.Papers.Add(paper)
	if err != nil {
		return nil, fmt.Errorf("adding paper: %w", err)
	}
	fields := logrus.Fields{"paper_id": res.Paper.ID, "chunks": len(chunks)}
	if res.DuplicateOf != "" {
		fields["duplicate_of"] = res.DuplicateOf
		e.log.WithFields(fields).Info("Paper is a near-duplicate, chunks dropped")
		return res, nil
	}
	if len(chunks) > 0 {
		if err := e.deps.Papers.AddChunks(res.Paper.ID, chunks); err != nil {
			return res, fmt.Errorf("adding chunks of paper %s: %w", res.Paper.ID, err)
		}
	}
	e.log.WithFields(fields).Debug("Paper indexed")

	if paper.Retracted && !wasRetracted {
		if _, err := e.RetractPaper(ctx, res.Paper.ID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// RegisterEntity adds an entity, or merges aliases into an existing one
func (e *Engine) RegisterEntity(ctx context.Context, entity *domain.Entity) (*domain.Entity, error) {
	if entity == nil {
		return nil, domain.NewValidationError("entity", "is required", nil)
	}
	if e.deps.Entities == nil {
		return nil, domain.NewError(domain.KindValidation, "service.RegisterEntity", "no entity registry configured")
	}
	return e.deps.Entities.Register(entity)
}

// Resolve maps a trigger to the pairs it affects. The gene is the subject
// when the subject is a gene, or the object when a compound or pathway acts
// on a gene; a trigger naming no gene affects nothing. A fact whose object
// is a cancer type affects that one pair, any other fact affects the gene
// in every configured cancer type.
func (e *Engine) Resolve(ctx context.Context, t bus.Trigger) ([]domain.PairKey, error) {
	object := t.Object
	if object == "" && t.FactID > 0 {
		f, err := e.deps.Facts.Get(ctx, t.FactID)
		if err != nil {
			return nil, fmt.Errorf("loading fact %d: %w", t.FactID, err)
		}
		object = f.Object
	}

	var gene string
	switch {
	case e.isGene(t.Subject):
		gene = t.Subject
	case e.routesToObject(t.Subject) && e.isGene(object):
		// a compound or pathway acting on a gene affects that gene
		gene = object
	default:
		e.log.WithFields(logrus.Fields{
			"fact_id": t.FactID,
			"subject": t.Subject,
			"object":  object,
		}).Debug("Trigger names no gene, nothing to rescore")
		return nil, nil
	}

	if e.isCancerType(object) {
		return []domain.PairKey{{Gene: gene, CancerType: object}}, nil
	}
	pairs := make([]domain.PairKey, 0, len(e.opts.CancerTypes))
	for _, c := range e.opts.CancerTypes {
		pairs = append(pairs, domain.PairKey{Gene: gene, CancerType: c})
	}
	return pairs, nil
}

// entityKind resolves id, then symbol or alias, in the entity registry
func (e *Engine) entityKind(id string) (domain.EntityKind, bool) {
	if e.deps.Entities == nil || id == "" {
		return "", false
	}
	ent, err := e.deps.Entities.Get(id)
	if err != nil {
		if ent, err = e.deps.Entities.Lookup(id); err != nil {
			return "", false
		}
	}
	return ent.Kind, true
}

// isGene reports whether id names a gene or its product. Without an entity
// registry every subject is taken to be a gene.
func (e *Engine) isGene(id string) bool {
	if id == "" {
		return false
	}
	if e.deps.Entities == nil {
		return true
	}
	kind, ok := e.entityKind(id)
	return ok && (kind == domain.EntityGene || kind == domain.EntityProtein)
}

func (e *Engine) routesToObject(id string) bool {
	kind, ok := e.entityKind(id)
	return ok && (kind == domain.EntityCompound || kind == domain.EntityPathway)
}

func (e *Engine) isCancerType(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range e.opts.CancerTypes {
		if c == id {
			return true
		}
	}
	kind, ok := e.entityKind(id)
	return ok && kind == domain.EntityCancerType
}

// Rescore implements bus.Rescorer
func (e *Engine) Rescore(ctx context.Context, pair domain.PairKey, profile string) error {
	return e.deps.Scorer.Rescore(ctx, pair, profile)
}

// ScoreCohort runs a full scoring pass over a cancer type
func (e *Engine) ScoreCohort(ctx context.Context, cancerType, profile string) (*scoring.RunReport, error) {
	return e.deps.Scorer.ScoreCohort(ctx, cancerType, profile)
}

// CancerTypes returns the configured cohorts, sorted
func (e *Engine) CancerTypes() []string {
	out := append([]string(nil), e.opts.CancerTypes...)
	sort.Strings(out)
	return out
}

// SwitchProfile makes name the active weight profile. With RestampPending,
// pairs already queued are rescored with the new profile as well.
func (e *Engine) SwitchProfile(principal domain.Principal, name string, mode PendingMode) error {
	prev, err := e.deps.Profiles.SetActive(principal, name)
	if err != nil {
		return err
	}
	restamped := 0
	if mode == RestampPending {
		restamped = e.bus.Restamp(name)
	}
	e.log.WithFields(logrus.Fields{
		"operator":  principal.ID,
		"from":      prev,
		"to":        name,
		"mode":      mode,
		"restamped": restamped,
	}).Info("Weight profile switched")
	return nil
}

// SetAllowList replaces the sandbox allow-list
func (e *Engine) SetAllowList(principal domain.Principal, hosts []string) error {
	if e.deps.Gate == nil {
		return domain.NewError(domain.KindCapabilityBlocked, "service.SetAllowList", "no sandbox gate configured")
	}
	return e.deps.Gate.SetAllowList(principal, hosts)
}

// SetRoutingPolicy replaces the LLM routing policy
func (e *Engine) SetRoutingPolicy(principal domain.Principal, p llm.Policy) error {
	if e.deps.Router == nil {
		return domain.NewError(domain.KindProviderUnavailable, "service.SetRoutingPolicy", "no LLM router configured")
	}
	return e.deps.Router.SetPolicy(principal, p)
}
