package conflict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/confidence"
	"github.com/target-evidence-core/internal/domain"
)

// Detection and review thresholds
const (
	// MagnitudeDelta is the effect-size difference that makes two same-direction facts disagree
	MagnitudeDelta = 0.40
	// MagnitudeFloor is the confidence both facts need for a magnitude conflict
	MagnitudeFloor = 0.60
	// ManualReviewFloor is the confidence both sides need to require manual review
	ManualReviewFloor = 0.70
	// InclusionFloor is the net confidence a conflicted fact needs to be scored
	InclusionFloor = 0.30
)

// Store persists conflict records
type Store interface {
	Save(ctx context.Context, rec *domain.ConflictRecord) error
	ByFact(ctx context.Context, factID int64) ([]*domain.ConflictRecord, error)
	Resolve(ctx context.Context, factID int64, at time.Time) (int, error)
	Open(ctx context.Context) ([]*domain.ConflictRecord, error)
}

// Engine scans newly inserted facts against the other current facts of
// their subject. It never modifies facts.
type Engine struct {
	facts domain.FactStore
	store Store
	now   func() time.Time
	log   *logrus.Logger
}

// NewEngine creates a conflict engine
func NewEngine(facts domain.FactStore, store Store, logger *logrus.Logger) *Engine {
	return &Engine{
		facts: facts,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger,
	}
}

// Evaluate records conflicts for an insert. Conflicts involving the fact the
// insert replaced are marked resolved first.
func (e *Engine) Evaluate(ctx context.Context, res *domain.InsertResult) ([]*domain.ConflictRecord, error) {
	if res == nil || res.Fact == nil {
		return nil, domain.NewValidationError("fact", "is required", nil)
	}
	if res.Replaced != nil {
		if err := e.FactClosed(ctx, res.Replaced.ID); err != nil {
			return nil, err
		}
	}

	f := res.Fact
	others, err := e.facts.CurrentBySubject(ctx, f.Subject)
	if err != nil {
		return nil, fmt.Errorf("loading current facts for %s: %w", f.Subject, err)
	}

	var found []*domain.ConflictRecord
	for _, g := range others {
		if g.ID == f.ID || g.Object != f.Object || Family(g.Predicate) != Family(f.Predicate) {
			continue
		}
		kind, ok := Classify(f, g)
		if !ok {
			continue
		}
		rec := newRecord(f, g, kind, e.now())
		if err := e.store.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("saving conflict record: %w", err)
		}
		found = append(found, rec)

		e.log.WithFields(logrus.Fields{
			"fact_a":     rec.FactA,
			"fact_b":     rec.FactB,
			"kind":       rec.Kind,
			"net":        rec.NetConfidence,
			"resolution": rec.Resolution,
		}).Info("Fact conflict detected")
	}
	return found, nil
}

// FactClosed resolves every open conflict involving a closed fact
func (e *Engine) FactClosed(ctx context.Context, factID int64) error {
	n, err := e.store.Resolve(ctx, factID, e.now())
	if err != nil {
		return fmt.Errorf("resolving conflicts of fact %d: %w", factID, err)
	}
	if n > 0 {
		e.log.WithFields(logrus.Fields{
			"fact_id":  factID,
			"resolved": n,
		}).Info("Conflicts resolved by supersession")
	}
	return nil
}

// Included reports whether a fact participates in scoring. A fact in an
// open conflict is excluded when that conflict's net confidence is below
// InclusionFloor.
func (e *Engine) Included(ctx context.Context, factID int64) (bool, error) {
	recs, err := e.store.ByFact(ctx, factID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Resolution == domain.ResolutionResolved {
			continue
		}
		if r.NetConfidence < InclusionFloor {
			return false, nil
		}
	}
	return true, nil
}

// Classify decides whether two facts with the same subject, object and
// predicate family conflict, and how.
func Classify(f, g *domain.Fact) (domain.ConflictKind, bool) {
	baseF, negF := BasePredicate(f.Predicate)
	baseG, negG := BasePredicate(g.Predicate)

	switch {
	case baseF == baseG && negF != negG:
		return domain.ConflictExistence, true
	case Antonyms(f.Predicate, g.Predicate):
		return domain.ConflictDirectional, true
	case !negF && !negG && PolarityOf(baseF) == PolarityOf(baseG) && magnitudeDisagrees(f, g):
		return domain.ConflictMagnitude, true
	}
	return "", false
}

func magnitudeDisagrees(f, g *domain.Fact) bool {
	if f.EffectSize == nil || g.EffectSize == nil {
		return false
	}
	return math.Abs(*f.EffectSize-*g.EffectSize) > MagnitudeDelta &&
		f.Confidence > MagnitudeFloor && g.Confidence > MagnitudeFloor
}

// NetConfidence is the damped confidence difference of two disagreeing facts
func NetConfidence(a, b float64) float64 {
	return confidence.Contradictory([]float64{a, -b})
}

func newRecord(f, g *domain.Fact, kind domain.ConflictKind, now time.Time) *domain.ConflictRecord {
	a, b := f, g
	if b.ID < a.ID {
		a, b = b, a
	}
	resolution := domain.ResolutionUnresolved
	if f.Confidence > ManualReviewFloor && g.Confidence > ManualReviewFloor {
		resolution = domain.ResolutionManualReview
	}
	return &domain.ConflictRecord{
		FactA:         a.ID,
		FactB:         b.ID,
		Kind:          kind,
		NetConfidence: NetConfidence(f.Confidence, g.Confidence),
		Resolution:    resolution,
		DetectedAt:    now,
	}
}
