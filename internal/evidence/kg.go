package evidence

import (
	"context"
	"fmt"

	"github.com/target-evidence-core/internal/confidence"
	"github.com/target-evidence-core/internal/domain"
)

// Knowledge-graph predicates read by the evidence sources
const (
	// PredicateBypassPathway links a gene to a pathway that can compensate for its loss
	PredicateBypassPathway = "has_bypass_pathway"
	// PredicateActiveIn restricts a pathway to the cancer types it is active in
	PredicateActiveIn = "active_in"
)

// FactReader is the read side of the fact store used by the knowledge-graph sources
type FactReader interface {
	CurrentBySubject(ctx context.Context, subject string) ([]*domain.Fact, error)
}

// InclusionChecker reports whether a fact may contribute to scoring
type InclusionChecker interface {
	Included(ctx context.Context, factID int64) (bool, error)
}

// KnowledgeGraph derives pathway independence and support from current facts
type KnowledgeGraph struct {
	facts     FactReader
	inclusion InclusionChecker
}

// NewKnowledgeGraph creates a knowledge-graph evidence source. inclusion may be nil.
func NewKnowledgeGraph(facts FactReader, inclusion InclusionChecker) *KnowledgeGraph {
	return &KnowledgeGraph{facts: facts, inclusion: inclusion}
}

func (k *KnowledgeGraph) included(ctx context.Context, gene string) ([]*domain.Fact, error) {
	facts, err := k.facts.CurrentBySubject(ctx, gene)
	if err != nil {
		return nil, fmt.Errorf("reading current facts for %s: %w", gene, err)
	}
	if k.inclusion == nil {
		return facts, nil
	}
	kept := facts[:0:0]
	for _, f := range facts {
		ok, err := k.inclusion.Included(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("checking inclusion of fact %d: %w", f.ID, err)
		}
		if ok {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

// BypassPathways counts distinct bypass pathways of gene in cancerType. A
// pathway with included active_in facts counts only in those cancer types;
// one without any counts everywhere. It reports no data when the graph
// holds no current facts about the gene at all.
func (k *KnowledgeGraph) BypassPathways(ctx context.Context, gene, cancerType string) (*int, error) {
	all, err := k.facts.CurrentBySubject(ctx, gene)
	if err != nil {
		return nil, fmt.Errorf("reading current facts for %s: %w", gene, err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	facts, err := k.included(ctx, gene)
	if err != nil {
		return nil, err
	}
	pathways := make(map[string]bool)
	for _, f := range facts {
		if f.Predicate != PredicateBypassPathway || f.Confidence <= 0 || pathways[f.Object] {
			continue
		}
		active, err := k.activeIn(ctx, f.Object, cancerType)
		if err != nil {
			return nil, err
		}
		if active {
			pathways[f.Object] = true
		}
	}
	n := len(pathways)
	return &n, nil
}

// activeIn reports whether pathway applies to cancerType
func (k *KnowledgeGraph) activeIn(ctx context.Context, pathway, cancerType string) (bool, error) {
	facts, err := k.included(ctx, pathway)
	if err != nil {
		return false, err
	}
	restricted := false
	for _, f := range facts {
		if f.Predicate != PredicateActiveIn || f.Confidence <= 0 {
			continue
		}
		if f.Object == cancerType {
			return true, nil
		}
		restricted = true
	}
	return !restricted, nil
}

// Support aggregates the confidence of included current facts linking gene to cancerType
func (k *KnowledgeGraph) Support(ctx context.Context, gene, cancerType string) (float64, error) {
	facts, err := k.included(ctx, gene)
	if err != nil {
		return 0, err
	}
	var confs []float64
	for _, f := range facts {
		if f.Object == cancerType {
			confs = append(confs, f.Confidence)
		}
	}
	return confidence.Aggregate(confs), nil
}
