package evidence

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/target-evidence-core/internal/domain"
)

// CohortSource lists the genes scored together for a cancer type
type CohortSource interface {
	Genes(ctx context.Context, cancerType string) (iter.Seq[string], error)
}

// StaticCohort is a fixed gene list per cancer type
type StaticCohort map[string][]string

// Genes implements CohortSource
func (s StaticCohort) Genes(ctx context.Context, cancerType string) (iter.Seq[string], error) {
	return slices.Values(slices.Clone(s[cancerType])), nil
}

// DependencyCohort takes the top dependencies of a cancer type as its cohort
type DependencyCohort struct {
	Dependencies domain.DependencyProvider
	Size         int
}

// Genes implements CohortSource
func (d DependencyCohort) Genes(ctx context.Context, cancerType string) (iter.Seq[string], error) {
	genes, err := d.Dependencies.TopDependencies(ctx, cancerType, d.Size)
	if err != nil {
		return nil, fmt.Errorf("fetching top dependencies: %w", err)
	}
	return slices.Values(genes), nil
}

// UnionCohort merges several sources; duplicates are removed by the assembler
type UnionCohort []CohortSource

// Genes implements CohortSource
func (u UnionCohort) Genes(ctx context.Context, cancerType string) (iter.Seq[string], error) {
	seqs := make([]iter.Seq[string], 0, len(u))
	for _, src := range u {
		seq, err := src.Genes(ctx, cancerType)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return func(yield func(string) bool) {
		for _, seq := range seqs {
			for g := range seq {
				if !yield(g) {
					return
				}
			}
		}
	}, nil
}
