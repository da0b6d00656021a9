package evidence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/target-evidence-core/internal/domain"
)

// Providers bundles the evidence sources. A nil provider leaves its
// component missing with StatusNotConfigured.
type Providers struct {
	Mutation   domain.MutationProvider
	Dependency domain.DependencyProvider
	Survival   domain.SurvivalProvider
	Expression domain.ExpressionProvider
	Structure  domain.StructureProvider
	Pocket     domain.PocketProvider
	Activity   domain.ActivityProvider
	Pathway    domain.PathwayProvider
	Literature domain.LiteratureProvider
}

// SupportSource reports aggregated knowledge-graph support for a pair
type SupportSource interface {
	Support(ctx context.Context, gene, cancerType string) (float64, error)
}

// Options configures an Assembler
type Options struct {
	// Timeout bounds each provider call
	Timeout time.Duration
	// Parallelism bounds concurrent pair assemblies in a cohort
	Parallelism int
	PLDDTFloor  float64
	// CancerNames maps cancer type ids to the names used in literature queries
	CancerNames map[string]string
}

// Cohort is the assembled evidence for every gene of one cancer type, sorted by gene
type Cohort struct {
	CancerType string    `json:"cancer_type"`
	Records    []*Record `json:"records"`
}

// Find returns the record for gene
func (c *Cohort) Find(gene string) *Record {
	i := sort.Search(len(c.Records), func(i int) bool { return c.Records[i].Gene >= gene })
	if i < len(c.Records) && c.Records[i].Gene == gene {
		return c.Records[i]
	}
	return nil
}

// Assembler gathers evidence components for (gene, cancer type) pairs
type Assembler struct {
	providers Providers
	cache     *ProviderCache
	cohort    CohortSource
	support   SupportSource
	opts      Options
	log       *logrus.Logger
}

// NewAssembler creates an evidence assembler
func NewAssembler(providers Providers, cache *ProviderCache, cohort CohortSource, support SupportSource, opts Options, logger *logrus.Logger) *Assembler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 16
	}
	if opts.PLDDTFloor <= 0 {
		opts.PLDDTFloor = DefaultPLDDTFloor
	}
	return &Assembler{
		providers: providers,
		cache:     cache,
		cohort:    cohort,
		support:   support,
		opts:      opts,
		log:       logger,
	}
}

type fetchFunc func(ctx context.Context) (raw float64, ok bool, err error)

// Assemble gathers all components for one pair. Provider failures never
// fail the call; they leave the component missing with a status.
func (a *Assembler) Assemble(ctx context.Context, gene, cancerType string) (*Record, error) {
	rec, err := a.assemble(ctx, gene, cancerType)
	if err != nil {
		return nil, err
	}
	applyCohortTransforms([]*Record{rec})
	return rec, nil
}

func (a *Assembler) assemble(ctx context.Context, gene, cancerType string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.KindTimeout, "evidence.Assemble", err)
	}
	rec := &Record{Gene: gene, CancerType: cancerType}

	fetchers := a.fetchers(rec, gene, cancerType)
	g, gctx := errgroup.WithContext(ctx)
	for c, fetch := range fetchers {
		c, fetch := domain.Component(c), fetch
		g.Go(func() error {
			a.run(gctx, rec, c, fetch)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.KindTimeout, "evidence.Assemble", err)
	}

	if a.support != nil {
		support, err := a.support.Support(ctx, gene, cancerType)
		if err != nil {
			a.log.WithError(err).WithField("pair", gene+"/"+cancerType).Warn("Knowledge-graph support unavailable")
		} else {
			rec.Support = support
		}
	}
	return rec, nil
}

func (a *Assembler) run(ctx context.Context, rec *Record, c domain.Component, fetch fetchFunc) {
	if fetch == nil {
		rec.Status[c] = StatusNotConfigured
		return
	}
	pctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	raw, ok, err := fetch(pctx)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || domain.IsKind(err, domain.KindTimeout)):
		rec.Status[c] = StatusTimeout
		a.log.WithFields(logrus.Fields{
			"component": c.String(),
			"gene":      rec.Gene,
			"cancer":    rec.CancerType,
		}).Warn("Evidence provider timed out")
	case err != nil:
		rec.Status[c] = StatusUnavailable
		a.log.WithError(err).WithFields(logrus.Fields{
			"component": c.String(),
			"gene":      rec.Gene,
			"cancer":    rec.CancerType,
		}).Warn("Evidence provider unavailable")
	case !ok:
		rec.Status[c] = StatusMissing
	default:
		rec.set(c, raw, raw)
	}
}

// fetchers returns one fetch function per component; nil means not configured
func (a *Assembler) fetchers(rec *Record, gene, cancerType string) [domain.NumComponents]fetchFunc {
	p := a.providers
	pairKey := gene + "|" + cancerType
	var f [domain.NumComponents]fetchFunc

	if p.Mutation != nil {
		f[domain.ComponentMutationFrequency] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "mutation", pairKey, func(ctx context.Context) (*float64, error) {
				return p.Mutation.Frequency(ctx, gene, cancerType)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return clamp01(*v), true, nil
		}
	}

	if p.Dependency != nil {
		f[domain.ComponentCRISPRDependency] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "dependency", pairKey, func(ctx context.Context) (*float64, error) {
				return p.Dependency.MeanCERES(ctx, gene, cancerType)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return CRISPRValue(*v), true, nil
		}
	}

	if p.Survival != nil {
		f[domain.ComponentSurvivalCorrelation] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "survival", pairKey, func(ctx context.Context) (*float64, error) {
				return p.Survival.Correlation(ctx, gene, cancerType)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			r := *v
			rec.SurvivalR = &r
			return math.Abs(r), true, nil
		}
	}

	if p.Expression != nil {
		f[domain.ComponentExpressionSpecificity] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "expression", gene, func(ctx context.Context) (*map[string]float64, error) {
				m, err := p.Expression.MedianExpression(ctx, gene)
				if err != nil || m == nil {
					return nil, err
				}
				return &m, nil
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return expressionSpecificity(*v, cancerType)
		}
	}

	if p.Structure != nil {
		f[domain.ComponentStructuralTractability] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "structure", gene, func(ctx context.Context) (*domain.StructureInfo, error) {
				return p.Structure.Structure(ctx, gene)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return StructuralValue(*v, a.opts.PLDDTFloor), true, nil
		}
	}

	if p.Pocket != nil {
		f[domain.ComponentPocketDetectability] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "pocket", gene, func(ctx context.Context) (*float64, error) {
				return p.Pocket.BestDruggability(ctx, gene)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return clamp01(*v), true, nil
		}
	}

	if p.Activity != nil {
		f[domain.ComponentChemicalNovelty] = func(ctx context.Context) (float64, bool, error) {
			v, err := Fetch(ctx, a.cache, "activity", gene, func(ctx context.Context) (*int, error) {
				return p.Activity.ActiveInhibitors(ctx, gene)
			})
			if err != nil || v == nil {
				return 0, false, err
			}
			return float64(*v), true, nil
		}
	}

	if p.Pathway != nil {
		// Knowledge-graph derived; never cached so rescoring sees new facts
		f[domain.ComponentPathwayIndependence] = func(ctx context.Context) (float64, bool, error) {
			v, err := p.Pathway.BypassPathways(ctx, gene, cancerType)
			if err != nil || v == nil {
				return 0, false, err
			}
			return float64(*v), true, nil
		}
	}

	if p.Literature != nil {
		f[domain.ComponentLiteratureNovelty] = func(ctx context.Context) (float64, bool, error) {
			count := func(query string) (*int, error) {
				return Fetch(ctx, a.cache, "literature", query, func(ctx context.Context) (*int, error) {
					return p.Literature.Count(ctx, query)
				})
			}
			inCancer, err := count(fmt.Sprintf("%q AND %q", gene, a.cancerName(cancerType)))
			if err != nil || inCancer == nil {
				return 0, false, err
			}
			all, err := count(fmt.Sprintf("%q", gene))
			if err != nil || all == nil {
				return 0, false, err
			}
			return LiteratureRatio(*inCancer, *all), true, nil
		}
	}

	return f
}

// AssembleCohort assembles every gene of the cancer type's cohort plus any
// extra genes, with bounded parallelism.
func (a *Assembler) AssembleCohort(ctx context.Context, cancerType string, extra ...string) (*Cohort, error) {
	seen := make(map[string]bool)
	var genes []string
	add := func(g string) {
		g = strings.TrimSpace(g)
		if g != "" && !seen[g] {
			seen[g] = true
			genes = append(genes, g)
		}
	}

	if a.cohort != nil {
		seq, err := a.cohort.Genes(ctx, cancerType)
		if err != nil {
			return nil, fmt.Errorf("listing cohort for %s: %w", cancerType, err)
		}
		for g := range seq {
			add(g)
		}
	}
	for _, g := range extra {
		add(g)
	}
	sort.Strings(genes)

	records := make([]*Record, len(genes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallelism)
	for i, gene := range genes {
		g.Go(func() error {
			rec, err := a.assemble(gctx, gene, cancerType)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	applyCohortTransforms(records)

	a.log.WithFields(logrus.Fields{
		"cancer": cancerType,
		"genes":  len(records),
	}).Debug("Cohort evidence assembled")

	return &Cohort{CancerType: cancerType, Records: records}, nil
}

func (a *Assembler) cancerName(cancerType string) string {
	if name, ok := a.opts.CancerNames[cancerType]; ok && name != "" {
		return name
	}
	return cancerType
}

// applyCohortTransforms derives the count-based component values relative
// to the cohort maximum: value = 1 - count/max.
func applyCohortTransforms(records []*Record) {
	for _, c := range []domain.Component{domain.ComponentChemicalNovelty, domain.ComponentPathwayIndependence} {
		maxCount := 0.0
		for _, r := range records {
			if r.Raw[c] != nil && *r.Raw[c] > maxCount {
				maxCount = *r.Raw[c]
			}
		}
		for _, r := range records {
			if r.Raw[c] == nil {
				continue
			}
			v := 1.0
			if maxCount > 0 {
				v = 1 - *r.Raw[c]/maxCount
			}
			r.Value[c] = domain.Float(v)
		}
	}
}

func expressionSpecificity(m map[string]float64, cancerType string) (float64, bool, error) {
	tumor, ok := m[TumorTissueKey(cancerType)]
	if !ok {
		return 0, false, nil
	}
	sum, n := 0.0, 0
	for tissue, v := range m {
		if strings.HasPrefix(tissue, "tumor:") {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return ExpressionLogRatio(tumor, sum/float64(n)), true, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
