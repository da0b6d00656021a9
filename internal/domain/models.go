package domain

import (
	"fmt"
	"time"
)

// EntityKind identifies what an entity represents
type EntityKind string

// Entity kinds
const (
	EntityGene       EntityKind = "gene"
	EntityProtein    EntityKind = "protein"
	EntityCompound   EntityKind = "compound"
	EntityCancerType EntityKind = "cancer_type"
	EntityPathway    EntityKind = "pathway"
	EntityCellLine   EntityKind = "cell_line"
	EntityTissue     EntityKind = "tissue"
)

// Entity is a named biological or chemical thing referenced by facts.
// Its kind never changes after creation.
type Entity struct {
	ID        string     `json:"id" validate:"required"`
	Kind      EntityKind `json:"kind" validate:"required,oneof=gene protein compound cancer_type pathway cell_line tissue"`
	Symbol    string     `json:"symbol" validate:"required"`
	Aliases   []string   `json:"aliases,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Paper is an ingested publication
type Paper struct {
	ID           string    `json:"id" validate:"required"`
	DOI          string    `json:"doi,omitempty"`
	PMID         string    `json:"pmid,omitempty"`
	PMCID        string    `json:"pmcid,omitempty"`
	Title        string    `json:"title" validate:"required"`
	Abstract     string    `json:"abstract,omitempty"`
	Journal      string    `json:"journal,omitempty"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	ImpactFactor float64   `json:"impact_factor" validate:"gte=0"`
	Preprint     bool      `json:"preprint"`
	Retracted    bool      `json:"retracted"`
	Fingerprint  uint64    `json:"fingerprint"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// Chunk is an ordered text segment of a paper. Ordinals are dense from 0.
type Chunk struct {
	PaperID string `json:"paper_id" validate:"required"`
	Ordinal int    `json:"ordinal" validate:"gte=0"`
	Section string `json:"section,omitempty"`
	Text    string `json:"text" validate:"required"`
}

// EvidenceRef points from a fact to the material supporting it
type EvidenceRef struct {
	Source       string `json:"source" validate:"required"`
	PaperID      string `json:"paper_id,omitempty"`
	ChunkOrdinal *int   `json:"chunk_ordinal,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Modifiers are the study attributes that adjust a base evidence weight
type Modifiers struct {
	SampleSize         int     `json:"sample_size,omitempty" validate:"gte=0"`
	Replications       int     `json:"replications,omitempty" validate:"gte=0"`
	ImpactFactor       float64 `json:"impact_factor,omitempty" validate:"gte=0"`
	Preprint           bool    `json:"preprint,omitempty"`
	SingleCellLineOnly bool    `json:"single_cell_line_only,omitempty"`
	Retracted          bool    `json:"retracted,omitempty"`
}

// FactKey identifies the (subject, predicate, object) triple of a fact
type FactKey struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// String renders the key for logs and map keys
func (k FactKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Subject, k.Predicate, k.Object)
}

// Fact is a bi-temporal knowledge-graph assertion. Only ValidUntil and
// SupersededBy change after insertion, and only through the fact store.
type Fact struct {
	ID           int64         `json:"id"`
	Subject      string        `json:"subject" validate:"required"`
	Predicate    string        `json:"predicate" validate:"required"`
	Object       string        `json:"object" validate:"required"`
	BaseWeight   float64       `json:"base_weight" validate:"gte=0,lte=1"`
	Confidence   float64       `json:"confidence" validate:"gte=0,lte=1"`
	Modifiers    Modifiers     `json:"modifiers"`
	EffectSize   *float64      `json:"effect_size,omitempty"`
	Evidence     []EvidenceRef `json:"evidence,omitempty" validate:"dive"`
	ValidFrom    time.Time     `json:"valid_from"`
	ValidUntil   *time.Time    `json:"valid_until,omitempty"`
	SupersededBy *int64        `json:"superseded_by,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Key returns the fact's triple
func (f *Fact) Key() FactKey {
	return FactKey{Subject: f.Subject, Predicate: f.Predicate, Object: f.Object}
}

// IsCurrent reports whether the fact has not been closed
func (f *Fact) IsCurrent() bool {
	return f.ValidUntil == nil
}

// Clone returns a deep copy so callers never share mutable state with a store
func (f *Fact) Clone() *Fact {
	c := *f
	if f.EffectSize != nil {
		v := *f.EffectSize
		c.EffectSize = &v
	}
	if f.ValidUntil != nil {
		v := *f.ValidUntil
		c.ValidUntil = &v
	}
	if f.SupersededBy != nil {
		v := *f.SupersededBy
		c.SupersededBy = &v
	}
	if f.Evidence != nil {
		c.Evidence = make([]EvidenceRef, len(f.Evidence))
		copy(c.Evidence, f.Evidence)
	}
	return &c
}

// InsertResult is returned by a fact store insert. Replaced is set when the
// insert closed a previously current fact with the same key.
type InsertResult struct {
	Fact     *Fact `json:"fact"`
	Replaced *Fact `json:"replaced,omitempty"`
}

// Component is one of the nine scoring dimensions, in fixed order
type Component int

// Scoring components
const (
	ComponentMutationFrequency Component = iota
	ComponentCRISPRDependency
	ComponentSurvivalCorrelation
	ComponentExpressionSpecificity
	ComponentStructuralTractability
	ComponentPocketDetectability
	ComponentChemicalNovelty
	ComponentPathwayIndependence
	ComponentLiteratureNovelty
)

// NumComponents is the number of scoring components
const NumComponents = 9

var componentNames = [NumComponents]string{
	"mutation_frequency",
	"crispr_dependency",
	"survival_correlation",
	"expression_specificity",
	"structural_tractability",
	"pocket_detectability",
	"chemical_novelty",
	"pathway_independence",
	"literature_novelty",
}

// String returns the component's wire name
func (c Component) String() string {
	if c < 0 || int(c) >= NumComponents {
		return fmt.Sprintf("component(%d)", int(c))
	}
	return componentNames[c]
}

// AllComponents returns the components in their fixed order
func AllComponents() []Component {
	out := make([]Component, NumComponents)
	for i := range out {
		out[i] = Component(i)
	}
	return out
}

// ComponentVector holds one nullable value per component. A nil entry means
// the component is missing for that pair.
type ComponentVector [NumComponents]*float64

// Present counts non-nil components
func (v ComponentVector) Present() int {
	n := 0
	for _, c := range v {
		if c != nil {
			n++
		}
	}
	return n
}

// Float returns a pointer to f
func Float(f float64) *float64 {
	return &f
}

// Band is a shortlist tier
type Band string

// Shortlist bands
const (
	BandPrimary   Band = "primary"
	BandSecondary Band = "secondary"
	BandExcluded  Band = "excluded"
)

// PairKey identifies a (gene, cancer type) scoring pair
type PairKey struct {
	Gene       string `json:"gene"`
	CancerType string `json:"cancer_type"`
}

// String renders the pair for logs
func (p PairKey) String() string {
	return p.Gene + "/" + p.CancerType
}

// TargetScore is one versioned score row for a (gene, cancer type) pair
type TargetScore struct {
	Gene            string          `json:"gene"`
	CancerType      string          `json:"cancer_type"`
	Version         int             `json:"version"`
	Composite       float64         `json:"composite"`
	Components      ComponentVector `json:"components"`
	WeightProfile   string          `json:"weight_profile"`
	Band            Band            `json:"band"`
	EvidenceSupport float64         `json:"evidence_support"`
	Availability    string          `json:"availability"`
	ScoredAt        time.Time       `json:"scored_at"`
}

// DataClass is the sensitivity level of an LLM prompt
type DataClass string

// Data classes
const (
	DataClassPublic       DataClass = "public"
	DataClassInternal     DataClass = "internal"
	DataClassConfidential DataClass = "confidential"
)

// AuditRecord is one append-only LLM call record. OutputSHA256 is empty
// when the call failed or was refused.
type AuditRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	Backend          string    `json:"backend"`
	ModelID          string    `json:"model_id"`
	DataClass        DataClass `json:"data_class"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	OutputSHA256     string    `json:"output_sha256"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
}

// ConflictKind identifies how two facts disagree
type ConflictKind string

// Conflict kinds
const (
	ConflictDirectional ConflictKind = "directional"
	ConflictMagnitude   ConflictKind = "magnitude"
	ConflictExistence   ConflictKind = "existence"
)

// Resolution is the review state of a conflict
type Resolution string

// Conflict resolutions
const (
	ResolutionUnresolved   Resolution = "unresolved"
	ResolutionManualReview Resolution = "manual_review"
	ResolutionResolved     Resolution = "resolved"
)

// ConflictRecord is a detected disagreement between two current facts
type ConflictRecord struct {
	FactA         int64        `json:"fact_a"`
	FactB         int64        `json:"fact_b"`
	Kind          ConflictKind `json:"kind"`
	NetConfidence float64      `json:"net_confidence"`
	Resolution    Resolution   `json:"resolution"`
	DetectedAt    time.Time    `json:"detected_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

// StructureInfo summarizes available 3D structures for a gene product
type StructureInfo struct {
	Experimental bool    `json:"experimental"`
	Predicted    bool    `json:"predicted"`
	MeanPLDDT    float64 `json:"mean_plddt"`
}

// Principal is the caller of a privileged operation
type Principal struct {
	ID       string `json:"id"`
	Operator bool   `json:"operator"`
}

// RequireOperator fails with PolicyBlocked unless p holds operator privilege
func RequireOperator(p Principal, op string) error {
	if !p.Operator {
		return Errorf(KindPolicyBlocked, op, "principal %q lacks operator privilege", p.ID)
	}
	return nil
}
