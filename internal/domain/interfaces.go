package domain

import (
	"context"
	"time"
)

// FactStore is the append-only bi-temporal knowledge-graph store
type FactStore interface {
	Insert(ctx context.Context, fact *Fact) (*InsertResult, error)
	Supersede(ctx context.Context, id int64) (*Fact, error)
	Get(ctx context.Context, id int64) (*Fact, error)
	Current(ctx context.Context, subject, predicate string) ([]*Fact, error)
	CurrentBySubject(ctx context.Context, subject string) ([]*Fact, error)
	History(ctx context.Context, key FactKey) ([]*Fact, error)
	EvidenceOf(ctx context.Context, id int64) ([]EvidenceRef, error)
	CitingPaper(ctx context.Context, paperID string) ([]*Fact, error)
}

// ScoreStore persists versioned score rows. Append rejects a row whose
// version is not exactly one past the latest stored version for its pair.
type ScoreStore interface {
	Append(ctx context.Context, score *TargetScore) error
	Latest(ctx context.Context, gene, cancerType string) (*TargetScore, error)
	ByCancerBand(ctx context.Context, cancerType string, band Band) ([]*TargetScore, error)
	ByGene(ctx context.Context, gene string) ([]*TargetScore, error)
}

// AuditStore is the append-only LLM audit log
type AuditStore interface {
	Append(ctx context.Context, record *AuditRecord) error
	ByTimeRange(ctx context.Context, from, to time.Time) ([]*AuditRecord, error)
	BySession(ctx context.Context, sessionID string) ([]*AuditRecord, error)
}

// EntityChecker reports whether an entity id is registered
type EntityChecker interface {
	Exists(id string) bool
}

// Provider contracts. A nil result with a nil error means the provider has
// no data for the key.

// DependencyProvider supplies CRISPR knockout dependency scores
type DependencyProvider interface {
	MeanCERES(ctx context.Context, gene, cancerType string) (*float64, error)
	TopDependencies(ctx context.Context, cancerType string, n int) ([]string, error)
}

// SurvivalProvider supplies expression/survival correlations
type SurvivalProvider interface {
	Correlation(ctx context.Context, gene, cancerType string) (*float64, error)
}

// ExpressionProvider supplies median expression per tissue
type ExpressionProvider interface {
	MedianExpression(ctx context.Context, gene string) (map[string]float64, error)
}

// MutationProvider supplies somatic mutation frequencies
type MutationProvider interface {
	Frequency(ctx context.Context, gene, cancerType string) (*float64, error)
}

// ActivityProvider supplies counts of known active inhibitors
type ActivityProvider interface {
	ActiveInhibitors(ctx context.Context, gene string) (*int, error)
}

// LiteratureProvider counts papers matching a query
type LiteratureProvider interface {
	Count(ctx context.Context, query string) (*int, error)
}

// StructureProvider reports structure availability
type StructureProvider interface {
	Structure(ctx context.Context, gene string) (*StructureInfo, error)
}

// PocketProvider reports the best pocket druggability score
type PocketProvider interface {
	BestDruggability(ctx context.Context, gene string) (*float64, error)
}

// PathwayProvider counts bypass pathways for a gene in a cancer context
type PathwayProvider interface {
	BypassPathways(ctx context.Context, gene, cancerType string) (*int, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Validate() error
}
