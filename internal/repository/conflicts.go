package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target-evidence-core/internal/database"
	"github.com/target-evidence-core/internal/domain"
)

const conflictColumns = `fact_a, fact_b, kind, net_confidence, resolution, detected_at, resolved_at`

// ConflictRepository persists conflict records on PostgreSQL
type ConflictRepository struct {
	db *database.DB
}

// NewConflictRepository creates a conflict repository
func NewConflictRepository(db *database.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// Save stores or replaces the record for a fact pair
func (r *ConflictRepository) Save(ctx context.Context, rec *domain.ConflictRecord) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO kg_conflicts (`+conflictColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (fact_a, fact_b) DO UPDATE SET
			kind = EXCLUDED.kind,
			net_confidence = EXCLUDED.net_confidence,
			resolution = EXCLUDED.resolution,
			detected_at = EXCLUDED.detected_at,
			resolved_at = EXCLUDED.resolved_at`,
		rec.FactA, rec.FactB, string(rec.Kind), rec.NetConfidence, string(rec.Resolution),
		rec.DetectedAt, rec.ResolvedAt)
	return database.ClassifyError("repository.ConflictRepository.Save", err)
}

// ByFact returns records involving a fact
func (r *ConflictRepository) ByFact(ctx context.Context, factID int64) ([]*domain.ConflictRecord, error) {
	return r.query(ctx, "repository.ConflictRepository.ByFact",
		`SELECT `+conflictColumns+` FROM kg_conflicts
		 WHERE fact_a = $1 OR fact_b = $1 ORDER BY fact_a, fact_b`, factID)
}

// Open returns records that are not resolved
func (r *ConflictRepository) Open(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return r.query(ctx, "repository.ConflictRepository.Open",
		`SELECT `+conflictColumns+` FROM kg_conflicts
		 WHERE resolution <> $1 ORDER BY fact_a, fact_b`, string(domain.ResolutionResolved))
}

// Resolve marks open records involving factID as resolved
func (r *ConflictRepository) Resolve(ctx context.Context, factID int64, at time.Time) (int, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE kg_conflicts SET resolution = $1, resolved_at = $2
		 WHERE (fact_a = $3 OR fact_b = $3) AND resolution <> $1`,
		string(domain.ResolutionResolved), at, factID)
	if err != nil {
		return 0, database.ClassifyError("repository.ConflictRepository.Resolve", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ConflictRepository) query(ctx context.Context, op, query string, args ...any) ([]*domain.ConflictRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.ClassifyError(op, err)
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ConflictRecord, error) {
		rec := &domain.ConflictRecord{}
		var kind, resolution string
		if err := row.Scan(&rec.FactA, &rec.FactB, &kind, &rec.NetConfidence, &resolution,
			&rec.DetectedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		rec.Kind = domain.ConflictKind(kind)
		rec.Resolution = domain.Resolution(resolution)
		rec.DetectedAt = rec.DetectedAt.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, database.ClassifyError(op, err)
	}
	return records, nil
}
