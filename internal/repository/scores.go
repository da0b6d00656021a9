package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/database"
	"github.com/target-evidence-core/internal/domain"
)

const scoreColumns = `gene, cancer_type, version, composite, components, weight_profile,
	band, evidence_support, availability, scored_at`

// ScoreRepository implements domain.ScoreStore on PostgreSQL
type ScoreRepository struct {
	db  *database.DB
	log *logrus.Logger
}

// NewScoreRepository creates a score repository
func NewScoreRepository(db *database.DB, logger *logrus.Logger) *ScoreRepository {
	return &ScoreRepository{db: db, log: logger}
}

func scanScore(row pgx.Row) (*domain.TargetScore, error) {
	s := &domain.TargetScore{}
	var components []byte
	var band string
	err := row.Scan(
		&s.Gene, &s.CancerType, &s.Version, &s.Composite, &components, &s.WeightProfile,
		&band, &s.EvidenceSupport, &s.Availability, &s.ScoredAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(components, &s.Components); err != nil {
		return nil, err
	}
	s.Band = domain.Band(band)
	s.ScoredAt = s.ScoredAt.UTC()
	return s, nil
}

// Append inserts a score row whose version must be exactly one past the
// latest stored version of its pair
func (r *ScoreRepository) Append(ctx context.Context, score *domain.TargetScore) error {
	const op = "repository.ScoreRepository.Append"
	components, err := json.Marshal(score.Components)
	if err != nil {
		return domain.WrapError(domain.KindValidation, op, err)
	}

	tag, err := r.db.Pool.Exec(ctx,
		`INSERT INTO target_scores (`+scoreColumns+`)
		 SELECT $1::text, $2::text, $3::int, $4::float8, $5::jsonb, $6::text,
		        $7::text, $8::float8, $9::text, $10::timestamptz
		 WHERE (SELECT COALESCE(MAX(version), 0) FROM target_scores
		        WHERE gene = $1 AND cancer_type = $2) = $3::int - 1`,
		score.Gene, score.CancerType, score.Version, score.Composite, string(components),
		score.WeightProfile, string(score.Band), score.EvidenceSupport, score.Availability, score.ScoredAt,
	)
	if err != nil {
		return database.ClassifyError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.KindConflictingWrite, op,
			"score version %d for %s/%s is not the next version", score.Version, score.Gene, score.CancerType)
	}

	r.log.WithFields(logrus.Fields{
		"gene":      score.Gene,
		"cancer":    score.CancerType,
		"version":   score.Version,
		"composite": score.Composite,
		"band":      score.Band,
	}).Debug("Score appended")
	return nil
}

// Latest returns the newest score row of a pair
func (r *ScoreRepository) Latest(ctx context.Context, gene, cancerType string) (*domain.TargetScore, error) {
	s, err := scanScore(r.db.Pool.QueryRow(ctx,
		`SELECT `+scoreColumns+` FROM target_scores
		 WHERE gene = $1 AND cancer_type = $2
		 ORDER BY version DESC LIMIT 1`,
		gene, cancerType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "repository.ScoreRepository.Latest", "no score for %s/%s", gene, cancerType)
	}
	if err != nil {
		return nil, database.ClassifyError("repository.ScoreRepository.Latest", err)
	}
	return s, nil
}

// ByCancerBand returns the latest score of every gene in a cancer type whose band matches
func (r *ScoreRepository) ByCancerBand(ctx context.Context, cancerType string, band domain.Band) ([]*domain.TargetScore, error) {
	return r.query(ctx, "repository.ScoreRepository.ByCancerBand",
		`SELECT `+scoreColumns+` FROM (
			SELECT DISTINCT ON (gene) `+scoreColumns+` FROM target_scores
			WHERE cancer_type = $1
			ORDER BY gene, version DESC
		 ) latest
		 WHERE band = $2
		 ORDER BY composite DESC, gene`,
		cancerType, string(band))
}

// ByGene returns every score row of a gene across cancer types
func (r *ScoreRepository) ByGene(ctx context.Context, gene string) ([]*domain.TargetScore, error) {
	return r.query(ctx, "repository.ScoreRepository.ByGene",
		`SELECT `+scoreColumns+` FROM target_scores
		 WHERE gene = $1 ORDER BY cancer_type, version`,
		gene)
}

func (r *ScoreRepository) query(ctx context.Context, op, query string, args ...any) ([]*domain.TargetScore, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.ClassifyError(op, err)
	}
	defer rows.Close()

	var out []*domain.TargetScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, database.ClassifyError(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(op, err)
	}
	return out, nil
}
