package factstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// SQLiteScoreStore implements ScoreStore on the lite database
type SQLiteScoreStore struct {
	db  *sql.DB
	log *logrus.Logger
}

const scoreColumns = `gene, cancer_type, version, composite, components, weight_profile,
	band, evidence_support, availability, scored_at`

func scanScore(s scanner) (*domain.TargetScore, error) {
	sc := &domain.TargetScore{}
	var components, band string
	var scoredAt int64
	if err := s.Scan(&sc.Gene, &sc.CancerType, &sc.Version, &sc.Composite, &components,
		&sc.WeightProfile, &band, &sc.EvidenceSupport, &sc.Availability, &scoredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(components), &sc.Components); err != nil {
		return nil, fmt.Errorf("decoding components: %w", err)
	}
	sc.Band = domain.Band(band)
	sc.ScoredAt = fromNanos(scoredAt)
	return sc, nil
}

// Append stores a score row whose version must follow the latest stored one
func (s *SQLiteScoreStore) Append(ctx context.Context, score *domain.TargetScore) error {
	components, err := json.Marshal(score.Components)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "scores.Append", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError("scores.Append", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM target_scores WHERE gene = ? AND cancer_type = ?`,
		score.Gene, score.CancerType).Scan(&latest); err != nil {
		return classifyError("scores.Append", err)
	}
	if score.Version != latest+1 {
		return domain.Errorf(domain.KindConflictingWrite, "scores.Append",
			"version %d for %s/%s does not follow %d", score.Version, score.Gene, score.CancerType, latest)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO target_scores (`+scoreColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		score.Gene, score.CancerType, score.Version, score.Composite, string(components),
		score.WeightProfile, string(score.Band), score.EvidenceSupport, score.Availability,
		score.ScoredAt.UnixNano()); err != nil {
		return classifyError("scores.Append", err)
	}
	return classifyError("scores.Append", tx.Commit())
}

// Latest returns the newest score row for a pair
func (s *SQLiteScoreStore) Latest(ctx context.Context, gene, cancerType string) (*domain.TargetScore, error) {
	sc, err := scanScore(s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM target_scores WHERE gene = ? AND cancer_type = ?
		 ORDER BY version DESC LIMIT 1`, gene, cancerType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "scores.Latest", "%s/%s", gene, cancerType)
	}
	if err != nil {
		return nil, classifyError("scores.Latest", err)
	}
	return sc, nil
}

// ByCancerBand returns the latest row per gene in a cancer type whose band matches
func (s *SQLiteScoreStore) ByCancerBand(ctx context.Context, cancerType string, band domain.Band) ([]*domain.TargetScore, error) {
	return s.query(ctx, "scores.ByCancerBand",
		`SELECT `+prefixed("t", scoreColumns)+` FROM target_scores t
		 JOIN (SELECT gene, MAX(version) AS version FROM target_scores
		       WHERE cancer_type = ? GROUP BY gene) l
		   ON l.gene = t.gene AND l.version = t.version
		 WHERE t.cancer_type = ? AND t.band = ?
		 ORDER BY t.composite DESC, t.gene`,
		cancerType, cancerType, string(band))
}

// ByGene returns the latest row per cancer type for a gene
func (s *SQLiteScoreStore) ByGene(ctx context.Context, gene string) ([]*domain.TargetScore, error) {
	return s.query(ctx, "scores.ByGene",
		`SELECT `+prefixed("t", scoreColumns)+` FROM target_scores t
		 JOIN (SELECT cancer_type, MAX(version) AS version FROM target_scores
		       WHERE gene = ? GROUP BY cancer_type) l
		   ON l.cancer_type = t.cancer_type AND l.version = t.version
		 WHERE t.gene = ?
		 ORDER BY t.cancer_type`,
		gene, gene)
}

func (s *SQLiteScoreStore) query(ctx context.Context, op, q string, args ...interface{}) ([]*domain.TargetScore, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyError(op, err)
	}
	defer rows.Close()

	var out []*domain.TargetScore
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, classifyError(op, err)
		}
		out = append(out, sc)
	}
	return out, classifyError(op, rows.Err())
}
