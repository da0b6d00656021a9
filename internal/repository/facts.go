// Package repository implements the PostgreSQL stores for facts, scores and conflicts.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/database"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/factstore"
)

const factColumns = `id, subject, predicate, object, base_weight, confidence, modifiers,
	effect_size, evidence, valid_from, valid_until, superseded_by, recorded_at`

// FactRepository implements domain.FactStore on PostgreSQL
type FactRepository struct {
	db       *database.DB
	entities domain.EntityChecker
	now      func() time.Time
	log      *logrus.Logger
}

// NewFactRepository creates a fact repository. entities may be nil.
func NewFactRepository(db *database.DB, entities domain.EntityChecker, logger *logrus.Logger) *FactRepository {
	return &FactRepository{
		db:       db,
		entities: entities,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

func scanFact(row pgx.Row) (*domain.Fact, error) {
	f := &domain.Fact{}
	var modifiers, evidence []byte
	err := row.Scan(
		&f.ID, &f.Subject, &f.Predicate, &f.Object, &f.BaseWeight, &f.Confidence, &modifiers,
		&f.EffectSize, &evidence, &f.ValidFrom, &f.ValidUntil, &f.SupersededBy, &f.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(modifiers, &f.Modifiers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &f.Evidence); err != nil {
		return nil, err
	}
	f.ValidFrom = f.ValidFrom.UTC()
	f.RecordedAt = f.RecordedAt.UTC()
	if f.ValidUntil != nil {
		t := f.ValidUntil.UTC()
		f.ValidUntil = &t
	}
	return f, nil
}

// Insert stores a new current fact, closing any current fact with the same key
func (r *FactRepository) Insert(ctx context.Context, fact *domain.Fact) (*domain.InsertResult, error) {
	const op = "repository.FactRepository.Insert"
	if err := factstore.ValidateInsert(fact, r.entities); err != nil {
		return nil, err
	}

	now := r.now()
	nf := fact.Clone()
	if nf.ValidFrom.IsZero() {
		nf.ValidFrom = now
	}
	nf.ValidUntil = nil
	nf.SupersededBy = nil
	nf.RecordedAt = now

	modifiers, err := json.Marshal(nf.Modifiers)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, op, err)
	}
	evidence := nf.Evidence
	if evidence == nil {
		evidence = []domain.EvidenceRef{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, op, err)
	}

	result := &domain.InsertResult{Fact: nf}
	err = r.db.WithTx(ctx, op, func(tx pgx.Tx) error {
		prev, err := scanFact(tx.QueryRow(ctx,
			`SELECT `+factColumns+` FROM kg_facts
			 WHERE subject = $1 AND predicate = $2 AND object = $3 AND valid_until IS NULL
			 FOR UPDATE`,
			nf.Subject, nf.Predicate, nf.Object))
		if errors.Is(err, pgx.ErrNoRows) {
			prev = nil
		} else if err != nil {
			return database.ClassifyError(op, err)
		}
		if err := factstore.ValidateSuccession(prev, nf); err != nil {
			return err
		}

		if prev != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE kg_facts SET valid_until = $1 WHERE id = $2 AND valid_until IS NULL`,
				nf.ValidFrom, prev.ID); err != nil {
				return database.ClassifyError(op, err)
			}
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO kg_facts (subject, predicate, object, base_weight, confidence, modifiers,
				effect_size, evidence, valid_from, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			nf.Subject, nf.Predicate, nf.Object, nf.BaseWeight, nf.Confidence, string(modifiers),
			nf.EffectSize, string(evidenceJSON), nf.ValidFrom, nf.RecordedAt,
		).Scan(&nf.ID)
		if err != nil {
			return database.ClassifyError(op, err)
		}

		for _, paperID := range citedPapers(nf.Evidence) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO kg_fact_papers (fact_id, paper_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				nf.ID, paperID); err != nil {
				return database.ClassifyError(op, err)
			}
		}

		if prev != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE kg_facts SET superseded_by = $1 WHERE id = $2`, nf.ID, prev.ID); err != nil {
				return database.ClassifyError(op, err)
			}
			until, next := nf.ValidFrom, nf.ID
			prev.ValidUntil = &until
			prev.SupersededBy = &next
			result.Replaced = prev
		}
		return nil
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"key":   nf.Key().String(),
			"error": err,
		}).Warn("Failed to insert fact")
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"fact_id":  nf.ID,
		"key":      nf.Key().String(),
		"replaced": result.Replaced != nil,
	}).Debug("Fact inserted")

	return result, nil
}

// Supersede closes a current fact. Closing an already-closed fact is a no-op.
func (r *FactRepository) Supersede(ctx context.Context, id int64) (*domain.Fact, error) {
	const op = "repository.FactRepository.Supersede"
	f, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.IsCurrent() {
		return f, nil
	}

	until := r.now()
	if until.Before(f.ValidFrom) {
		until = f.ValidFrom
	}
	if _, err := r.db.Pool.Exec(ctx,
		`UPDATE kg_facts SET valid_until = $1 WHERE id = $2 AND valid_until IS NULL`,
		until, id); err != nil {
		return nil, database.ClassifyError(op, err)
	}
	return r.Get(ctx, id)
}

// Get returns a fact by id
func (r *FactRepository) Get(ctx context.Context, id int64) (*domain.Fact, error) {
	f, err := scanFact(r.db.Pool.QueryRow(ctx,
		`SELECT `+factColumns+` FROM kg_facts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "repository.FactRepository.Get", "fact %d", id)
	}
	if err != nil {
		return nil, database.ClassifyError("repository.FactRepository.Get", err)
	}
	return f, nil
}

// Current returns current facts for (subject, predicate) ordered by id
func (r *FactRepository) Current(ctx context.Context, subject, predicate string) ([]*domain.Fact, error) {
	return r.queryFacts(ctx, "repository.FactRepository.Current",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = $1 AND predicate = $2 AND valid_until IS NULL ORDER BY id`,
		subject, predicate)
}

// CurrentBySubject returns every current fact about subject ordered by id
func (r *FactRepository) CurrentBySubject(ctx context.Context, subject string) ([]*domain.Fact, error) {
	return r.queryFacts(ctx, "repository.FactRepository.CurrentBySubject",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = $1 AND valid_until IS NULL ORDER BY id`,
		subject)
}

// History returns every version of a key ordered by valid_from
func (r *FactRepository) History(ctx context.Context, key domain.FactKey) ([]*domain.Fact, error) {
	return r.queryFacts(ctx, "repository.FactRepository.History",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = $1 AND predicate = $2 AND object = $3 ORDER BY valid_from, id`,
		key.Subject, key.Predicate, key.Object)
}

// EvidenceOf returns the evidence references of a fact
func (r *FactRepository) EvidenceOf(ctx context.Context, id int64) ([]domain.EvidenceRef, error) {
	f, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Evidence, nil
}

// CitingPaper returns current facts whose evidence cites paperID
func (r *FactRepository) CitingPaper(ctx context.Context, paperID string) ([]*domain.Fact, error) {
	return r.queryFacts(ctx, "repository.FactRepository.CitingPaper",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE valid_until IS NULL
		   AND id IN (SELECT fact_id FROM kg_fact_papers WHERE paper_id = $1)
		 ORDER BY id`,
		paperID)
}

func (r *FactRepository) queryFacts(ctx context.Context, op, query string, args ...any) ([]*domain.Fact, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.ClassifyError(op, err)
	}
	defer rows.Close()

	var out []*domain.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, database.ClassifyError(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(op, err)
	}
	return out, nil
}

func citedPapers(refs []domain.EvidenceRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ref := range refs {
		if ref.PaperID != "" && !seen[ref.PaperID] {
			seen[ref.PaperID] = true
			out = append(out, ref.PaperID)
		}
	}
	return out
}
