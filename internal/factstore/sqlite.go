package factstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/target-evidence-core/internal/domain"
)

// SQLiteStore implements FactStore on an embedded SQLite database
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	entities domain.EntityChecker
	now      Clock
	log      *logrus.Logger
}

// NewSQLiteStore opens (creating if needed) the database file and schema
func NewSQLiteStore(dbPath string, logger *logrus.Logger, opts ...MemoryOption) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection keeps read-then-write sequences atomic
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Reuse the memory options for clock and entity checks
	m := &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}

	return &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		entities: m.entities,
		now:      m.now,
		log:      logger,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kg_facts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		subject       TEXT    NOT NULL,
		predicate     TEXT    NOT NULL,
		object        TEXT    NOT NULL,
		base_weight   REAL    NOT NULL,
		confidence    REAL    NOT NULL,
		modifiers     TEXT    NOT NULL DEFAULT '{}',
		effect_size   REAL,
		evidence      TEXT    NOT NULL DEFAULT '[]',
		valid_from    INTEGER NOT NULL,
		valid_until   INTEGER,
		superseded_by INTEGER REFERENCES kg_facts(id),
		recorded_at   INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_kg_facts_current
		ON kg_facts(subject, predicate, object) WHERE valid_until IS NULL;
	CREATE INDEX IF NOT EXISTS idx_kg_facts_subject ON kg_facts(subject, predicate);

	CREATE TABLE IF NOT EXISTS kg_fact_papers (
		fact_id  INTEGER NOT NULL REFERENCES kg_facts(id),
		paper_id TEXT    NOT NULL,
		PRIMARY KEY (fact_id, paper_id)
	);
	CREATE INDEX IF NOT EXISTS idx_kg_fact_papers_paper ON kg_fact_papers(paper_id);

	CREATE TABLE IF NOT EXISTS target_scores (
		gene            TEXT    NOT NULL,
		cancer_type     TEXT    NOT NULL,
		version         INTEGER NOT NULL,
		composite       REAL    NOT NULL,
		components      TEXT    NOT NULL,
		weight_profile  TEXT    NOT NULL,
		band            TEXT    NOT NULL,
		evidence_support REAL   NOT NULL DEFAULT 0,
		availability    TEXT    NOT NULL DEFAULT '',
		scored_at       INTEGER NOT NULL,
		PRIMARY KEY (gene, cancer_type, version)
	);
	CREATE INDEX IF NOT EXISTS idx_target_scores_band ON target_scores(cancer_type, band);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scores returns the score store sharing this database
func (s *SQLiteStore) Scores() *SQLiteScoreStore {
	return &SQLiteScoreStore{db: s.db, log: s.log}
}

const factColumns = `id, subject, predicate, object, base_weight, confidence, modifiers,
	effect_size, evidence, valid_from, valid_until, superseded_by, recorded_at`

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanFact scans a row into a Fact struct.
func scanFact(s scanner) (*domain.Fact, error) {
	f := &domain.Fact{}
	var modifiers, evidence string
	var effect sql.NullFloat64
	var validFrom, recordedAt int64
	var validUntil, supersededBy sql.NullInt64

	err := s.Scan(
		&f.ID, &f.Subject, &f.Predicate, &f.Object, &f.BaseWeight, &f.Confidence, &modifiers,
		&effect, &evidence, &validFrom, &validUntil, &supersededBy, &recordedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(modifiers), &f.Modifiers); err != nil {
		return nil, fmt.Errorf("decoding modifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence: %w", err)
	}
	if effect.Valid {
		f.EffectSize = domain.Float(effect.Float64)
	}
	f.ValidFrom = fromNanos(validFrom)
	f.RecordedAt = fromNanos(recordedAt)
	if validUntil.Valid {
		t := fromNanos(validUntil.Int64)
		f.ValidUntil = &t
	}
	if supersededBy.Valid {
		id := supersededBy.Int64
		f.SupersededBy = &id
	}
	return f, nil
}

// Insert stores a new current fact, closing any current fact with the same key
func (s *SQLiteStore) Insert(ctx context.Context, fact *domain.Fact) (*domain.InsertResult, error) {
	if err := checkContext(ctx, "factstore.Insert"); err != nil {
		return nil, err
	}
	if err := ValidateInsert(fact, s.entities); err != nil {
		return nil, err
	}

	now := s.now()
	nf := fact.Clone()
	if nf.ValidFrom.IsZero() {
		nf.ValidFrom = now
	}
	nf.ValidUntil = nil
	nf.SupersededBy = nil
	nf.RecordedAt = now

	modifiers, err := json.Marshal(nf.Modifiers)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "factstore.Insert", err)
	}
	evidence, err := json.Marshal(nonNilEvidence(nf.Evidence))
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "factstore.Insert", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyError("factstore.Insert", err)
	}
	defer tx.Rollback()

	prev, err := scanFact(tx.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = ? AND predicate = ? AND object = ? AND valid_until IS NULL`,
		nf.Subject, nf.Predicate, nf.Object))
	if errors.Is(err, sql.ErrNoRows) {
		prev = nil
	} else if err != nil {
		return nil, classifyError("factstore.Insert", err)
	}
	if err := ValidateSuccession(prev, nf); err != nil {
		return nil, err
	}

	if prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE kg_facts SET valid_until = ? WHERE id = ? AND valid_until IS NULL`,
			nf.ValidFrom.UnixNano(), prev.ID); err != nil {
			return nil, classifyError("factstore.Insert", err)
		}
	}

	var effect interface{}
	if nf.EffectSize != nil {
		effect = *nf.EffectSize
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO kg_facts (subject, predicate, object, base_weight, confidence, modifiers,
			effect_size, evidence, valid_from, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nf.Subject, nf.Predicate, nf.Object, nf.BaseWeight, nf.Confidence, string(modifiers),
		effect, string(evidence), nf.ValidFrom.UnixNano(), nf.RecordedAt.UnixNano())
	if err != nil {
		return nil, classifyError("factstore.Insert", err)
	}
	nf.ID, err = res.LastInsertId()
	if err != nil {
		return nil, classifyError("factstore.Insert", err)
	}

	for _, paperID := range citedPapers(nf.Evidence) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO kg_fact_papers (fact_id, paper_id) VALUES (?, ?)`,
			nf.ID, paperID); err != nil {
			return nil, classifyError("factstore.Insert", err)
		}
	}

	result := &domain.InsertResult{Fact: nf}
	if prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE kg_facts SET superseded_by = ? WHERE id = ?`, nf.ID, prev.ID); err != nil {
			return nil, classifyError("factstore.Insert", err)
		}
		until := nf.ValidFrom
		next := nf.ID
		prev.ValidUntil = &until
		prev.SupersededBy = &next
		result.Replaced = prev
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError("factstore.Insert", err)
	}

	s.log.WithFields(logrus.Fields{
		"fact_id":  nf.ID,
		"key":      nf.Key().String(),
		"replaced": prev != nil,
	}).Debug("Fact inserted")

	return result, nil
}

// Supersede closes a current fact. Closing an already-closed fact is a no-op.
func (s *SQLiteStore) Supersede(ctx context.Context, id int64) (*domain.Fact, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.IsCurrent() {
		return f, nil
	}

	until := s.now()
	if until.Before(f.ValidFrom) {
		until = f.ValidFrom
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE kg_facts SET valid_until = ? WHERE id = ? AND valid_until IS NULL`,
		until.UnixNano(), id); err != nil {
		return nil, classifyError("factstore.Supersede", err)
	}
	return s.Get(ctx, id)
}

// Get returns a fact by id
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.Get"); err != nil {
		return nil, err
	}
	f, err := scanFact(s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM kg_facts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "factstore.Get", "fact %d", id)
	}
	if err != nil {
		return nil, classifyError("factstore.Get", err)
	}
	return f, nil
}

// Current returns current facts for (subject, predicate) ordered by id
func (s *SQLiteStore) Current(ctx context.Context, subject, predicate string) ([]*domain.Fact, error) {
	return s.queryFacts(ctx, "factstore.Current",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = ? AND predicate = ? AND valid_until IS NULL ORDER BY id`,
		subject, predicate)
}

// CurrentBySubject returns every current fact about subject ordered by id
func (s *SQLiteStore) CurrentBySubject(ctx context.Context, subject string) ([]*domain.Fact, error) {
	return s.queryFacts(ctx, "factstore.CurrentBySubject",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = ? AND valid_until IS NULL ORDER BY id`,
		subject)
}

// History returns every version of a key ordered by valid_from
func (s *SQLiteStore) History(ctx context.Context, key domain.FactKey) ([]*domain.Fact, error) {
	return s.queryFacts(ctx, "factstore.History",
		`SELECT `+factColumns+` FROM kg_facts
		 WHERE subject = ? AND predicate = ? AND object = ? ORDER BY valid_from, id`,
		key.Subject, key.Predicate, key.Object)
}

// EvidenceOf returns the evidence references of a fact
func (s *SQLiteStore) EvidenceOf(ctx context.Context, id int64) ([]domain.EvidenceRef, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Evidence, nil
}

// CitingPaper returns current facts whose evidence cites paperID
func (s *SQLiteStore) CitingPaper(ctx context.Context, paperID string) ([]*domain.Fact, error) {
	return s.queryFacts(ctx, "factstore.CitingPaper",
		`SELECT `+prefixed("f", factColumns)+` FROM kg_facts f
		 JOIN kg_fact_papers p ON p.fact_id = f.id
		 WHERE p.paper_id = ? AND f.valid_until IS NULL ORDER BY f.id`,
		paperID)
}

func (s *SQLiteStore) queryFacts(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Fact, error) {
	if err := checkContext(ctx, op); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(op, err)
	}
	defer rows.Close()

	var out []*domain.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, classifyError(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(op, err)
	}
	return out, nil
}

// classifyError maps SQLite failures onto boundary error kinds
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindTimeout, op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed") {
		return domain.WrapError(domain.KindConflictingWrite, op, err)
	}
	return domain.WrapError(domain.KindStorageUnavailable, op, err)
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func citedPapers(refs []domain.EvidenceRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range refs {
		if r.PaperID != "" && !seen[r.PaperID] {
			seen[r.PaperID] = true
			out = append(out, r.PaperID)
		}
	}
	return out
}

func nonNilEvidence(refs []domain.EvidenceRef) []domain.EvidenceRef {
	if refs == nil {
		return []domain.EvidenceRef{}
	}
	return refs
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
