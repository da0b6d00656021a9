package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/target-evidence-core/internal/domain"
)

const uniqueViolation = "23505"

// PostgresStore implements domain.AuditStore on the llm_audit table.
// The table is created by migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, "audit.NewPostgresStore", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection pool and wraps it
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Append implements domain.AuditStore
func (s *PostgresStore) Append(ctx context.Context, r *domain.AuditRecord) error {
	if err := validateRecord(r); err != nil {
		return err
	}

	query := `
		INSERT INTO llm_audit (
			id, recorded_at, session_id, backend, model_id, data_class,
			prompt_tokens, completion_tokens, output_sha256, error_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Timestamp.UTC(),
		r.SessionID,
		r.Backend,
		r.ModelID,
		string(r.DataClass),
		r.PromptTokens,
		r.CompletionTokens,
		r.OutputSHA256,
		string(r.ErrorKind),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return duplicate(r.ID)
		}
		return domain.WrapError(domain.KindStorageUnavailable, "audit.Append", err)
	}
	return nil
}

const selectColumns = `
		SELECT id, recorded_at, session_id, backend, model_id, data_class,
			prompt_tokens, completion_tokens, output_sha256, error_kind
		FROM llm_audit`

// ByTimeRange implements domain.AuditStore. Both bounds are inclusive.
func (s *PostgresStore) ByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.AuditRecord, error) {
	query := selectColumns + `
		WHERE recorded_at >= $1 AND recorded_at <= $2
		ORDER BY recorded_at, id`
	return s.query(ctx, "audit.ByTimeRange", query, from.UTC(), to.UTC())
}

// BySession implements domain.AuditStore
func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	query := selectColumns + `
		WHERE session_id = $1
		ORDER BY recorded_at, id`
	return s.query(ctx, "audit.BySession", query, sessionID)
}

func (s *PostgresStore) query(ctx context.Context, op, query string, args ...any) ([]*domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, op, err)
	}
	defer rows.Close()

	var result []*domain.AuditRecord
	for rows.Next() {
		r := &domain.AuditRecord{}
		var class, kind string
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.SessionID, &r.Backend, &r.ModelID, &class,
			&r.PromptTokens, &r.CompletionTokens, &r.OutputSHA256, &kind,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		r.DataClass = domain.DataClass(class)
		r.ErrorKind = domain.ErrorKind(kind)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, op, err)
	}
	return result, nil
}

// Close closes the underlying pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
