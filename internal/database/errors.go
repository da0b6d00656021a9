package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/target-evidence-core/internal/domain"
)

// PostgreSQL error codes
const (
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeForeignKeyViolation = "23503"
	codeRaiseException      = "P0001"
)

// ClassifyError maps PostgreSQL failures onto boundary error kinds.
// Errors that already carry a kind pass through unchanged.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *domain.Error
	var verr *domain.ValidationError
	if errors.As(err, &derr) || errors.As(err, &verr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WrapError(domain.KindNotFound, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindTimeout, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return domain.WrapError(domain.KindConflictingWrite, op, err)
		case codeCheckViolation, codeForeignKeyViolation, codeRaiseException:
			return domain.WrapError(domain.KindValidation, op, err)
		}
	}
	return domain.WrapError(domain.KindStorageUnavailable, op, err)
}
