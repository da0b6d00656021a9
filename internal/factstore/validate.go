// Package factstore provides the append-only bi-temporal knowledge-graph
// store in memory and on SQLite. The PostgreSQL implementation lives in
// internal/repository.
package factstore

import (
	"context"
	"time"

	"github.com/target-evidence-core/internal/domain"
)

// Clock returns the current time
type Clock func() time.Time

// ValidateInsert runs the checks every implementation performs before a write
func ValidateInsert(f *domain.Fact, entities domain.EntityChecker) error {
	if err := domain.ValidateFact(f); err != nil {
		return err
	}
	if entities != nil {
		if !entities.Exists(f.Subject) {
			return domain.NewValidationError("subject", "unknown entity", f.Subject)
		}
		if !entities.Exists(f.Object) {
			return domain.NewValidationError("object", "unknown entity", f.Object)
		}
	}
	return nil
}

// ValidateSuccession rejects a replacement that starts before the fact it closes
func ValidateSuccession(prev, next *domain.Fact) error {
	if prev != nil && next.ValidFrom.Before(prev.ValidFrom) {
		return domain.NewValidationError("valid_from", "precedes the current fact for this key", next.ValidFrom)
	}
	return nil
}

// checkContext maps a cancelled or expired context to a Timeout error
func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.KindTimeout, op, err)
	}
	return nil
}

func citesPaper(f *domain.Fact, paperID string) bool {
	for _, e := range f.Evidence {
		if e.PaperID == paperID {
			return true
		}
	}
	return false
}
