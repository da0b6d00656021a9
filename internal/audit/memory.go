// Package audit persists the append-only LLM call log.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/target-evidence-core/internal/domain"
)

// MemoryStore keeps audit records in process
type MemoryStore struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
	ids     map[string]bool
}

// NewMemoryStore creates an empty audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

// Append implements domain.AuditStore
func (m *MemoryStore) Append(ctx context.Context, record *domain.AuditRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[record.ID] {
		return duplicate(record.ID)
	}
	m.ids[record.ID] = true
	m.records = append(m.records, *record)
	return nil
}

// ByTimeRange implements domain.AuditStore. Both bounds are inclusive.
func (m *MemoryStore) ByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.AuditRecord, error) {
	return m.filter(func(r *domain.AuditRecord) bool {
		return !r.Timestamp.Before(from) && !r.Timestamp.After(to)
	}), nil
}

// BySession implements domain.AuditStore
func (m *MemoryStore) BySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	return m.filter(func(r *domain.AuditRecord) bool {
		return r.SessionID == sessionID
	}), nil
}

// Len returns the number of records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) filter(keep func(*domain.AuditRecord) bool) []*domain.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditRecord
	for i := range m.records {
		if keep(&m.records[i]) {
			r := m.records[i]
			out = append(out, &r)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(records []*domain.AuditRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}

func validateRecord(r *domain.AuditRecord) error {
	switch {
	case r == nil:
		return domain.NewValidationError("record", "audit record is required", nil)
	case r.ID == "":
		return domain.NewValidationError("id", "audit record id is required", r.ID)
	case r.Timestamp.IsZero():
		return domain.NewValidationError("timestamp", "audit record timestamp is required", r.Timestamp)
	case r.OutputSHA256 != "" && len(r.OutputSHA256) != 64:
		return domain.NewValidationError("output_sha256", "output hash must be a hex SHA-256", r.OutputSHA256)
	}
	return nil
}

func duplicate(id string) error {
	return domain.Errorf(domain.KindConflictingWrite, "audit.Append", "audit record %s already exists", id)
}
