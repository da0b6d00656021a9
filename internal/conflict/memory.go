package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/target-evidence-core/internal/domain"
)

type pairKey struct{ a, b int64 }

// MemoryStore keeps conflict records in process
type MemoryStore struct {
	mu      sync.RWMutex
	records map[pairKey]*domain.ConflictRecord
}

// NewMemoryStore creates an empty conflict store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[pairKey]*domain.ConflictRecord)}
}

// Save stores or replaces the record for a fact pair
func (s *MemoryStore) Save(ctx context.Context, rec *domain.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records[pairKey{rec.FactA, rec.FactB}] = &c
	return nil
}

// ByFact returns records involving a fact
func (s *MemoryStore) ByFact(ctx context.Context, factID int64) ([]*domain.ConflictRecord, error) {
	return s.filter(func(r *domain.ConflictRecord) bool {
		return r.FactA == factID || r.FactB == factID
	}), nil
}

// Open returns records that are not resolved
func (s *MemoryStore) Open(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return s.filter(func(r *domain.ConflictRecord) bool {
		return r.Resolution != domain.ResolutionResolved
	}), nil
}

// Resolve marks open records involving factID as resolved
func (s *MemoryStore) Resolve(ctx context.Context, factID int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if (r.FactA == factID || r.FactB == factID) && r.Resolution != domain.ResolutionResolved {
			t := at
			r.Resolution = domain.ResolutionResolved
			r.ResolvedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) filter(match func(*domain.ConflictRecord) bool) []*domain.ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ConflictRecord
	for _, r := range s.records {
		if match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FactA == out[j].FactA {
			return out[i].FactB < out[j].FactB
		}
		return out[i].FactA < out[j].FactA
	})
	return out
}
