package scoring

import (
	"context"
	"sort"
	"sync"

	"github.com/target-evidence-core/internal/domain"
)

// MemoryStore is an in-process ScoreStore
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[domain.PairKey][]*domain.TargetScore
}

// NewMemoryStore creates an empty score store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[domain.PairKey][]*domain.TargetScore)}
}

// Append implements domain.ScoreStore
func (m *MemoryStore) Append(ctx context.Context, score *domain.TargetScore) error {
	key := domain.PairKey{Gene: score.Gene, CancerType: score.CancerType}
	m.mu.Lock()
	defer m.mu.Unlock()

	if want := len(m.rows[key]) + 1; score.Version != want {
		return domain.Errorf(domain.KindConflictingWrite, "scoring.MemoryStore.Append",
			"score version %d for %s, expected %d", score.Version, key, want)
	}
	row := *score
	m.rows[key] = append(m.rows[key], &row)
	return nil
}

// Latest implements domain.ScoreStore
func (m *MemoryStore) Latest(ctx context.Context, gene, cancerType string) (*domain.TargetScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[domain.PairKey{Gene: gene, CancerType: cancerType}]
	if len(rows) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "scoring.MemoryStore.Latest", "no score for %s/%s", gene, cancerType)
	}
	row := *rows[len(rows)-1]
	return &row, nil
}

// ByCancerBand implements domain.ScoreStore
func (m *MemoryStore) ByCancerBand(ctx context.Context, cancerType string, band domain.Band) ([]*domain.TargetScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.TargetScore
	for key, rows := range m.rows {
		if key.CancerType != cancerType || len(rows) == 0 {
			continue
		}
		if latest := rows[len(rows)-1]; latest.Band == band {
			row := *latest
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].Gene < out[j].Gene
	})
	return out, nil
}

// ByGene implements domain.ScoreStore
func (m *MemoryStore) ByGene(ctx context.Context, gene string) ([]*domain.TargetScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.TargetScore
	for key, rows := range m.rows {
		if key.Gene != gene {
			continue
		}
		for _, r := range rows {
			row := *r
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CancerType != out[j].CancerType {
			return out[i].CancerType < out[j].CancerType
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
