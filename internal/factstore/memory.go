package factstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// MemoryStore is an in-process FactStore. All writes are serialized by a
// single lock, so concurrent inserts for one key never interleave.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	facts    map[int64]*domain.Fact
	history  map[domain.FactKey][]int64
	current  map[domain.FactKey]int64
	entities domain.EntityChecker
	now      Clock
	log      *logrus.Logger
}

// MemoryOption customizes a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source
func WithClock(c Clock) MemoryOption {
	return func(s *MemoryStore) { s.now = c }
}

// WithEntityChecker enables entity existence validation
func WithEntityChecker(e domain.EntityChecker) MemoryOption {
	return func(s *MemoryStore) { s.entities = e }
}

// NewMemoryStore creates an empty in-memory fact store
func NewMemoryStore(logger *logrus.Logger, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		facts:   make(map[int64]*domain.Fact),
		history: make(map[domain.FactKey][]int64),
		current: make(map[domain.FactKey]int64),
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores a new current fact, closing any current fact with the same key
func (s *MemoryStore) Insert(ctx context.Context, fact *domain.Fact) (*domain.InsertResult, error) {
	if err := checkContext(ctx, "factstore.Insert"); err != nil {
		return nil, err
	}
	if err := ValidateInsert(fact, s.entities); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nf := fact.Clone()
	if nf.ValidFrom.IsZero() {
		nf.ValidFrom = now
	}
	nf.ValidUntil = nil
	nf.SupersededBy = nil
	nf.RecordedAt = now

	key := nf.Key()
	var prev *domain.Fact
	if id, ok := s.current[key]; ok {
		prev = s.facts[id]
	}
	if err := ValidateSuccession(prev, nf); err != nil {
		return nil, err
	}

	s.nextID++
	nf.ID = s.nextID

	result := &domain.InsertResult{}
	if prev != nil {
		until := nf.ValidFrom
		next := nf.ID
		prev.ValidUntil = &until
		prev.SupersededBy = &next
		result.Replaced = prev.Clone()
	}

	s.facts[nf.ID] = nf
	s.history[key] = append(s.history[key], nf.ID)
	s.current[key] = nf.ID
	result.Fact = nf.Clone()

	s.log.WithFields(logrus.Fields{
		"fact_id":    nf.ID,
		"key":        key.String(),
		"confidence": nf.Confidence,
		"replaced":   prev != nil,
	}).Debug("Fact inserted")

	return result, nil
}

// Supersede closes a current fact. Closing an already-closed fact is a no-op.
func (s *MemoryStore) Supersede(ctx context.Context, id int64) (*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.Supersede"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "factstore.Supersede", "fact %d", id)
	}
	if f.IsCurrent() {
		until := s.now()
		if until.Before(f.ValidFrom) {
			until = f.ValidFrom
		}
		f.ValidUntil = &until
		delete(s.current, f.Key())
	}
	return f.Clone(), nil
}

// Get returns a fact by id
func (s *MemoryStore) Get(ctx context.Context, id int64) (*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.Get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.facts[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "factstore.Get", "fact %d", id)
	}
	return f.Clone(), nil
}

// Current returns current facts for (subject, predicate) ordered by id
func (s *MemoryStore) Current(ctx context.Context, subject, predicate string) ([]*domain.Fact, error) {
	return s.selectCurrent(ctx, func(k domain.FactKey) bool {
		return k.Subject == subject && k.Predicate == predicate
	})
}

// CurrentBySubject returns every current fact about subject ordered by id
func (s *MemoryStore) CurrentBySubject(ctx context.Context, subject string) ([]*domain.Fact, error) {
	return s.selectCurrent(ctx, func(k domain.FactKey) bool {
		return k.Subject == subject
	})
}

func (s *MemoryStore) selectCurrent(ctx context.Context, match func(domain.FactKey) bool) ([]*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.Current"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Fact
	for key, id := range s.current {
		if match(key) {
			out = append(out, s.facts[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// History returns every version of a key ordered by valid_from
func (s *MemoryStore) History(ctx context.Context, key domain.FactKey) ([]*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.History"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.history[key]
	out := make([]*domain.Fact, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.facts[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out, nil
}

// EvidenceOf returns the evidence references of a fact
func (s *MemoryStore) EvidenceOf(ctx context.Context, id int64) ([]domain.EvidenceRef, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Evidence, nil
}

// CitingPaper returns current facts whose evidence cites paperID
func (s *MemoryStore) CitingPaper(ctx context.Context, paperID string) ([]*domain.Fact, error) {
	return s.selectCurrentFacts(ctx, func(f *domain.Fact) bool { return citesPaper(f, paperID) })
}

func (s *MemoryStore) selectCurrentFacts(ctx context.Context, match func(*domain.Fact) bool) ([]*domain.Fact, error) {
	if err := checkContext(ctx, "factstore.CitingPaper"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Fact
	for _, id := range s.current {
		if f := s.facts[id]; match(f) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
