// Package corpus keeps the registries that facts refer to: entities,
// papers and their chunks.
package corpus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// EntityRegistry stores entities. Kinds are immutable and aliases are
// kept in first-seen order without case-insensitive duplicates.
type EntityRegistry struct {
	mu       sync.RWMutex
	entities map[string]*domain.Entity
	bySymbol map[string]string
	log      *logrus.Logger
}

// NewEntityRegistry creates an empty registry
func NewEntityRegistry(logger *logrus.Logger) *EntityRegistry {
	return &EntityRegistry{
		entities: make(map[string]*domain.Entity),
		bySymbol: make(map[string]string),
		log:      logger,
	}
}

// Register adds an entity. Registering an existing id with the same kind
// merges aliases; a different kind is rejected.
func (r *EntityRegistry) Register(e *domain.Entity) (*domain.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := domain.ValidateStruct(e); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entities[e.ID]; ok {
		if existing.Kind != e.Kind {
			return nil, domain.NewValidationError("kind", "entity kind is immutable", e.Kind)
		}
		existing.Aliases = mergeAliases(existing.Aliases, e.Aliases)
		r.indexLocked(existing)
		return cloneEntity(existing), nil
	}

	stored := cloneEntity(e)
	stored.Aliases = mergeAliases(nil, e.Aliases)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.entities[stored.ID] = stored
	r.indexLocked(stored)

	r.log.WithFields(logrus.Fields{
		"entity_id": stored.ID,
		"kind":      stored.Kind,
		"symbol":    stored.Symbol,
	}).Debug("Entity registered")

	return cloneEntity(stored), nil
}

// AddAliases appends aliases to an existing entity
func (r *EntityRegistry) AddAliases(id string, aliases ...string) (*domain.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.AddAliases", "entity %s", id)
	}
	e.Aliases = mergeAliases(e.Aliases, aliases)
	r.indexLocked(e)
	return cloneEntity(e), nil
}

// Get returns an entity by id
func (r *EntityRegistry) Get(id string) (*domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.Get", "entity %s", id)
	}
	return cloneEntity(e), nil
}

// Lookup resolves a symbol or alias to an entity
func (r *EntityRegistry) Lookup(name string) (*domain.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySymbol[strings.ToLower(name)]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.Lookup", "no entity named %q", name)
	}
	return cloneEntity(r.entities[id]), nil
}

// Exists implements domain.EntityChecker
func (r *EntityRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// ByKind lists entities of a kind sorted by id
func (r *EntityRegistry) ByKind(kind domain.EntityKind) []*domain.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Entity
	for _, e := range r.entities {
		if e.Kind == kind {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *EntityRegistry) indexLocked(e *domain.Entity) {
	for _, name := range append([]string{e.Symbol}, e.Aliases...) {
		key := strings.ToLower(name)
		if _, taken := r.bySymbol[key]; !taken {
			r.bySymbol[key] = e.ID
		}
	}
}

func mergeAliases(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, a := range append(append([]string(nil), existing...), add...) {
		a = strings.TrimSpace(a)
		k := strings.ToLower(a)
		if a == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

func cloneEntity(e *domain.Entity) *domain.Entity {
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	return &c
}
