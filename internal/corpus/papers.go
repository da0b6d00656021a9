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

// AddResult describes the outcome of adding a paper. DuplicateOf is set
// when the paper was recognised as a near-duplicate and not stored.
type AddResult struct {
	Paper       *domain.Paper `json:"paper"`
	DuplicateOf string        `json:"duplicate_of,omitempty"`
}

// PaperIndex stores papers with unique external identifiers and their chunks
type PaperIndex struct {
	mu      sync.RWMutex
	papers  map[string]*domain.Paper
	idents  map[string]string
	chunks  map[string][]domain.Chunk
	ordered []string
	log     *logrus.Logger

	// retracted holds every retracted id, including ids retracted before
	// the paper itself was added
	retracted map[string]struct{}
}

// NewPaperIndex creates an empty paper index
func NewPaperIndex(logger *logrus.Logger) *PaperIndex {
	return &PaperIndex{
		papers:    make(map[string]*domain.Paper),
		idents:    make(map[string]string),
		chunks:    make(map[string][]domain.Chunk),
		retracted: make(map[string]struct{}),
		log:       logger,
	}
}

// Add stores a paper. A DOI, PMID or PMCID already held by another paper is a
// ConflictingWrite; a near-duplicate is reported through AddResult.
func (x *PaperIndex) Add(p *domain.Paper) (*AddResult, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := domain.ValidateStruct(p); err != nil {
		return nil, err
	}

	stored := *p
	if stored.Fingerprint == 0 {
		stored.Fingerprint = Fingerprint(stored.Title + " " + stored.Abstract)
	}
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.papers[stored.ID]; ok {
		return nil, domain.Errorf(domain.KindConflictingWrite, "corpus.AddPaper", "paper %s already exists", stored.ID)
	}
	keys := identKeys(&stored)
	for _, k := range keys {
		if owner, ok := x.idents[k]; ok {
			return nil, domain.Errorf(domain.KindConflictingWrite, "corpus.AddPaper", "%s already held by paper %s", k, owner)
		}
	}

	for _, id := range x.ordered {
		other := x.papers[id]
		if NearDuplicate(stored.Fingerprint, stored.Title, other.Fingerprint, other.Title) {
			x.log.WithFields(logrus.Fields{
				"paper_id":     stored.ID,
				"duplicate_of": other.ID,
				"distance":     HammingDistance(stored.Fingerprint, other.Fingerprint),
			}).Info("Near-duplicate paper skipped")
			c := *other
			return &AddResult{Paper: &c, DuplicateOf: other.ID}, nil
		}
	}

	if _, ok := x.retracted[stored.ID]; ok {
		stored.Retracted = true
	}
	if stored.Retracted {
		x.retracted[stored.ID] = struct{}{}
	}
	x.papers[stored.ID] = &stored
	x.ordered = append(x.ordered, stored.ID)
	for _, k := range keys {
		x.idents[k] = stored.ID
	}

	out := stored
	return &AddResult{Paper: &out}, nil
}

// Get returns a paper by id
func (x *PaperIndex) Get(id string) (*domain.Paper, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.papers[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.GetPaper", "paper %s", id)
	}
	c := *p
	return &c, nil
}

// FindByIdentifier resolves a DOI, PMID or PMCID
func (x *PaperIndex) FindByIdentifier(kind, value string) (*domain.Paper, error) {
	x.mu.RLock()
	id, ok := x.idents[identKey(kind, value)]
	x.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.FindByIdentifier", "%s %s", kind, value)
	}
	return x.Get(id)
}

// MarkRetracted flags a paper as retracted. It is the only paper mutation.
// An unknown id is still remembered as retracted, so a paper added later
// arrives retracted, and NotFound is returned.
func (x *PaperIndex) MarkRetracted(id string) (*domain.Paper, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.retracted[id] = struct{}{}
	p, ok := x.papers[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.MarkRetracted", "paper %s", id)
	}
	p.Retracted = true
	c := *p
	return &c, nil
}

// IsRetracted reports whether id has been retracted, whether or not the
// paper is in the index
func (x *PaperIndex) IsRetracted(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.retracted[id]
	return ok
}

// AddChunks attaches the ordered chunks of a paper. Ordinals must be dense
// from 0 and a paper's chunks are written once.
func (x *PaperIndex) AddChunks(paperID string, chunks []domain.Chunk) error {
	sorted := append([]domain.Chunk(nil), chunks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	for i := range sorted {
		sorted[i].PaperID = paperID
		if err := domain.ValidateStruct(&sorted[i]); err != nil {
			return err
		}
		if sorted[i].Ordinal != i {
			return domain.NewValidationError("ordinal", "chunk ordinals must be dense from 0", sorted[i].Ordinal)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.papers[paperID]; !ok {
		return domain.Errorf(domain.KindNotFound, "corpus.AddChunks", "paper %s", paperID)
	}
	if _, ok := x.chunks[paperID]; ok {
		return domain.Errorf(domain.KindConflictingWrite, "corpus.AddChunks", "chunks for paper %s already stored", paperID)
	}
	x.chunks[paperID] = sorted
	return nil
}

// Chunks returns a paper's chunks in ordinal order
func (x *PaperIndex) Chunks(paperID string) ([]domain.Chunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.chunks[paperID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "corpus.Chunks", "paper %s", paperID)
	}
	return append([]domain.Chunk(nil), c...), nil
}

func identKeys(p *domain.Paper) []string {
	var keys []string
	if p.DOI != "" {
		keys = append(keys, identKey("doi", p.DOI))
	}
	if p.PMID != "" {
		keys = append(keys, identKey("pmid", p.PMID))
	}
	if p.PMCID != "" {
		keys = append(keys, identKey("pmcid", p.PMCID))
	}
	return keys
}

func identKey(kind, value string) string {
	v := strings.TrimSpace(strings.ToLower(value))
	if kind == "doi" {
		v = strings.TrimPrefix(v, "https://doi.org/")
		v = strings.TrimPrefix(v, "doi:")
	}
	return kind + ":" + v
}
