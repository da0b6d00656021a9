package corpus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestEntityRegistry_AliasesAndKind(t *testing.T) {
	r := NewEntityRegistry(testLogger())

	e, err := r.Register(&domain.Entity{ID: "HGNC:6407", Kind: domain.EntityGene, Symbol: "KRAS", Aliases: []string{"KRAS2", "kras2", "RASK2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"KRAS2", "RASK2"}, e.Aliases)

	e, err = r.AddAliases("HGNC:6407", "c-Ki-ras", "RASK2")
	require.NoError(t, err)
	assert.Equal(t, []string{"KRAS2", "RASK2", "c-Ki-ras"}, e.Aliases)

	_, err = r.Register(&domain.Entity{ID: "HGNC:6407", Kind: domain.EntityProtein, Symbol: "KRAS"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	found, err := r.Lookup("c-ki-ras")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:6407", found.ID)

	assert.True(t, r.Exists("HGNC:6407"))
	assert.False(t, r.Exists("HGNC:1"))

	_, err = r.AddAliases("missing", "x")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = r.Register(&domain.Entity{ID: "X", Kind: "planet", Symbol: "X"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestEntityRegistry_ByKind(t *testing.T) {
	r := NewEntityRegistry(testLogger())
	_, _ = r.Register(&domain.Entity{ID: "PAAD", Kind: domain.EntityCancerType, Symbol: "Pancreatic adenocarcinoma"})
	_, _ = r.Register(&domain.Entity{ID: "BRCA", Kind: domain.EntityCancerType, Symbol: "Breast invasive carcinoma"})
	_, _ = r.Register(&domain.Entity{ID: "KRAS", Kind: domain.EntityGene, Symbol: "KRAS"})

	cancers := r.ByKind(domain.EntityCancerType)
	require.Len(t, cancers, 2)
	assert.Equal(t, "BRCA", cancers[0].ID)
}

func TestPaperIndex_UniqueIdentifiers(t *testing.T) {
	x := NewPaperIndex(testLogger())

	_, err := x.Add(&domain.Paper{ID: "P1", DOI: "10.1038/nature12345", PMID: "111", Title: "KRAS dependency in pancreatic cancer"})
	require.NoError(t, err)

	_, err = x.Add(&domain.Paper{ID: "P2", DOI: "https://doi.org/10.1038/NATURE12345", Title: "A different study of something else entirely"})
	assert.True(t, errors.Is(err, domain.ErrConflictingWrite))

	_, err = x.Add(&domain.Paper{ID: "P3", PMID: "111", Title: "Another unrelated paper about immunology"})
	assert.True(t, errors.Is(err, domain.ErrConflictingWrite))

	p, err := x.FindByIdentifier("doi", "10.1038/nature12345")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ID)
}

func TestPaperIndex_NearDuplicate(t *testing.T) {
	x := NewPaperIndex(testLogger())
	abstract := "We performed genome-wide CRISPR screens across pancreatic cancer cell lines and identified KRAS as a selective dependency."

	_, err := x.Add(&domain.Paper{ID: "P1", DOI: "10.1/a", Title: "Genome-wide CRISPR screens reveal KRAS dependency", Abstract: abstract})
	require.NoError(t, err)

	res, err := x.Add(&domain.Paper{ID: "P2", DOI: "10.1101/b", Title: "Genome-wide CRISPR screens reveal KRAS dependency.", Abstract: abstract, Preprint: true})
	require.NoError(t, err)
	assert.Equal(t, "P1", res.DuplicateOf)

	_, err = x.Get("P2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	res, err = x.Add(&domain.Paper{ID: "P3", DOI: "10.1/c", Title: "Genome-wide CRISPR screens reveal KRAS dependency", Abstract: "Structural analysis of inhibitor binding pockets in mutant GTPases using cryo-EM."})
	require.NoError(t, err)
	assert.Empty(t, res.DuplicateOf)
}

func TestFingerprintAndSimilarity(t *testing.T) {
	a := Fingerprint("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, a, Fingerprint("The quick, brown fox jumps over the lazy dog!"))
	assert.Equal(t, 0, HammingDistance(a, a))
	assert.Equal(t, uint64(0), Fingerprint(""))

	assert.InDelta(t, 1.0, TitleSimilarity("KRAS in PDAC", "kras in pdac"), 1e-9)
	assert.Less(t, TitleSimilarity("KRAS in PDAC", "EGFR in lung"), 0.9)
}

func TestPaperIndex_ChunksAndRetraction(t *testing.T) {
	x := NewPaperIndex(testLogger())
	_, err := x.Add(&domain.Paper{ID: "P1", Title: "Chunked paper"})
	require.NoError(t, err)

	err = x.AddChunks("P1", []domain.Chunk{{Ordinal: 0, Text: "a"}, {Ordinal: 2, Text: "c"}})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	require.NoError(t, x.AddChunks("P1", []domain.Chunk{{Ordinal: 1, Text: "b"}, {Ordinal: 0, Text: "a"}}))
	chunks, err := x.Chunks("P1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].Text)
	assert.Equal(t, "P1", chunks[1].PaperID)

	err = x.AddChunks("P1", []domain.Chunk{{Ordinal: 0, Text: "again"}})
	assert.True(t, errors.Is(err, domain.ErrConflictingWrite))

	err = x.AddChunks("nope", []domain.Chunk{{Ordinal: 0, Text: "x"}})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	p, err := x.MarkRetracted("P1")
	require.NoError(t, err)
	assert.True(t, p.Retracted)

	_, err = x.MarkRetracted("nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPaperIndex_RetractionBeforeAdd(t *testing.T) {
	x := NewPaperIndex(testLogger())
	assert.False(t, x.IsRetracted("P9"))

	_, err := x.MarkRetracted("P9")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, x.IsRetracted("P9"))

	res, err := x.Add(&domain.Paper{ID: "P9", Title: "Retracted before it was indexed"})
	require.NoError(t, err)
	assert.True(t, res.Paper.Retracted)

	p, err := x.Get("P9")
	require.NoError(t, err)
	assert.True(t, p.Retracted)
}
