package corpus

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/cespare/xxhash/v2"
)

// Near-duplicate thresholds
const (
	MaxFingerprintDistance = 3
	MinTitleSimilarity     = 0.9
)

// Fingerprint computes a 64-bit SimHash over the word tokens of text
func Fingerprint(text string) uint64 {
	var weights [64]int
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	var fp uint64
	for i, w := range weights {
		if w > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// HammingDistance counts differing bits
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// TitleSimilarity returns 1 - normalized edit distance of the normalized titles
func TitleSimilarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == "" && nb == "" {
		return 1
	}
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	d := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(d)/float64(longest)
}

// NearDuplicate reports whether two papers are the same work by fingerprint
// and fuzzy title
func NearDuplicate(fpA uint64, titleA string, fpB uint64, titleB string) bool {
	return HammingDistance(fpA, fpB) <= MaxFingerprintDistance && TitleSimilarity(titleA, titleB) >= MinTitleSimilarity
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeTitle(title string) string {
	return strings.Join(tokenize(title), " ")
}
