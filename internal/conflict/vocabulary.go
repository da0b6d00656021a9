// Package conflict detects and tracks disagreements between current facts.
package conflict

import "strings"

// NegationPrefix marks a predicate asserting that a relation does not hold
const NegationPrefix = "not_"

// Polarity of a predicate within its family
type Polarity int

// Polarities
const (
	Opposing Polarity = -1
	Neutral  Polarity = 0
	Positive Polarity = 1
)

type predicateInfo struct {
	family   string
	polarity Polarity
}

var vocabulary = map[string]predicateInfo{
	"activates":     {"regulation", Positive},
	"upregulates":   {"regulation", Positive},
	"induces":       {"regulation", Positive},
	"inhibits":      {"regulation", Opposing},
	"downregulates": {"regulation", Opposing},
	"represses":     {"regulation", Opposing},

	"overexpressed_in":  {"expression", Positive},
	"amplified_in":      {"expression", Positive},
	"underexpressed_in": {"expression", Opposing},
	"deleted_in":        {"expression", Opposing},

	"poor_prognosis_in":      {"prognosis", Positive},
	"favorable_prognosis_in": {"prognosis", Opposing},

	"sensitizes_to":         {"response", Positive},
	"confers_resistance_to": {"response", Opposing},

	"essential_in":   {"essentiality", Positive},
	"dispensable_in": {"essentiality", Opposing},

	"associated_with": {"association", Neutral},
	"correlated_with": {"association", Neutral},

	"binds":   {"binding", Neutral},
	"targets": {"binding", Neutral},

	"mutated_in":         {"mutation", Neutral},
	"has_bypass_pathway": {"pathway", Neutral},
}

// BasePredicate strips the negation prefix
func BasePredicate(predicate string) (string, bool) {
	if strings.HasPrefix(predicate, NegationPrefix) {
		return strings.TrimPrefix(predicate, NegationPrefix), true
	}
	return predicate, false
}

// Family returns the predicate family. Unknown predicates form their own family.
func Family(predicate string) string {
	base, _ := BasePredicate(predicate)
	if info, ok := vocabulary[base]; ok {
		return info.family
	}
	return base
}

// PolarityOf returns the direction of a predicate within its family
func PolarityOf(predicate string) Polarity {
	base, _ := BasePredicate(predicate)
	return vocabulary[base].polarity
}

// Antonyms reports whether two predicates assert opposite directions
func Antonyms(a, b string) bool {
	baseA, negA := BasePredicate(a)
	baseB, negB := BasePredicate(b)
	if negA || negB || Family(baseA) != Family(baseB) {
		return false
	}
	pa, pb := PolarityOf(baseA), PolarityOf(baseB)
	return pa != Neutral && pb != Neutral && pa != pb
}
