// Package llm routes prompts to chat backends according to the data class
// of their content and records every call in the audit log.
package llm

import (
	"regexp"
	"strings"

	"github.com/target-evidence-core/internal/domain"
)

var (
	confidentialPattern = regexp.MustCompile(`(?i)\b(confidential|proprietary_assay|unpublished)\b`)

	internalTagPattern    = regexp.MustCompile(`(?i)(\[internal\]|#internal\b|data_class\s*:\s*internal\b)`)
	compositeScorePattern = regexp.MustCompile(`(?i)\bcomposite(_score|\s+score)?\s*[:=]\s*[01]?\.\d+`)
)

const smilesMinLength = 8

// Classify returns the most sensitive data class matched by text
func Classify(text string) domain.DataClass {
	switch {
	case confidentialPattern.MatchString(text):
		return domain.DataClassConfidential
	case internalTagPattern.MatchString(text),
		compositeScorePattern.MatchString(text),
		containsSMILES(text):
		return domain.DataClassInternal
	default:
		return domain.DataClassPublic
	}
}

// containsSMILES looks for dense tokens built from SMILES atoms with at
// least two ring or bond characters, e.g. CC(=O)Oc1ccccc1C(=O)O.
func containsSMILES(text string) bool {
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimRight(tok, ".,;:")
		if len(tok) < smilesMinLength {
			continue
		}
		if looksLikeSMILES(tok) {
			return true
		}
	}
	return false
}

func looksLikeSMILES(tok string) bool {
	bonds, letters := 0, 0
	for _, r := range tok {
		switch {
		case strings.ContainsRune("()=#[]@", r):
			bonds++
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			letters++
		case r >= '0' && r <= '9', strings.ContainsRune("+-/\\%.", r):
		default:
			return false
		}
	}
	return bonds >= 2 && letters >= 2
}
