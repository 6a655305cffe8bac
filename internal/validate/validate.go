package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Identifiers are either UUIDs or kebab-case slugs (mission-42, alice).
var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// ID checks identifier format before any lookup touches the store.
func ID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := uuid.Parse(value); err == nil {
		return nil
	}
	if !slugRe.MatchString(value) {
		return fmt.Errorf("%s %q is not a valid identifier", field, value)
	}
	return nil
}

// ProofText enforces the minimum length for text proofs. Length is measured
// in runes after trimming surrounding whitespace, so neither padding nor
// multibyte encodings can game the gate.
func ProofText(text string, minLen int) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minLen {
		return fmt.Errorf("proof text must be at least %d characters", minLen)
	}
	return nil
}

// Feedback enforces the review feedback quality gate.
func Feedback(text string, minLen int) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minLen {
		return fmt.Errorf("feedback must be at least %d characters", minLen)
	}
	return nil
}

// ContentHash checks an artifact proof reference (hex sha-256).
var hashRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

func ContentHash(hash string) error {
	if !hashRe.MatchString(hash) {
		return fmt.Errorf("content hash must be 64 hex characters")
	}
	return nil
}
