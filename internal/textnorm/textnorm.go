// Package textnorm puts transcripts into the canonical form every phrase table
// (interruption cues, wake cues, classifier triggers) is matched in.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// Fold applies compatibility decomposition (full-width forms become ASCII), drops
// diacritics, case folds, and maps typographic apostrophes to '.
func Fold(s string) string {
	// Casers and chains carry state; build them per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return apostrophes.Replace(out)
}

// Words folds s and splits it into words of letters, digits and apostrophes.
func Words(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Phrase is Words joined by single spaces.
func Phrase(s string) string {
	return strings.Join(Words(s), " ")
}
