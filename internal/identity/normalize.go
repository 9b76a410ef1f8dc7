// Package identity normalizes organization names and scores them against
// the canonical entity registry.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are trailing tokens dropped from normalized names. "group"
// is kept: "Acme Group" and "Acme" are distinct organizations.
var legalSuffixes = map[string]bool{
	"ltd":          true,
	"limited":      true,
	"plc":          true,
	"llp":          true,
	"llc":          true,
	"lp":           true,
	"inc":          true,
	"incorporated": true,
	"corp":         true,
	"corporation":  true,
	"co":           true,
	"company":      true,
	"cic":          true,
}

var folder = cases.Fold()

// Normalize reduces an organization name to its matching form: diacritics
// removed, case folded, "&" spelled out, punctuation replaced by spaces,
// trailing legal suffixes stripped and whitespace collapsed. It is pure and
// deterministic.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if s, _, err := transform.String(t, name); err == nil {
		name = s
	}
	name = folder.String(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '&':
			b.WriteString(" and ")
		case r == '\'' || r == '’' || r == '.':
			// "Joe's" and "L.L.P." collapse rather than split.
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizePostcode upper-cases a postcode and removes all spacing.
func NormalizePostcode(pc string) string {
	return strings.ToUpper(strings.Join(strings.Fields(pc), ""))
}
