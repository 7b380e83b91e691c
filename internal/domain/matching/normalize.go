package matching

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var umlauts = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue",
	"Ä", "ae", "Ö", "oe", "Ü", "ue",
	"ß", "ss", "ẞ", "ss",
)

// NormalizeName folds a person name for comparison: German umlauts are
// spelled out, remaining diacritics are stripped, case and punctuation are
// dropped and whitespace collapsed.
func NormalizeName(s string) string {
	s = umlauts.Replace(norm.NFC.String(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func fullName(family, given string) string {
	return strings.TrimSpace(NormalizeName(family) + " " + NormalizeName(given))
}
