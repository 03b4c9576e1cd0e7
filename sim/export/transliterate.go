package export

import (
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ASCII transliterates s for use in column headers: characters are decomposed
// (NFD), combining marks are stripped and anything still outside ASCII is
// dropped. "Contrôle qualité" becomes "Controle qualite".
func ASCII(s string) string {
	// transform.Chain is stateful, so each call builds its own.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
