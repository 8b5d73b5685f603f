package policy

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeCategory folds a category label into its canonical matching key:
// NFKC, lower case, trimmed, with runs of spaces, hyphens and slashes
// collapsed into a single underscore.
func NormalizeCategory(category string) string {
	folded := strings.ToLower(strings.TrimSpace(norm.NFKC.String(category)))
	if folded == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		switch r {
		case ' ', '-', '_', '/', '\t':
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeValue canonicalizes free-form metadata values for comparison.
func NormalizeValue(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(norm.NFKC.String(value)), " "))
}
