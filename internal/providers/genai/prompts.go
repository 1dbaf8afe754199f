package genai

import (
	"fmt"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
)

// promptVariants is the named-prompt catalog for backfill AI generation
// (spec.md §4.5). Unknown variant names are rejected at ingress, never
// silently defaulted.
var promptVariants = map[string]string{
	"baseline": "List %d notable books published in %s. For each, provide " +
		"title, author, publisher (if known), format (Hardcover, Paperback, " +
		"eBook, or Audiobook), publication year, and a one-sentence note on " +
		"its significance.",
	"diversity-emphasis": "List %d notable books published in %s, prioritizing " +
		"works by authors from groups historically underrepresented in " +
		"mainstream publishing. For each, provide title, author, publisher " +
		"(if known), format (Hardcover, Paperback, eBook, or Audiobook), " +
		"publication year, and a one-sentence note on its significance.",
}

// PromptForVariant renders the named prompt variant for n candidates in
// the given period (e.g. "March 2010"). Returns apperr.Validation for an
// unrecognized variant.
func PromptForVariant(variant string, n int, period string) (string, error) {
	tmpl, ok := promptVariants[variant]
	if !ok {
		return "", apperr.NewValidation("unknown prompt variant: "+variant, nil)
	}
	return fmt.Sprintf(tmpl, n, period), nil
}

// KnownVariants lists the registered prompt variant names.
func KnownVariants() []string {
	names := make([]string, 0, len(promptVariants))
	for name := range promptVariants {
		names = append(names, name)
	}
	return names
}
