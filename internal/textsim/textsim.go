// Package textsim provides the title/author normalization and
// Levenshtein-ratio similarity scoring shared by the ISBNdb resolver
// (spec.md §4.1) and the deduplicator's title/author matching (spec.md
// §4.7). There is no teacher equivalent -- rreading-glasses matches
// editions by provider-assigned foreign IDs, never by fuzzy text -- so
// this is grounded on the spec's own formula, implemented with the
// agnivade/levenshtein library the jordigilh-kubernaut example pulls in
// for the same "string similarity score" concern.
package textsim

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

var (
	subtitleRE  = regexp.MustCompile(`(?i)[:\-–—].*(novel|memoir|story|tale|book)`)
	nonWordRE   = regexp.MustCompile(`[^\w\s]`)
	whitespaceRE = regexp.MustCompile(`\s+`)
	lastFirstRE = regexp.MustCompile(`^([^,]+),\s*(.+)$`)
)

// NormalizeTitle lowercases, strips a trailing subtitle clause matching
// spec.md's pattern, removes non-word characters, and collapses
// whitespace.
func NormalizeTitle(title string) string {
	t := strings.ToLower(title)
	t = subtitleRE.ReplaceAllString(t, "")
	t = nonWordRE.ReplaceAllString(t, " ")
	t = whitespaceRE.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// NormalizeAuthor lowercases, converts "Last, First" to "First Last", then
// removes non-word characters and collapses whitespace.
func NormalizeAuthor(author string) string {
	a := strings.TrimSpace(author)
	if m := lastFirstRE.FindStringSubmatch(a); m != nil {
		a = m[2] + " " + m[1]
	}
	a = strings.ToLower(a)
	a = nonWordRE.ReplaceAllString(a, " ")
	a = whitespaceRE.ReplaceAllString(a, " ")
	return strings.TrimSpace(a)
}

// Similarity returns a Levenshtein-ratio similarity in [0, 1]: 1 means
// identical, 0 means completely dissimilar (edit distance == max length).
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// TitleSimilarity normalizes both titles and scores their similarity.
func TitleSimilarity(a, b string) float64 {
	return Similarity(NormalizeTitle(a), NormalizeTitle(b))
}

// AuthorSimilarity normalizes both author names and scores their
// similarity.
func AuthorSimilarity(a, b string) float64 {
	return Similarity(NormalizeAuthor(a), NormalizeAuthor(b))
}

// BestAuthorSimilarity returns the maximum AuthorSimilarity between
// requested and any of candidates, matching spec.md's "max over
// candidate.authors" reducer.
func BestAuthorSimilarity(requested string, candidates []string) float64 {
	best := 0.0
	for _, c := range candidates {
		if s := AuthorSimilarity(requested, c); s > best {
			best = s
		}
	}
	return best
}
