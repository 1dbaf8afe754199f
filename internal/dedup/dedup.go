// Package dedup resolves (isbn, title, authors) triples to stable work and
// author keys, implementing spec.md §4.7. Unlike the teacher's
// process-lifetime Controller.group (a singleflight.Group that memoizes
// reads across the whole process because it's backed by a shared cache),
// a Deduplicator here is built fresh per batch: spec.md §4.7 explicitly
// scopes single-flight coalescing to "one consumer invocation," discarded
// afterward, so New is expected to be called once per
// EnrichmentConsumer.HandleBatch rather than held as a package-level
// singleton.
package dedup

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jukasdrj/alexandria-enrich/internal/textsim"
)

const (
	workTitleTrigramThreshold  = 0.8
	authorFuzzyTrigramThreshold = 0.7
	maxAuthorsConsidered       = 3
)

// WorkAuthorStore is the persistence surface the Deduplicator reads
// through, injected the same way the teacher's Controller takes a getter
// interface rather than a concrete store type.
type WorkAuthorStore interface {
	// FindWorkKeyByISBN implements step 2: enriched_editions WHERE isbn=?
	// AND work_key IS NOT NULL.
	FindWorkKeyByISBN(ctx context.Context, isbn string) (workKey string, ok bool, err error)

	// FindWorkKeyByAuthorsTitle implements step 3: enriched_works JOIN
	// work_authors_enriched constrained to author_key IN (...), trigram
	// similarity(title) > 0.8. Returns the best match above threshold.
	FindWorkKeyByAuthorsTitle(ctx context.Context, authorKeys []string, title string, threshold float64) (workKey string, ok bool, err error)

	// FindWorkKeyByExactTitle implements step 4: an unconstrained exact
	// title match, last resort before generating a new key.
	FindWorkKeyByExactTitle(ctx context.Context, title string) (workKey string, ok bool, err error)

	// FindAuthorKeyByName implements exact case-insensitive author lookup.
	FindAuthorKeyByName(ctx context.Context, name string) (authorKey string, ok bool, err error)

	// FindAuthorKeyByFuzzyName implements trigram similarity(name) >
	// threshold author lookup.
	FindAuthorKeyByFuzzyName(ctx context.Context, name string, threshold float64) (authorKey string, ok bool, err error)
}

// Deduplicator resolves work/author keys for one batch's worth of
// enrichment work. Construct a new instance per batch; do not share one
// across batches or goroutine pools spanning multiple invocations.
type Deduplicator struct {
	store WorkAuthorStore

	group singleflight.Group

	mu        sync.Mutex
	byISBN    map[string]string // per-Deduplicator (one batch) cache, step 1
	byAuthor  map[string]string // name (lowercased) -> author_key, request-scope
}

// New builds a request-scoped Deduplicator backed by store.
func New(store WorkAuthorStore) *Deduplicator {
	return &Deduplicator{
		store:    store,
		byISBN:   map[string]string{},
		byAuthor: map[string]string{},
	}
}

// ResolveWork implements spec.md §4.7's five-step work-key resolution,
// single-flighted by a logical key so concurrent callers resolving the
// same (title, first author) within this batch share one lookup.
func (d *Deduplicator) ResolveWork(ctx context.Context, isbn, title string, authors []string) (string, error) {
	firstAuthor := ""
	if len(authors) > 0 {
		firstAuthor = authors[0]
	}
	key := fmt.Sprintf("work:%s:%s", title, firstAuthor)

	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.resolveWork(ctx, isbn, title, authors)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Deduplicator) resolveWork(ctx context.Context, isbn, title string, authors []string) (string, error) {
	// Step 1: per-batch cache lookup by ISBN.
	d.mu.Lock()
	if wk, ok := d.byISBN[isbn]; ok {
		d.mu.Unlock()
		return wk, nil
	}
	d.mu.Unlock()

	// Step 2: enriched_editions lookup.
	if wk, ok, err := d.store.FindWorkKeyByISBN(ctx, isbn); err != nil {
		return "", err
	} else if ok {
		d.cacheWork(isbn, wk)
		return wk, nil
	}

	// Step 3: author-scoped trigram title match, first up to 3 authors.
	considered := authors
	if len(considered) > maxAuthorsConsidered {
		considered = considered[:maxAuthorsConsidered]
	}
	var authorKeys []string
	for _, name := range considered {
		ak, err := d.ResolveAuthor(ctx, name)
		if err != nil {
			return "", err
		}
		authorKeys = append(authorKeys, ak)
	}
	if len(authorKeys) > 0 {
		if wk, ok, err := d.store.FindWorkKeyByAuthorsTitle(ctx, authorKeys, title, workTitleTrigramThreshold); err != nil {
			return "", err
		} else if ok {
			d.cacheWork(isbn, wk)
			return wk, nil
		}
	}

	// Step 4: exact title match, last resort before minting a new key.
	if wk, ok, err := d.store.FindWorkKeyByExactTitle(ctx, title); err != nil {
		return "", err
	} else if ok {
		d.cacheWork(isbn, wk)
		return wk, nil
	}

	// Step 5: generate a new key.
	wk := fmt.Sprintf("/works/isbndb-%s", randHex(8))
	d.cacheWork(isbn, wk)
	return wk, nil
}

func (d *Deduplicator) cacheWork(isbn, workKey string) {
	d.mu.Lock()
	d.byISBN[isbn] = workKey
	d.mu.Unlock()
}

// ResolveAuthor resolves name to a stable author_key: exact
// case-insensitive match, then fuzzy trigram similarity > 0.7, then a
// newly minted key. Single-flighted by logical key so repeated mentions
// of the same author within a batch share one lookup.
func (d *Deduplicator) ResolveAuthor(ctx context.Context, name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	key := "author:" + normalized

	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.resolveAuthor(ctx, normalized, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Deduplicator) resolveAuthor(ctx context.Context, normalized, originalName string) (string, error) {
	d.mu.Lock()
	if ak, ok := d.byAuthor[normalized]; ok {
		d.mu.Unlock()
		return ak, nil
	}
	d.mu.Unlock()

	if ak, ok, err := d.store.FindAuthorKeyByName(ctx, originalName); err != nil {
		return "", err
	} else if ok {
		d.cacheAuthor(normalized, ak)
		return ak, nil
	}

	if ak, ok, err := d.store.FindAuthorKeyByFuzzyName(ctx, originalName, authorFuzzyTrigramThreshold); err != nil {
		return "", err
	} else if ok {
		d.cacheAuthor(normalized, ak)
		return ak, nil
	}

	ak := fmt.Sprintf("/authors/isbndb-%s", randHex(8))
	d.cacheAuthor(normalized, ak)
	return ak, nil
}

func (d *Deduplicator) cacheAuthor(normalized, authorKey string) {
	d.mu.Lock()
	d.byAuthor[normalized] = authorKey
	d.mu.Unlock()
}

const hexDigits = "0123456789abcdef"

// randHex returns n cryptographically-random hex characters, used for
// minting new work/author key suffixes.
func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	out := make([]byte, n)
	for i, v := range b {
		out[i] = hexDigits[v%16]
	}
	return string(out)
}

// TitleSimilarity is exported for callers (e.g. the deduplicator's own
// tests, or an exact-title fallback elsewhere) that want the same
// normalized-title comparison used upstream by the orchestrator's
// concurrent-aggregate dedup, keeping both dedup notions consistent.
func TitleSimilarity(a, b string) float64 {
	return textsim.TitleSimilarity(a, b)
}
