// Package orchestrate implements the three provider-composition strategies
// of spec.md §4.1: Cascading (stop-on-first-success ISBN resolution),
// Concurrent-aggregate (parallel AI generation, deduplicated), and
// Fan-out-merge (parallel edition-variant collection merged into
// related_isbns). Grounded on the teacher's refreshG errgroup.Group
// (internal/controller.go), which bounds background author/work syncs to
// a fixed concurrency limit; we generalize that "bounded parallel fan-out,
// wait for all, collect errors" shape into the two parallel strategies
// below, and keep the teacher's per-call context.WithTimeout discipline
// for the cascading strategy.
package orchestrate

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/textsim"
)

const (
	// DefaultResolverTimeout bounds a single cascading-resolver provider
	// call (spec.md §4.1/§5).
	DefaultResolverTimeout = 15 * time.Second
	// DefaultVariantTimeout bounds a single fan-out-merge variant call.
	DefaultVariantTimeout = 5 * time.Second
	// DefaultGenerateTimeout bounds a single AI-generation call.
	DefaultGenerateTimeout = 60 * time.Second

	// maxParallel mirrors the teacher's refreshG.SetLimit(15): a generous
	// but finite cap on concurrent provider calls within one fan-out.
	maxParallel = 15

	// dedupSimilarityThreshold is spec.md §4.1's "normalized-title
	// similarity >= 0.6" dedup cutoff for concurrent-aggregate.
	dedupSimilarityThreshold = 0.6

	strategyCascading = "cascading"
	strategyConcurrent = "concurrent-aggregate"
	strategyFanOutMerge = "fan-out-merge"
)

// CascadeOrder is spec.md §4.1's fixed ISBN-resolution provider order.
var CascadeOrder = []string{"isbndb", "google-books", "openlibrary", "archive-org", "wikidata"}

// Cascade tries registry's resolvers in order, returning the first
// non-empty result. Errors from individual providers never abort the
// cascade; a ProviderTransient-class failure just advances to the next
// provider, matching spec.md §4.1's "orchestrator never throws" rule. A
// ProviderConfiguration error (HTTP 401) is still recorded but does not
// abort the cascade either -- each provider's own ResolveISBN already
// narrows which failures it surfaces as an error versus a confidence-0
// miss; Cascade's job is purely sequencing and attribution.
func Cascade(ctx context.Context, reg *providers.Registry, title, author string, m *metrics.Orchestrator) providers.ResolveResult {
	start := time.Now()
	depth := 0
	defer func() {
		if m != nil {
			m.CascadeDepthObserve(depth)
			m.DurationObserve(strategyCascading, time.Since(start))
		}
	}()

	for _, resolver := range reg.Resolvers(CascadeOrder) {
		depth++
		if m != nil {
			m.AttemptInc(resolver.Name(), strategyCascading)
		}

		callCtx, cancel := context.WithTimeout(ctx, DefaultResolverTimeout)
		result, err := resolver.ResolveISBN(callCtx, title, author)
		cancel()

		if err != nil {
			// Configuration errors are fatal to this provider but not to
			// the cascade; surfaced via metrics only since the spec does
			// not ask the orchestrator itself to stop.
			continue
		}
		if result.ISBN == "" {
			continue
		}
		if m != nil {
			m.WinInc(resolver.Name(), strategyCascading)
		}
		return result
	}

	return providers.ResolveResult{Source: "none"}
}

// GenerateAggregate calls every registered generator in parallel, collects
// successful outputs, and deduplicates across providers by normalized-
// title similarity >= 0.6, preferring the first-seen candidate for a
// cluster. It returns no error: each provider's error is dropped, and
// when every generator fails the result is an empty slice.
func GenerateAggregate(ctx context.Context, reg *providers.Registry, prompt string, n int, m *metrics.Orchestrator) []providers.GeneratedBook {
	start := time.Now()
	defer func() {
		if m != nil {
			m.DurationObserve(strategyConcurrent, time.Since(start))
		}
	}()

	gens := reg.Generators()

	type outcome struct {
		provider string
		books    []providers.GeneratedBook
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	results := make([]outcome, len(gens))
	names := make([]string, 0, len(gens))
	for name := range gens {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration for reproducible output ordering

	for i, name := range names {
		i, name := i, name
		generator := gens[name]
		if m != nil {
			m.AttemptInc(name, strategyConcurrent)
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, DefaultGenerateTimeout)
			defer cancel()
			books, err := generator.GenerateBooks(callCtx, prompt, n)
			if err != nil {
				return nil // a failed generator just contributes nothing
			}
			if len(books) > 0 && m != nil {
				m.WinInc(name, strategyConcurrent)
			}
			results[i] = outcome{provider: name, books: books}
			return nil
		})
	}
	_ = g.Wait() // errors are never returned by the goroutines above

	lists := make([][]providers.GeneratedBook, len(results))
	for i, r := range results {
		lists[i] = r.books
	}
	return dedupeBooks(lists...)
}

// dedupeBooks merges candidate lists from multiple generators, collapsing
// any pair whose normalized-title similarity is >= 0.6 into a single
// entry (first-seen wins).
func dedupeBooks(lists ...[]providers.GeneratedBook) []providers.GeneratedBook {
	var out []providers.GeneratedBook
	for _, list := range lists {
		for _, candidate := range list {
			norm := textsim.NormalizeTitle(candidate.Title)
			dup := false
			for _, kept := range out {
				if textsim.Similarity(norm, textsim.NormalizeTitle(kept.Title)) >= dedupSimilarityThreshold {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, candidate)
			}
		}
	}
	return out
}

// FanOutMerge calls every registered variant fetcher for isbn in parallel
// and merges their results into related, keyed by format description.
// Existing keys in related win over any variant result, per spec.md
// §4.1's fan-out-merge rule; related is mutated in place and also
// returned for convenience.
func FanOutMerge(ctx context.Context, reg *providers.Registry, isbn string, related map[string]string, m *metrics.Orchestrator) map[string]string {
	start := time.Now()
	defer func() {
		if m != nil {
			m.DurationObserve(strategyFanOutMerge, time.Since(start))
		}
	}()

	if related == nil {
		related = map[string]string{}
	}

	variantFetchers := reg.Variants()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	type found struct {
		provider string
		editions []model.Edition
	}
	names := make([]string, 0, len(variantFetchers))
	for name := range variantFetchers {
		names = append(names, name)
	}
	sort.Strings(names)

	collected := make([]found, len(names))
	for i, name := range names {
		i, name := i, name
		fetcher := variantFetchers[name]
		if m != nil {
			m.AttemptInc(name, strategyFanOutMerge)
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, DefaultVariantTimeout)
			defer cancel()
			editions, err := fetcher.FetchEditionVariants(callCtx, isbn)
			if err != nil {
				return nil
			}
			if len(editions) > 0 && m != nil {
				m.WinInc(name, strategyFanOutMerge)
			}
			collected[i] = found{provider: name, editions: editions}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range collected {
		for _, e := range c.editions {
			key := e.Format
			if key == "" {
				key = e.ISBN
			}
			if _, exists := related[key]; exists {
				continue // existing keys win
			}
			related[key] = e.ISBN
		}
	}

	return related
}
