// Package synthetic implements spec.md §4.6: persisting AI-generated
// backfill candidates as placeholder works/editions the moment they're
// generated, so no generation output is ever lost even if ISBN
// resolution or downstream enrichment never completes, plus a deferred
// background pass that tries to upgrade those placeholders once an ISBN
// becomes resolvable.
package synthetic

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jukasdrj/alexandria-enrich/internal/logging"
	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/orchestrate"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
	"github.com/jukasdrj/alexandria-enrich/internal/store"
)

const (
	generatorProvider = "gemini-backfill"

	initialCompletenessScore = 30
	failedEnhancementScore   = 40
	enhancedScore            = 80
	enhancementThreshold     = 50
	enhancementBatchLimit    = 500

	titleSlugMaxLen  = 50
	authorSlugMaxLen = 30
)

var nonWordRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes s per spec.md §4.6: lowercase, strip non-word
// characters, collapse runs of separators to a single hyphen, truncate to
// maxLen.
func Slug(s string, maxLen int) string {
	lower := strings.ToLower(s)
	slug := strings.Trim(nonWordRE.ReplaceAllString(lower, "-"), "-")
	if len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	return slug
}

// WorkKey computes the synthetic work_key for a (title, author) pair.
func WorkKey(title, author string) string {
	return "synthetic:" + Slug(title, titleSlugMaxLen) + ":" + Slug(author, authorSlugMaxLen)
}

// Persister upserts generated candidates as synthetic works/editions, via
// the same monotone-merge Writer the push-path enrichment consumer uses --
// so a synthetic record can never clobber data already sourced from a more
// authoritative provider (merge.Writer's quality-weighted field merge
// already gives us that, unchanged).
type Persister struct {
	Writer *merge.Writer
}

// PersistCandidate implements consume.SyntheticPersister.
func (p *Persister) PersistCandidate(ctx context.Context, book providers.GeneratedBook, isbn string) error {
	key := WorkKey(book.Title, book.Author)

	work := *model.NewWork(key)
	work.Title = book.Title
	work.FirstPublicationYear = book.PublicationYear
	work.PrimaryProvider = generatorProvider
	work.Synthetic = true
	work.CompletenessScore = initialCompletenessScore
	if _, err := p.Writer.UpsertWork(ctx, work, nil, nil); err != nil {
		return err
	}

	if isbn == "" {
		return nil
	}

	edition := *model.NewEdition(isbn)
	edition.Title = book.Title
	edition.Publisher = book.Publisher
	edition.Format = book.Format
	edition.WorkKey = key
	edition.WorkMatchConfidence = 50
	edition.WorkMatchSource = "gemini-synthetic"
	edition.WorkMatchAt = time.Now()
	edition.PrimaryProvider = generatorProvider
	edition.CompletenessScore = initialCompletenessScore
	_, err := p.Writer.UpsertEdition(ctx, edition)
	return err
}

// Enhancer runs the deferred-enhancement pass: scan synthetic works below
// the completeness threshold, attempt ISBN resolution for each, and
// upgrade it in place.
type Enhancer struct {
	Store     *store.Store
	Registry  *providers.Registry
	Publisher EnrichmentPublisher
	Metrics   *metrics.Orchestrator
}

// EnrichmentPublisher fans a resolved ISBN out to the enrichment queue.
type EnrichmentPublisher interface {
	PublishEnrichment(ctx context.Context, msg queue.EnrichmentMessage) error
}

// RunOnce claims up to enhancementBatchLimit eligible synthetic works and
// attempts to enhance each, one transaction per row (spec.md §9's resolved
// Open Question #2).
func (e *Enhancer) RunOnce(ctx context.Context) error {
	return e.Store.ClaimSyntheticCandidates(ctx, enhancementBatchLimit, enhancementThreshold, e.enhanceOne)
}

func (e *Enhancer) enhanceOne(ctx context.Context, tx pgx.Tx, c store.SyntheticCandidate) error {
	if c.ISBN != "" {
		// Already has a linked edition; nothing left for this pass to do.
		return nil
	}

	title, author, err := workAndFirstAuthor(ctx, tx, c.WorkKey)
	if err != nil {
		return err
	}

	result := orchestrate.Cascade(ctx, e.Registry, title, author, e.Metrics)
	if result.ISBN == "" {
		return stampFailure(ctx, tx, c.WorkKey)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO enriched_editions (isbn, title, work_key, work_match_confidence, work_match_source, work_match_at, completeness_score, last_isbndb_sync)
VALUES ($1, $2, $3, 50, 'gemini-synthetic', now(), 30, now())
ON CONFLICT (isbn) DO UPDATE SET last_isbndb_sync = now()`,
		result.ISBN, title, c.WorkKey); err != nil {
		return err
	}

	score := enhancedScore
	pubErr := e.Publisher.PublishEnrichment(ctx, queue.EnrichmentMessage{ISBN: result.ISBN, Source: "synthetic-enhancement"})
	if pubErr != nil {
		logging.Log(ctx).Warn("synthetic enhancement enqueue failed", "work_key", c.WorkKey, "error", pubErr)
		score = failedEnhancementScore
	}

	_, err = tx.Exec(ctx, `
UPDATE enriched_works SET completeness_score = GREATEST(completeness_score, $2) WHERE work_key = $1`,
		c.WorkKey, score)
	return err
}

func stampFailure(ctx context.Context, tx pgx.Tx, workKey string) error {
	_, err := tx.Exec(ctx, `
UPDATE enriched_works SET completeness_score = GREATEST(completeness_score, $2) WHERE work_key = $1`,
		workKey, failedEnhancementScore)
	return err
}

func workAndFirstAuthor(ctx context.Context, tx pgx.Tx, workKey string) (title, author string, err error) {
	if err := tx.QueryRow(ctx, `SELECT title FROM enriched_works WHERE work_key = $1`, workKey).Scan(&title); err != nil {
		return "", "", err
	}

	err = tx.QueryRow(ctx, `
SELECT a.name FROM work_authors_enriched wa
JOIN enriched_authors a ON a.author_key = wa.author_key
WHERE wa.work_key = $1
ORDER BY wa.author_order
LIMIT 1`, workKey).Scan(&author)
	if errors.Is(err, pgx.ErrNoRows) {
		return title, "", nil
	}
	if err != nil {
		return "", "", err
	}
	return title, author, nil
}
