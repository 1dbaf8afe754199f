package consume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/cache"
	"github.com/jukasdrj/alexandria-enrich/internal/dedup"
	"github.com/jukasdrj/alexandria-enrich/internal/logging"
	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/monthlock"
	"github.com/jukasdrj/alexandria-enrich/internal/orchestrate"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/quota"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
)

const negativeCacheTTL = 24 * time.Hour

func negativeCacheKey(isbn string) string { return "isbn_not_found:" + isbn }

// WorkAuthorLinker links a resolved work to its authors, in order.
type WorkAuthorLinker interface {
	PutWorkAuthor(ctx context.Context, wa model.WorkAuthor) error
}

// EnrichmentConsumer implements spec.md §4.3.1: batch primary fetch,
// parallel supplementary evidence within a wall-clock budget, per-ISBN
// dedup/merge/link, negative caching for ISBNdb misses.
type EnrichmentConsumer struct {
	Registry    *providers.Registry
	Quota       *quota.Manager
	NegativeKV  cache.Cache
	Writer      *merge.Writer
	Linker      WorkAuthorLinker
	DedupStore  dedup.WorkAuthorStore
	Metrics     *metrics.Consumer
	SupplementaryBudget time.Duration
}

// ack/retry outcome, returned per-message so the queue substrate (not
// modeled here -- see spec.md §6) knows whether to Ack or Retry.
type Outcome string

const (
	OutcomeAck   Outcome = "ack"
	OutcomeRetry Outcome = "retry"
	OutcomePoison Outcome = "poison"
)

// HandleBatch processes one batch of raw enrichment-queue bodies. Per the
// resolved multi-ISBN ack contract (spec.md §9 Open Question #1): a
// message's outcome is OutcomeAck only once every one of its ISBNs
// reaches a terminal state (written or negative-cached); any storage
// error on any ISBN makes the whole message OutcomeRetry.
func (c *EnrichmentConsumer) HandleBatch(ctx context.Context, bodies [][]byte) []Outcome {
	if c.Metrics != nil {
		c.Metrics.BatchObserve("enrichment", len(bodies))
	}

	outcomes := make([]Outcome, len(bodies))
	msgs := make([]queue.EnrichmentMessage, len(bodies))

	allISBNs := make([]string, 0, len(bodies))
	for i, body := range bodies {
		m, err := queue.ParseEnrichmentMessage(body)
		if err != nil {
			outcomes[i] = OutcomePoison
			c.logPoison(ctx, err)
			continue
		}
		msgs[i] = m
		allISBNs = append(allISBNs, m.ISBNList()...)
	}

	toFetch := make([]string, 0, len(allISBNs))
	negative := map[string]bool{}
	for _, isbn := range allISBNs {
		if _, hit, _ := c.NegativeKV.Get(ctx, negativeCacheKey(isbn)); hit {
			negative[isbn] = true
			continue
		}
		toFetch = append(toFetch, isbn)
	}

	found := c.batchFetch(ctx, toFetch)

	// Per spec.md §4.7, the Deduplicator is scoped to one consumer
	// invocation and discarded afterward.
	deduper := dedup.New(c.DedupStore)

	results := make(map[string]error, len(toFetch)+len(negative))
	for _, isbn := range toFetch {
		e, ok := found[isbn]
		if !ok {
			c.NegativeKV.Set(ctx, negativeCacheKey(isbn), []byte("1"), negativeCacheTTL)
			results[isbn] = nil
			continue
		}
		results[isbn] = c.enrichOne(ctx, deduper, e)
	}
	for isbn := range negative {
		results[isbn] = nil
	}

	for i, m := range msgs {
		if outcomes[i] == OutcomePoison {
			continue
		}
		outcomes[i] = OutcomeAck
		for _, isbn := range m.ISBNList() {
			if err := results[isbn]; err != nil {
				outcomes[i] = OutcomeRetry
				break
			}
		}
		c.countOutcome(outcomes[i])
	}
	return outcomes
}

// batchFetch calls every registered batch fetcher over isbns, merging
// results by ISBN (first provider to return an ISBN wins the slot --
// supplementary evidence below can still enrich it further). Each call
// costs exactly one quota unit regardless of batch size (spec.md §4.3.1
// step 2), and is skipped entirely if the quota manager denies it.
func (c *EnrichmentConsumer) batchFetch(ctx context.Context, isbns []string) map[string]model.Edition {
	found := map[string]model.Edition{}
	if len(isbns) == 0 {
		return found
	}

	for name, batcher := range c.Registry.Batchers() {
		if c.Quota != nil {
			if res, err := c.Quota.CheckQuota(ctx, 1, false); err != nil || res.Allowed != quota.StatusAllowed {
				logging.Log(ctx).Warn("batch fetch skipped by quota", "provider", name)
				continue
			}
		}

		remaining := make([]string, 0, len(isbns))
		for _, isbn := range isbns {
			if _, ok := found[isbn]; !ok {
				remaining = append(remaining, isbn)
			}
		}
		if len(remaining) == 0 {
			break
		}

		batch, err := batcher.BatchFetchMetadata(ctx, remaining)
		if c.Quota != nil {
			c.Quota.RecordAPICall(ctx, 1)
		}
		if err != nil {
			logging.Log(ctx).Error("batch fetch failed", "provider", name, "error", err)
			continue
		}
		for isbn, e := range batch {
			e.PrimaryProvider = name
			e.Contributors = append(e.Contributors, name)
			found[isbn] = e
		}
	}
	return found
}

// enrichOne implements spec.md §4.3.1 step 3-4: supplementary evidence
// under a wall-clock budget, dedup, and merge.
func (c *EnrichmentConsumer) enrichOne(ctx context.Context, deduper *dedup.Deduplicator, e model.Edition) error {
	budget := c.SupplementaryBudget
	if budget == 0 {
		budget = 30 * time.Second
	}
	supCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	related := c.fanOutVariants(supCtx, e.ISBN)
	for format, isbn := range related {
		if _, exists := e.RelatedISBNs[format]; !exists {
			e.RelatedISBNs[format] = isbn
		}
	}

	workKey, err := deduper.ResolveWork(ctx, e.ISBN, e.Title, e.Authors)
	if err != nil {
		return &apperr.Storage{Op: "dedup.resolve_work", Err: err}
	}

	// UpsertWork is safe to call unconditionally: the monotone-merge
	// writer is idempotent against an already-current row (its ETag
	// short-circuit in internal/merge makes this a no-op when the work
	// already reflects this title/provider).
	work := *model.NewWork(workKey)
	work.Title = e.Title
	work.PrimaryProvider = e.PrimaryProvider
	if _, err := c.Writer.UpsertWork(ctx, work, nil, nil); err != nil {
		return &apperr.Storage{Op: "merge.upsert_work", Err: err}
	}

	for i, name := range e.Authors {
		authorKey, err := deduper.ResolveAuthor(ctx, name)
		if err != nil {
			return &apperr.Storage{Op: "dedup.resolve_author", Err: err}
		}
		if c.Linker != nil {
			if err := c.Linker.PutWorkAuthor(ctx, model.WorkAuthor{WorkKey: workKey, AuthorKey: authorKey, AuthorOrder: i}); err != nil {
				return &apperr.Storage{Op: "store.put_work_author", Err: err}
			}
		}
	}

	e.WorkKey = workKey
	e.WorkMatchAt = time.Now()
	if _, err := c.Writer.UpsertEdition(ctx, e); err != nil {
		return &apperr.Storage{Op: "merge.upsert_edition", Err: err}
	}
	return nil
}

func (c *EnrichmentConsumer) fanOutVariants(ctx context.Context, isbn string) map[string]string {
	var m *metrics.Orchestrator
	return orchestrate.FanOutMerge(ctx, c.Registry, isbn, map[string]string{}, m)
}

func (c *EnrichmentConsumer) countOutcome(o Outcome) {
	if c.Metrics != nil {
		c.Metrics.Inc("enrichment", string(o))
	}
}

func (c *EnrichmentConsumer) logPoison(ctx context.Context, err error) {
	var poison *apperr.Poison
	if errors.As(err, &poison) {
		logging.Log(ctx).Warn("poison enrichment message", "reason", poison.Reason)
	}
	if c.Metrics != nil {
		c.Metrics.Inc("enrichment", string(OutcomePoison))
	}
}

// CoverObjectStore is the object-storage surface the cover consumer reads
// and writes through.
type CoverObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key string, contentType string, body []byte) (url string, err error)
}

// CoverConsumer implements spec.md §4.3.2.
type CoverConsumer struct {
	Registry *providers.Registry
	Objects  CoverObjectStore
	Editions merge.EditionStore
	Fetch    func(ctx context.Context, url string) ([]byte, string, error)
	Metrics  *metrics.Consumer
}

func (c *CoverConsumer) HandleMessage(ctx context.Context, body []byte) Outcome {
	m, err := queue.ParseCoverMessage(body)
	if err != nil {
		c.countOutcome(OutcomePoison)
		return OutcomePoison
	}

	key := fmt.Sprintf("isbn/%s/original", m.ISBN)
	if exists, err := c.Objects.Exists(ctx, key); err == nil && exists {
		c.countOutcome(OutcomeAck)
		return OutcomeAck
	}

	providerURL := m.ProviderURL
	if providerURL == "" {
		for _, fetcher := range c.Registry.Covers() {
			if url, err := fetcher.FetchCover(ctx, m.ISBN); err == nil && url != "" {
				providerURL = url
				break
			}
		}
	}
	if providerURL == "" {
		c.countOutcome(OutcomeAck)
		return OutcomeAck
	}

	body2, contentType, err := c.Fetch(ctx, providerURL)
	if err != nil {
		c.countOutcome(OutcomeRetry)
		return OutcomeRetry
	}

	url, err := c.Objects.Upload(ctx, key, contentType, body2)
	if err != nil {
		c.countOutcome(OutcomeRetry)
		return OutcomeRetry
	}

	e, ok, err := c.Editions.GetEdition(ctx, m.ISBN)
	if err != nil {
		c.countOutcome(OutcomeRetry)
		return OutcomeRetry
	}
	if ok {
		e.CoverOriginal = url
		e.CoverSource = "alexandria-r2"
		if err := c.Editions.PutEdition(ctx, e); err != nil {
			c.countOutcome(OutcomeRetry)
			return OutcomeRetry
		}
	}

	c.countOutcome(OutcomeAck)
	return OutcomeAck
}

func (c *CoverConsumer) countOutcome(o Outcome) {
	if c.Metrics != nil {
		c.Metrics.Inc("cover", string(o))
	}
}

// WikidataAuthorFetcher fetches author records keyed by Wikidata QID, in
// one batch call (spec.md §4.3.3).
type WikidataAuthorFetcher interface {
	FetchAuthors(ctx context.Context, qids []string) (map[string]model.Author, error)
}

// AuthorConsumer implements spec.md §4.3.3: a quota-usage circuit breaker,
// within-batch author dedup (priority upgraded to the highest observed),
// one batched Wikidata call, and a COALESCE(new, existing) merge.
type AuthorConsumer struct {
	Quota    *quota.Manager
	Wikidata WikidataAuthorFetcher
	Writer   *merge.Writer
	Metrics  *metrics.Consumer
}

func (a *AuthorConsumer) HandleBatch(ctx context.Context, bodies [][]byte) []Outcome {
	outcomes := make([]Outcome, len(bodies))
	msgs := make([]queue.AuthorMessage, 0, len(bodies))
	idx := make([]int, 0, len(bodies))

	for i, body := range bodies {
		m, err := queue.ParseAuthorMessage(body)
		if err != nil {
			outcomes[i] = OutcomePoison
			continue
		}
		msgs = append(msgs, m)
		idx = append(idx, i)
	}

	snap, err := a.Quota.GetQuotaStatus(ctx)
	deferAll, highOnly := false, false
	if err == nil {
		used := float64(snap.UsedToday) / float64(snap.Limit)
		deferAll = used >= 0.85
		highOnly = used >= 0.70
	}

	type dedupedAuthor struct {
		priority queue.Priority
		qid      string
		indices  []int
	}
	byKey := map[string]*dedupedAuthor{}
	var order []string
	for k, m := range msgs {
		i := idx[k]
		if deferAll {
			outcomes[i] = OutcomeRetry
			continue
		}
		if highOnly && m.Priority != queue.PriorityHigh {
			outcomes[i] = OutcomeRetry
			continue
		}
		d, ok := byKey[m.AuthorKey]
		if !ok {
			d = &dedupedAuthor{priority: m.Priority, qid: m.WikidataID}
			byKey[m.AuthorKey] = d
			order = append(order, m.AuthorKey)
		}
		if higherPriority(m.Priority, d.priority) {
			d.priority = m.Priority
		}
		d.indices = append(d.indices, i)
	}

	qids := make([]string, 0, len(order))
	for _, key := range order {
		qids = append(qids, byKey[key].qid)
	}

	fetched, err := a.Wikidata.FetchAuthors(ctx, qids)
	for _, key := range order {
		d := byKey[key]
		outcome := OutcomeAck
		if err != nil {
			outcome = OutcomeRetry
		} else if incoming, ok := fetched[d.qid]; ok {
			incoming.AuthorKey = key
			incoming.WikidataEnrichedAt = time.Now()
			if _, werr := a.Writer.UpsertAuthor(ctx, incoming); werr != nil {
				outcome = OutcomeRetry
			}
		}
		for _, i := range d.indices {
			outcomes[i] = outcome
		}
	}

	if a.Metrics != nil {
		a.Metrics.BatchObserve("author", len(bodies))
		for _, o := range outcomes {
			a.Metrics.Inc("author", string(o))
		}
	}
	return outcomes
}

func higherPriority(a, b queue.Priority) bool {
	rank := map[queue.Priority]int{queue.PriorityLow: 0, queue.PriorityNormal: 1, queue.PriorityHigh: 2}
	return rank[a] > rank[b]
}

// SyntheticPersister persists AI-generated candidates as synthetic
// works/editions immediately, so no generation output is ever lost
// (spec.md §4.3.4 step 4), implemented by internal/synthetic.
type SyntheticPersister interface {
	PersistCandidate(ctx context.Context, book providers.GeneratedBook, isbn string) error
}

// EnrichmentPublisher fans resolved ISBNs out to the enrichment queue
// (spec.md §4.3.4 step 6).
type EnrichmentPublisher interface {
	PublishEnrichment(ctx context.Context, msg queue.EnrichmentMessage) error
}

// JobStatusStore persists BackfillJobStatus for progress reporting.
type JobStatusStore interface {
	SaveJobStatus(ctx context.Context, status model.BackfillJobStatus) error
}

// BackfillLogStore records the per-(year,month) backfill_log row.
type BackfillLogStore interface {
	UpsertBackfillLog(ctx context.Context, year, month int, status string, candidatesGenerated, isbnsResolved, isbnsQueued int) error
}

// BackfillConsumer implements spec.md §4.3.4, coordinated by
// internal/monthlock so at most one job processes a given (year, month)
// at a time across workers.
type BackfillConsumer struct {
	Registry    *providers.Registry
	Locks       *monthlock.Coordinator
	Jobs        JobStatusStore
	Logs        BackfillLogStore
	Synthetic   SyntheticPersister
	Publisher   EnrichmentPublisher
	OrchMetrics *metrics.Orchestrator
}

func (b *BackfillConsumer) HandleMessage(ctx context.Context, body []byte) Outcome {
	m, err := queue.ParseBackfillMessage(body)
	if err != nil {
		return OutcomePoison
	}

	var outcome Outcome
	err = b.Locks.WithMonthLock(ctx, m.Year, m.Month, 0, func(ctx context.Context) error {
		outcome = b.runJob(ctx, m)
		return nil
	})
	if err != nil {
		return OutcomeRetry
	}
	return outcome
}

func (b *BackfillConsumer) runJob(ctx context.Context, m queue.BackfillMessage) Outcome {
	job := model.BackfillJobStatus{
		JobID: m.JobID, Year: m.Year, Month: m.Month,
		Status: model.BackfillProcessing, DryRun: m.DryRun, ExperimentID: m.ExperimentID,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	_ = b.Logs.UpsertBackfillLog(ctx, m.Year, m.Month, "processing", 0, 0, 0)
	_ = b.Jobs.SaveJobStatus(ctx, job)

	prompt := fmt.Sprintf("books published %04d-%02d (variant: %s)", m.Year, m.Month, m.PromptVariant)
	books := orchestrate.GenerateAggregate(ctx, b.Registry, prompt, m.BatchSize, b.OrchMetrics)

	var resolved, forEnrichment []string
	for _, book := range books {
		res := orchestrate.Cascade(ctx, b.Registry, book.Title, book.Author, b.OrchMetrics)
		isbn := ""
		if res.Source != "none" && res.ISBN != "" {
			isbn = res.ISBN
			resolved = append(resolved, isbn)
			forEnrichment = append(forEnrichment, isbn)
		}
		if b.Synthetic != nil {
			_ = b.Synthetic.PersistCandidate(ctx, book, isbn)
		}
	}

	queued := 0
	if !m.DryRun {
		source := fmt.Sprintf("backfill-%04d-%02d", m.Year, m.Month)
		for i := 0; i < len(forEnrichment); i += 100 {
			end := i + 100
			if end > len(forEnrichment) {
				end = len(forEnrichment)
			}
			batch := forEnrichment[i:end]
			if b.Publisher != nil {
				if err := b.Publisher.PublishEnrichment(ctx, queue.EnrichmentMessage{ISBNs: batch, Source: source}); err == nil {
					queued += len(batch)
				}
			}
		}
	}

	_ = b.Logs.UpsertBackfillLog(ctx, m.Year, m.Month, "completed", len(books), len(resolved), queued)

	job.Status = model.BackfillEnriching
	job.UpdatedAt = time.Now()
	job.Stats = model.BackfillStats{
		CandidatesGenerated:   len(books),
		ISBNsResolved:         len(resolved),
		ISBNsSentToEnrichment: queued,
	}
	_ = b.Jobs.SaveJobStatus(ctx, job)

	job.Status = model.BackfillComplete
	job.CompletedAt = time.Now()
	job.UpdatedAt = job.CompletedAt
	_ = b.Jobs.SaveJobStatus(ctx, job)

	return OutcomeAck
}
