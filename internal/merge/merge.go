// Package merge implements the Enrichment Writer of spec.md §4.2: the
// monotone-merge rule table that lets editions, works, and authors only
// ever improve as more providers contribute data, never regress. Grounded
// on the teacher's denormalizeEditions/denormalizeWorks in
// internal/controller.go: "deserialize old, build new, compare ETags,
// only persist and cascade if the encoding actually changed" is the same
// shape we use here to decide whether an upsert is a no-op.
package merge

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
)

// EditionStore is the persistence surface UpsertEdition reads/writes
// through, injected the same way the teacher's Controller takes a getter
// interface instead of a concrete cache/DB type.
type EditionStore interface {
	GetEdition(ctx context.Context, isbn string) (model.Edition, bool, error)
	PutEdition(ctx context.Context, e model.Edition) error
}

// WorkStore is the persistence surface UpsertWork reads/writes through.
type WorkStore interface {
	GetWork(ctx context.Context, workKey string) (model.Work, bool, error)
	PutWork(ctx context.Context, w model.Work) error
}

// AuthorStore is the persistence surface UpsertAuthor reads/writes through.
type AuthorStore interface {
	GetAuthor(ctx context.Context, authorKey string) (model.Author, bool, error)
	PutAuthor(ctx context.Context, a model.Author) error
}

// Logger appends EnrichmentLogEntry rows; append-only per spec.md §6.
type Logger interface {
	WriteLog(ctx context.Context, entry model.EnrichmentLogEntry) error
}

// CoverJob is emitted for any non-null cover URL surviving a merge,
// preferring original > large > medium > small (spec.md §4.2).
type CoverJob struct {
	ISBN     string
	URL      string
	Priority queue.Priority
}

// CoverEnqueuer accepts cover-fetch jobs emitted by UpsertEdition.
type CoverEnqueuer interface {
	EnqueueCover(ctx context.Context, job CoverJob) error
}

// Writer is the Enrichment Writer: UpsertEdition/UpsertWork/UpsertAuthor
// implementing spec.md §4.2's merge-rule table verbatim.
type Writer struct {
	editions EditionStore
	works    WorkStore
	authors  AuthorStore
	logs     Logger
	covers   CoverEnqueuer
	metrics  *metrics.Merge
}

// NewWriter builds a Writer. covers may be nil; emitted cover jobs are
// then silently dropped instead of enqueued -- callers that want cover
// fan-out must provide one, matching spec.md §4.2's "otherwise enqueue"
// branch being the default path, not an error path.
func NewWriter(editions EditionStore, works WorkStore, authors AuthorStore, logs Logger, covers CoverEnqueuer, m *metrics.Merge) *Writer {
	return &Writer{editions: editions, works: works, authors: authors, logs: logs, covers: covers, metrics: m}
}

// UpsertEdition merges incoming into the stored edition (if any),
// persists the result, emits an EnrichmentLogEntry, and fans out a
// cover-fetch job for the best surviving cover URL. Cover-fetch failure
// never fails the enrichment; UpsertEdition only returns an error for a
// storage failure on the edition row itself.
func (w *Writer) UpsertEdition(ctx context.Context, incoming model.Edition) (fieldsUpdated []string, err error) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.DurationObserve("edition", time.Since(start))
		}
	}()

	existing, found, err := w.editions.GetEdition(ctx, incoming.ISBN)
	if err != nil {
		w.logUpsert(ctx, "edition", incoming.ISBN, err)
		w.countOutcome("edition", "error")
		return nil, err
	}

	var merged model.Edition
	if !found {
		merged = incoming
		fieldsUpdated = []string{"*"} // brand new row; every field is "updated"
	} else {
		oldTag := encodeETag(existing)
		merged, fieldsUpdated = mergeEdition(existing, incoming)
		newTag := encodeETag(merged)
		if oldTag == newTag {
			w.countOutcome("edition", "unchanged")
			return nil, nil
		}
		merged.UpdatedAt = time.Now()
	}

	if err := w.editions.PutEdition(ctx, merged); err != nil {
		w.logUpsert(ctx, "edition", incoming.ISBN, err)
		w.countOutcome("edition", "error")
		return nil, err
	}

	outcome := "updated"
	if !found {
		outcome = "inserted"
	}
	w.countOutcome("edition", outcome)
	w.logUpsert(ctx, "edition", incoming.ISBN, nil, fieldsUpdated...)

	w.emitCoverJob(ctx, merged)

	return fieldsUpdated, nil
}

// emitCoverJob enqueues the best cover URL (original > large > medium >
// small) surviving the merge. ISBNdb's image_original URL is short-lived,
// so it's fanned out at "high" priority; everything else is "normal".
// Failure to enqueue is logged by the caller's CoverEnqueuer and never
// propagated.
func (w *Writer) emitCoverJob(ctx context.Context, e model.Edition) {
	if w.covers == nil {
		return
	}

	url := e.CoverOriginal
	priority := queue.PriorityHigh
	switch {
	case url != "":
	case e.CoverLarge != "":
		url, priority = e.CoverLarge, queue.PriorityNormal
	case e.CoverMedium != "":
		url, priority = e.CoverMedium, queue.PriorityNormal
	case e.CoverSmall != "":
		url, priority = e.CoverSmall, queue.PriorityNormal
	default:
		return
	}

	_ = w.covers.EnqueueCover(ctx, CoverJob{ISBN: e.ISBN, URL: url, Priority: priority})
}

// mergeEdition applies spec.md §4.2's field-class rules, returning the
// merged edition and the list of field names whose value actually changed.
func mergeEdition(existing, incoming model.Edition) (model.Edition, []string) {
	merged := existing
	var changed []string

	note := func(field string, didChange bool) {
		if didChange {
			changed = append(changed, field)
		}
	}

	// High-weight text: overwrite iff incoming quality is higher.
	upgrading := incoming.QualityScore > existing.QualityScore
	if upgrading {
		if incoming.Title != "" && incoming.Title != merged.Title {
			merged.Title = incoming.Title
			note("title", true)
		}
		if incoming.Subtitle != merged.Subtitle {
			merged.Subtitle = incoming.Subtitle
			note("subtitle", true)
		}
		if incoming.Publisher != merged.Publisher {
			merged.Publisher = incoming.Publisher
			note("publisher", true)
		}
		if incoming.PublicationDate != merged.PublicationDate {
			merged.PublicationDate = incoming.PublicationDate
			note("publication_date", true)
		}
		if incoming.PrimaryProvider != "" {
			merged.PrimaryProvider = incoming.PrimaryProvider
		}
	}

	// Low-weight scalars: COALESCE(existing, incoming).
	note("description", coalesceString(&merged.Description, existing.Description, incoming.Description))
	note("page_count", coalesceInt(&merged.PageCount, existing.PageCount, incoming.PageCount))
	note("format", coalesceString(&merged.Format, existing.Format, incoming.Format))
	note("language", coalesceString(&merged.Language, existing.Language, incoming.Language))
	note("open_library_edition_id", coalesceString(&merged.OpenLibraryEditionID, existing.OpenLibraryEditionID, incoming.OpenLibraryEditionID))
	note("work_key", coalesceString(&merged.WorkKey, existing.WorkKey, incoming.WorkKey))

	// Cover URL slots: COALESCE per slot.
	note("cover_original", coalesceString(&merged.CoverOriginal, existing.CoverOriginal, incoming.CoverOriginal))
	note("cover_large", coalesceString(&merged.CoverLarge, existing.CoverLarge, incoming.CoverLarge))
	note("cover_medium", coalesceString(&merged.CoverMedium, existing.CoverMedium, incoming.CoverMedium))
	note("cover_small", coalesceString(&merged.CoverSmall, existing.CoverSmall, incoming.CoverSmall))
	note("cover_source", coalesceString(&merged.CoverSource, existing.CoverSource, incoming.CoverSource))

	// External-id arrays: COALESCE array-wise (do not concatenate).
	note("amazon_asins", coalesceSlice(&merged.AmazonASINs, existing.AmazonASINs, incoming.AmazonASINs))
	note("google_books_volume_ids", coalesceSlice(&merged.GoogleBooksVolumeIDs, existing.GoogleBooksVolumeIDs, incoming.GoogleBooksVolumeIDs))
	note("goodreads_edition_ids", coalesceSlice(&merged.GoodreadsEditionIDs, existing.GoodreadsEditionIDs, incoming.GoodreadsEditionIDs))

	// subject_tags: set-union, normalized.
	if unionSet(&merged.SubjectTags, existing.SubjectTags, incoming.SubjectTags) {
		note("subject_tags", true)
	}

	// alternate_isbns: set-union excluding the primary ISBN.
	incomingAlternates := map[string]struct{}{}
	for k := range incoming.AlternateISBNs {
		if k != merged.ISBN {
			incomingAlternates[k] = struct{}{}
		}
	}
	if unionSet(&merged.AlternateISBNs, existing.AlternateISBNs, incomingAlternates) {
		note("alternate_isbns", true)
	}

	// related_isbns (map): map-union, existing keys win.
	if mergeMapExistingWins(&merged.RelatedISBNs, existing.RelatedISBNs, incoming.RelatedISBNs) {
		note("related_isbns", true)
	}

	// contributors: ordered distinct append.
	if appendDistinct(&merged.Contributors, existing.Contributors, incoming.Contributors) {
		note("contributors", true)
	}

	// quality_score, completeness_score: GREATEST.
	note("quality_score", greatestInt(&merged.QualityScore, existing.QualityScore, incoming.QualityScore))
	note("completeness_score", greatestInt(&merged.CompletenessScore, existing.CompletenessScore, incoming.CompletenessScore))

	// work_match_confidence/source/at: replace iff incoming > existing.
	if incoming.WorkMatchConfidence > existing.WorkMatchConfidence {
		merged.WorkMatchConfidence = incoming.WorkMatchConfidence
		merged.WorkMatchSource = incoming.WorkMatchSource
		merged.WorkMatchAt = incoming.WorkMatchAt
		note("work_match_confidence", true)
	}

	// last_isbndb_sync: set to now() iff primary_provider == 'isbndb'.
	if incoming.PrimaryProvider == "isbndb" {
		merged.LastISBNdbSync = time.Now()
		note("last_isbndb_sync", true)
	}

	return merged, changed
}

// encodeETag JSON-encodes v into an etagWriter and returns its digest, the
// teacher's "encode, hash, compare" change-detection shape.
func encodeETag(v any) string {
	w := newETagWriter()
	_ = json.NewEncoder(w).Encode(v)
	return w.ETag()
}

func (w *Writer) countOutcome(entity, outcome string) {
	if w.metrics != nil {
		w.metrics.UpsertInc(entity, outcome)
	}
}

func (w *Writer) logUpsert(ctx context.Context, entityType, key string, err error, fieldsUpdated ...string) {
	if w.logs == nil {
		return
	}
	entry := model.EnrichmentLogEntry{
		EntityType:    entityType,
		EntityKey:     key,
		FieldsUpdated: fieldsUpdated,
		Success:       err == nil,
		CreatedAt:     time.Now(),
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if len(fieldsUpdated) > 0 {
		entry.Operation = "update"
	} else {
		entry.Operation = "create"
	}
	_ = w.logs.WriteLog(ctx, entry)
}

func coalesceString(dst *string, existing, incoming string) bool {
	if existing != "" {
		*dst = existing
		return false
	}
	*dst = incoming
	return incoming != ""
}

func coalesceInt(dst *int, existing, incoming int) bool {
	if existing != 0 {
		*dst = existing
		return false
	}
	*dst = incoming
	return incoming != 0
}

func coalesceSlice(dst *[]string, existing, incoming []string) bool {
	if len(existing) > 0 {
		*dst = existing
		return false
	}
	*dst = incoming
	return len(incoming) > 0
}

func greatestInt(dst *int, existing, incoming int) bool {
	if incoming > existing {
		*dst = incoming
		return true
	}
	*dst = existing
	return false
}

func unionSet(dst *map[string]struct{}, existing, incoming map[string]struct{}) bool {
	out := map[string]struct{}{}
	for k := range existing {
		out[k] = struct{}{}
	}
	before := len(out)
	for k := range incoming {
		out[k] = struct{}{}
	}
	*dst = out
	return len(out) != before
}

func mergeMapExistingWins(dst *map[string]string, existing, incoming map[string]string) bool {
	out := map[string]string{}
	for k, v := range existing {
		out[k] = v
	}
	changed := false
	for k, v := range incoming {
		if _, present := out[k]; !present {
			out[k] = v
			changed = true
		}
	}
	*dst = out
	return changed
}

func appendDistinct(dst *[]string, existing, incoming []string) bool {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(existing)+len(incoming))
	for _, v := range existing {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	changed := false
	for _, v := range incoming {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
			changed = true
		}
	}
	*dst = out
	return changed
}

// ArchiveWorkEvidence carries the Archive.org side of the three-way work
// merge (ISBNdb + Wikidata + Archive): description, subject tags, and an
// OpenLibrary work id cross-reference (spec.md §4.2).
type ArchiveWorkEvidence struct {
	Description       string
	Subjects          []string
	OpenLibraryWorkID string
}

// UpsertWork merges incoming (the ISBNdb-sourced work) with optional
// Wikidata genre evidence and optional Archive.org evidence, implementing
// spec.md §4.2's three-way work merge.
func (w *Writer) UpsertWork(ctx context.Context, incoming model.Work, wikidataGenres []string, archive *ArchiveWorkEvidence) (fieldsUpdated []string, err error) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.DurationObserve("work", time.Since(start))
		}
	}()

	existing, found, err := w.works.GetWork(ctx, incoming.WorkKey)
	if err != nil {
		w.logUpsert(ctx, "work", incoming.WorkKey, err)
		w.countOutcome("work", "error")
		return nil, err
	}

	var merged model.Work
	if !found {
		merged = incoming
		applyWorkEvidence(&merged, wikidataGenres, archive)
		fieldsUpdated = []string{"*"}
	} else {
		oldTag := encodeETag(existing)
		merged, fieldsUpdated = mergeWork(existing, incoming, wikidataGenres, archive)
		newTag := encodeETag(merged)
		if oldTag == newTag {
			w.countOutcome("work", "unchanged")
			return nil, nil
		}
	}

	if err := w.works.PutWork(ctx, merged); err != nil {
		w.logUpsert(ctx, "work", incoming.WorkKey, err)
		w.countOutcome("work", "error")
		return nil, err
	}

	outcome := "updated"
	if !found {
		outcome = "inserted"
	}
	w.countOutcome("work", outcome)
	w.logUpsert(ctx, "work", incoming.WorkKey, nil, fieldsUpdated...)

	return fieldsUpdated, nil
}

func mergeWork(existing, incoming model.Work, wikidataGenres []string, archive *ArchiveWorkEvidence) (model.Work, []string) {
	merged := existing
	var changed []string
	note := func(field string, didChange bool) {
		if didChange {
			changed = append(changed, field)
		}
	}

	upgrading := incoming.QualityScore > existing.QualityScore
	if upgrading {
		if incoming.Title != "" && incoming.Title != merged.Title {
			merged.Title = incoming.Title
			note("title", true)
		}
		if incoming.Subtitle != merged.Subtitle {
			merged.Subtitle = incoming.Subtitle
			note("subtitle", true)
		}
		if incoming.PrimaryProvider != "" {
			merged.PrimaryProvider = incoming.PrimaryProvider
		}
	}

	note("original_language", coalesceString(&merged.OriginalLanguage, existing.OriginalLanguage, incoming.OriginalLanguage))
	note("first_publication_year", coalesceInt(&merged.FirstPublicationYear, existing.FirstPublicationYear, incoming.FirstPublicationYear))
	note("cover_original", coalesceString(&merged.CoverOriginal, existing.CoverOriginal, incoming.CoverOriginal))
	note("cover_large", coalesceString(&merged.CoverLarge, existing.CoverLarge, incoming.CoverLarge))
	note("cover_medium", coalesceString(&merged.CoverMedium, existing.CoverMedium, incoming.CoverMedium))
	note("cover_small", coalesceString(&merged.CoverSmall, existing.CoverSmall, incoming.CoverSmall))
	note("wikidata_id", coalesceString(&merged.WikidataID, existing.WikidataID, incoming.WikidataID))
	note("goodreads_work_ids", coalesceSlice(&merged.GoodreadsWorkIDs, existing.GoodreadsWorkIDs, incoming.GoodreadsWorkIDs))
	note("quality_score", greatestInt(&merged.QualityScore, existing.QualityScore, incoming.QualityScore))
	note("completeness_score", greatestInt(&merged.CompletenessScore, existing.CompletenessScore, incoming.CompletenessScore))

	if unionSet(&merged.SubjectTags, existing.SubjectTags, incoming.SubjectTags) {
		note("subject_tags", true)
	}
	if appendDistinct(&merged.Contributors, existing.Contributors, incoming.Contributors) {
		note("contributors", true)
	}

	// A work only stops being synthetic once real provider data lands.
	merged.Synthetic = existing.Synthetic && incoming.Synthetic

	before := merged
	applyWorkEvidence(&merged, wikidataGenres, archive)
	if merged.Description != before.Description {
		note("description", true)
	}
	if merged.OpenLibraryWorkID != before.OpenLibraryWorkID {
		note("open_library_work_id", true)
	}
	if len(merged.SubjectTags) != len(before.SubjectTags) {
		note("subject_tags", true)
	}
	if len(merged.Contributors) != len(before.Contributors) {
		note("contributors", true)
	}

	return merged, dedupeStrings(changed)
}

// applyWorkEvidence folds Wikidata genre tags and Archive.org evidence
// into w per the three-way work merge rule: description prefers Archive
// if non-empty else existing; subject tags union ISBNdb ∪ Wikidata ∪
// Archive, normalized/deduped; OpenLibrary work id prefers Archive;
// contributors gain 'wikidata'/'archive-org' when their inputs
// participated.
func applyWorkEvidence(w *model.Work, wikidataGenres []string, archive *ArchiveWorkEvidence) {
	if w.SubjectTags == nil {
		w.SubjectTags = map[string]struct{}{}
	}
	if len(wikidataGenres) > 0 {
		for _, g := range wikidataGenres {
			w.SubjectTags[normalizeTag(g)] = struct{}{}
		}
		if !contains(w.Contributors, "wikidata") {
			w.Contributors = append(w.Contributors, "wikidata")
		}
	}
	if archive != nil {
		if archive.Description != "" {
			w.Description = archive.Description
		}
		for _, s := range archive.Subjects {
			w.SubjectTags[normalizeTag(s)] = struct{}{}
		}
		if archive.OpenLibraryWorkID != "" {
			w.OpenLibraryWorkID = archive.OpenLibraryWorkID
		}
		if !contains(w.Contributors, "archive-org") {
			w.Contributors = append(w.Contributors, "archive-org")
		}
	}
}

func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func dedupeStrings(ss []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// UpsertAuthor merges incoming into the stored author using
// COALESCE(incoming, existing) per field -- spec.md §4.3.3's rule for
// just-in-time Wikidata author enrichment, generalized to every author
// upsert path since no other caller writes author rows.
func (w *Writer) UpsertAuthor(ctx context.Context, incoming model.Author) (fieldsUpdated []string, err error) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.DurationObserve("author", time.Since(start))
		}
	}()

	existing, found, err := w.authors.GetAuthor(ctx, incoming.AuthorKey)
	if err != nil {
		w.logUpsert(ctx, "author", incoming.AuthorKey, err)
		w.countOutcome("author", "error")
		return nil, err
	}

	var merged model.Author
	if !found {
		merged = incoming
		fieldsUpdated = []string{"*"}
	} else {
		oldTag := encodeETag(existing)
		merged, fieldsUpdated = mergeAuthor(existing, incoming)
		newTag := encodeETag(merged)
		if oldTag == newTag {
			w.countOutcome("author", "unchanged")
			return nil, nil
		}
	}

	if err := w.authors.PutAuthor(ctx, merged); err != nil {
		w.logUpsert(ctx, "author", incoming.AuthorKey, err)
		w.countOutcome("author", "error")
		return nil, err
	}

	outcome := "updated"
	if !found {
		outcome = "inserted"
	}
	w.countOutcome("author", outcome)
	w.logUpsert(ctx, "author", incoming.AuthorKey, nil, fieldsUpdated...)

	return fieldsUpdated, nil
}

func mergeAuthor(existing, incoming model.Author) (model.Author, []string) {
	merged := existing
	var changed []string
	note := func(field string, didChange bool) {
		if didChange {
			changed = append(changed, field)
		}
	}

	note("name", coalesceString(&merged.Name, incoming.Name, existing.Name))
	note("gender", coalesceString(&merged.Gender, incoming.Gender, existing.Gender))
	note("gender_qid", coalesceString(&merged.GenderQID, incoming.GenderQID, existing.GenderQID))
	note("nationality", coalesceString(&merged.Nationality, incoming.Nationality, existing.Nationality))
	note("nationality_qid", coalesceString(&merged.NationalityQID, incoming.NationalityQID, existing.NationalityQID))
	note("birth_year", coalesceInt(&merged.BirthYear, incoming.BirthYear, existing.BirthYear))
	note("death_year", coalesceInt(&merged.DeathYear, incoming.DeathYear, existing.DeathYear))
	note("birth_place", coalesceString(&merged.BirthPlace, incoming.BirthPlace, existing.BirthPlace))
	note("birth_place_qid", coalesceString(&merged.BirthPlaceQID, incoming.BirthPlaceQID, existing.BirthPlaceQID))
	note("death_place", coalesceString(&merged.DeathPlace, incoming.DeathPlace, existing.DeathPlace))
	note("death_place_qid", coalesceString(&merged.DeathPlaceQID, incoming.DeathPlaceQID, existing.DeathPlaceQID))
	note("bio", coalesceString(&merged.Bio, incoming.Bio, existing.Bio))
	note("bio_source", coalesceString(&merged.BioSource, incoming.BioSource, existing.BioSource))
	note("photo_url", coalesceString(&merged.PhotoURL, incoming.PhotoURL, existing.PhotoURL))
	note("open_library_author_id", coalesceString(&merged.OpenLibraryAuthorID, incoming.OpenLibraryAuthorID, existing.OpenLibraryAuthorID))
	note("wikidata_id", coalesceString(&merged.WikidataID, incoming.WikidataID, existing.WikidataID))
	note("goodreads_author_ids", coalesceSlice(&merged.GoodreadsAuthorIDs, incoming.GoodreadsAuthorIDs, existing.GoodreadsAuthorIDs))

	if incoming.WikidataID != "" {
		merged.WikidataEnrichedAt = time.Now()
		merged.EnrichmentSource = "wikidata"
		note("wikidata_enriched_at", true)
	}

	return merged, changed
}
