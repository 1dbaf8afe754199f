// Package store is the Postgres persistence layer for editions, works,
// authors, the dedup indexes that sit alongside them, and the append-only
// enrichment log. It is grounded on the teacher's internal/persist.go:
// same *pgxpool.Pool-backed, raw-SQL, $-placeholder style (no query
// builder, no ORM), same guaranteed-finalization-by-defer discipline.
//
// The teacher's own pool constructor (newDB, called from NewPersister) is
// referenced but never defined anywhere in the retrieved source -- grepping
// the whole tree turns up only the call site. newDB here is a from-scratch
// equivalent, built the same way the teacher wires pools elsewhere
// (internal/metrics.go's RegisterPool takes an already-constructed
// *pgxpool.Pool and wraps it with pgxpoolprometheus), filling that specific
// gap rather than inventing new functionality.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jukasdrj/alexandria-enrich/internal/model"
)

// Store is the Postgres-backed implementation of merge.EditionStore,
// merge.WorkStore, merge.AuthorStore, merge.Logger, and
// dedup.WorkAuthorStore. One Store is shared across the process; pgxpool
// handles connection pooling internally, so callers never check out a
// connection themselves except where an operation needs session-bound
// state (see internal/monthlock, which is given its own *pgxpool.Conn).
type Store struct {
	db *pgxpool.Pool
}

// newDB parses dsn and opens a pool, matching the shape the teacher's
// NewPersister expects from its own (missing) newDB helper: a context for
// the initial connection attempt, a DSN string, an error return.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return pool, nil
}

// New opens a Store against dsn. Callers that only need to reuse an
// already-open pool (tests, or a process that shares one pool across
// multiple stores) should use NewFromPool instead.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := newDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewFromPool wraps an already-constructed pool.
func NewFromPool(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// Pool returns the underlying connection pool, for components (monthlock,
// pool-level Prometheus stats) that need direct pgxpool access rather than
// Store's row-level CRUD surface.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// Schema is the DDL this store expects to already exist (spec.md §6's
// "precise DDL out of scope" -- this is the concrete shape chosen to
// satisfy it). Migrations are out of scope for this package; Schema exists
// so tests and a one-off bootstrap command can create it against a scratch
// database.
const Schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS enriched_works (
	work_key               TEXT PRIMARY KEY,
	title                  TEXT NOT NULL,
	subtitle               TEXT NOT NULL DEFAULT '',
	description            TEXT NOT NULL DEFAULT '',
	original_language      TEXT NOT NULL DEFAULT '',
	first_publication_year INT NOT NULL DEFAULT 0,
	subject_tags           JSONB NOT NULL DEFAULT '[]',
	cover_original         TEXT NOT NULL DEFAULT '',
	cover_large            TEXT NOT NULL DEFAULT '',
	cover_medium           TEXT NOT NULL DEFAULT '',
	cover_small            TEXT NOT NULL DEFAULT '',
	open_library_work_id   TEXT NOT NULL DEFAULT '',
	goodreads_work_ids     JSONB NOT NULL DEFAULT '[]',
	wikidata_id            TEXT NOT NULL DEFAULT '',
	primary_provider       TEXT NOT NULL DEFAULT '',
	contributors           JSONB NOT NULL DEFAULT '[]',
	quality_score          INT NOT NULL DEFAULT 0,
	completeness_score     INT NOT NULL DEFAULT 0,
	synthetic              BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS enriched_works_title_trgm ON enriched_works USING gin (title gin_trgm_ops);

CREATE TABLE IF NOT EXISTS enriched_authors (
	author_key              TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	gender                  TEXT NOT NULL DEFAULT '',
	gender_qid              TEXT NOT NULL DEFAULT '',
	nationality             TEXT NOT NULL DEFAULT '',
	nationality_qid         TEXT NOT NULL DEFAULT '',
	birth_year              INT NOT NULL DEFAULT 0,
	death_year              INT NOT NULL DEFAULT 0,
	birth_place             TEXT NOT NULL DEFAULT '',
	birth_place_qid         TEXT NOT NULL DEFAULT '',
	birth_country           TEXT NOT NULL DEFAULT '',
	birth_country_qid       TEXT NOT NULL DEFAULT '',
	death_place             TEXT NOT NULL DEFAULT '',
	death_place_qid         TEXT NOT NULL DEFAULT '',
	bio                     TEXT NOT NULL DEFAULT '',
	bio_source              TEXT NOT NULL DEFAULT '',
	photo_url               TEXT NOT NULL DEFAULT '',
	open_library_author_id  TEXT NOT NULL DEFAULT '',
	goodreads_author_ids    JSONB NOT NULL DEFAULT '[]',
	wikidata_id             TEXT NOT NULL DEFAULT '',
	primary_provider        TEXT NOT NULL DEFAULT '',
	enrichment_source       TEXT NOT NULL DEFAULT '',
	wikidata_enriched_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS enriched_authors_name_trgm ON enriched_authors USING gin (name gin_trgm_ops);

CREATE TABLE IF NOT EXISTS enriched_editions (
	isbn                    TEXT PRIMARY KEY,
	title                   TEXT NOT NULL,
	subtitle                TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	publisher               TEXT NOT NULL DEFAULT '',
	publication_date        TEXT NOT NULL DEFAULT '',
	page_count              INT NOT NULL DEFAULT 0,
	format                  TEXT NOT NULL DEFAULT '',
	language                TEXT NOT NULL DEFAULT '',
	cover_original          TEXT NOT NULL DEFAULT '',
	cover_large             TEXT NOT NULL DEFAULT '',
	cover_medium            TEXT NOT NULL DEFAULT '',
	cover_small             TEXT NOT NULL DEFAULT '',
	cover_source            TEXT NOT NULL DEFAULT '',
	alternate_isbns         JSONB NOT NULL DEFAULT '[]',
	related_isbns           JSONB NOT NULL DEFAULT '{}',
	subject_tags            JSONB NOT NULL DEFAULT '[]',
	dewey_codes             JSONB NOT NULL DEFAULT '[]',
	open_library_edition_id TEXT NOT NULL DEFAULT '',
	amazon_asins            JSONB NOT NULL DEFAULT '[]',
	google_books_volume_ids JSONB NOT NULL DEFAULT '[]',
	goodreads_edition_ids   JSONB NOT NULL DEFAULT '[]',
	work_key                TEXT NOT NULL DEFAULT '' REFERENCES enriched_works(work_key) ON DELETE SET DEFAULT,
	work_match_confidence   INT NOT NULL DEFAULT 0,
	work_match_source       TEXT NOT NULL DEFAULT '',
	work_match_at           TIMESTAMPTZ,
	primary_provider        TEXT NOT NULL DEFAULT '',
	contributors            JSONB NOT NULL DEFAULT '[]',
	quality_score           INT NOT NULL DEFAULT 0,
	completeness_score      INT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_isbndb_sync        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS enriched_editions_work_key ON enriched_editions(work_key);

CREATE TABLE IF NOT EXISTS work_authors_enriched (
	work_key    TEXT NOT NULL REFERENCES enriched_works(work_key) ON DELETE CASCADE,
	author_key  TEXT NOT NULL REFERENCES enriched_authors(author_key) ON DELETE CASCADE,
	author_order INT NOT NULL,
	PRIMARY KEY (work_key, author_key)
);

CREATE TABLE IF NOT EXISTS external_id_mappings (
	entity_type    TEXT NOT NULL,
	our_key        TEXT NOT NULL,
	provider       TEXT NOT NULL,
	provider_id    TEXT NOT NULL,
	confidence     INT NOT NULL DEFAULT 0,
	mapping_source TEXT NOT NULL DEFAULT '',
	mapping_method TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity_type, our_key, provider)
);

CREATE TABLE IF NOT EXISTS enrichment_log (
	id              BIGSERIAL PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	entity_key      TEXT NOT NULL,
	provider        TEXT NOT NULL,
	operation       TEXT NOT NULL,
	success         BOOLEAN NOT NULL,
	fields_updated  JSONB NOT NULL DEFAULT '[]',
	error_message   TEXT NOT NULL DEFAULT '',
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS enrichment_log_entity ON enrichment_log(entity_type, entity_key);

CREATE TABLE IF NOT EXISTS backfill_log (
	year             INT NOT NULL,
	month            INT NOT NULL,
	status           TEXT NOT NULL,
	candidates_generated INT NOT NULL DEFAULT 0,
	isbns_resolved   INT NOT NULL DEFAULT 0,
	isbns_queued     INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (year, month)
);
`

// Bootstrap applies Schema. Intended for tests and one-off setup, not a
// migration tool.
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func jsonSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

// --- merge.EditionStore ---

func (s *Store) GetEdition(ctx context.Context, isbn string) (model.Edition, bool, error) {
	const q = `
SELECT isbn, title, subtitle, description, publisher, publication_date, page_count, format, language,
	cover_original, cover_large, cover_medium, cover_small, cover_source,
	alternate_isbns, related_isbns, subject_tags, dewey_codes,
	open_library_edition_id, amazon_asins, google_books_volume_ids, goodreads_edition_ids,
	work_key, work_match_confidence, work_match_source, work_match_at,
	primary_provider, contributors, quality_score, completeness_score,
	created_at, updated_at, last_isbndb_sync
FROM enriched_editions WHERE isbn = $1`

	var e model.Edition
	var altISBNs, subjectTags, deweyCodes, amazonASINs, googleVolumeIDs, goodreadsEditionIDs, contributors []string
	var relatedISBNs map[string]string
	var workMatchAt, lastSync *time.Time

	row := s.db.QueryRow(ctx, q, isbn)
	err := row.Scan(&e.ISBN, &e.Title, &e.Subtitle, &e.Description, &e.Publisher, &e.PublicationDate, &e.PageCount, &e.Format, &e.Language,
		&e.CoverOriginal, &e.CoverLarge, &e.CoverMedium, &e.CoverSmall, &e.CoverSource,
		&altISBNs, &relatedISBNs, &subjectTags, &deweyCodes,
		&e.OpenLibraryEditionID, &amazonASINs, &googleVolumeIDs, &goodreadsEditionIDs,
		&e.WorkKey, &e.WorkMatchConfidence, &e.WorkMatchSource, &workMatchAt,
		&e.PrimaryProvider, &contributors, &e.QualityScore, &e.CompletenessScore,
		&e.CreatedAt, &e.UpdatedAt, &lastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Edition{}, false, nil
	}
	if err != nil {
		return model.Edition{}, false, fmt.Errorf("getting edition %s: %w", isbn, err)
	}

	e.AlternateISBNs = toSet(altISBNs)
	e.SubjectTags = toSet(subjectTags)
	e.DeweyCodes = toSet(deweyCodes)
	e.RelatedISBNs = relatedISBNs
	e.AmazonASINs = amazonASINs
	e.GoogleBooksVolumeIDs = googleVolumeIDs
	e.GoodreadsEditionIDs = goodreadsEditionIDs
	e.Contributors = contributors
	if workMatchAt != nil {
		e.WorkMatchAt = *workMatchAt
	}
	if lastSync != nil {
		e.LastISBNdbSync = *lastSync
	}
	return e, true, nil
}

func (s *Store) PutEdition(ctx context.Context, e model.Edition) error {
	const q = `
INSERT INTO enriched_editions (
	isbn, title, subtitle, description, publisher, publication_date, page_count, format, language,
	cover_original, cover_large, cover_medium, cover_small, cover_source,
	alternate_isbns, related_isbns, subject_tags, dewey_codes,
	open_library_edition_id, amazon_asins, google_books_volume_ids, goodreads_edition_ids,
	work_key, work_match_confidence, work_match_source, work_match_at,
	primary_provider, contributors, quality_score, completeness_score,
	created_at, updated_at, last_isbndb_sync
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,
	$10,$11,$12,$13,$14,
	$15,$16,$17,$18,
	$19,$20,$21,$22,
	$23,$24,$25,$26,
	$27,$28,$29,$30,
	$31,$32,$33
)
ON CONFLICT (isbn) DO UPDATE SET
	title=EXCLUDED.title, subtitle=EXCLUDED.subtitle, description=EXCLUDED.description,
	publisher=EXCLUDED.publisher, publication_date=EXCLUDED.publication_date, page_count=EXCLUDED.page_count,
	format=EXCLUDED.format, language=EXCLUDED.language,
	cover_original=EXCLUDED.cover_original, cover_large=EXCLUDED.cover_large,
	cover_medium=EXCLUDED.cover_medium, cover_small=EXCLUDED.cover_small, cover_source=EXCLUDED.cover_source,
	alternate_isbns=EXCLUDED.alternate_isbns, related_isbns=EXCLUDED.related_isbns,
	subject_tags=EXCLUDED.subject_tags, dewey_codes=EXCLUDED.dewey_codes,
	open_library_edition_id=EXCLUDED.open_library_edition_id, amazon_asins=EXCLUDED.amazon_asins,
	google_books_volume_ids=EXCLUDED.google_books_volume_ids, goodreads_edition_ids=EXCLUDED.goodreads_edition_ids,
	work_key=EXCLUDED.work_key, work_match_confidence=EXCLUDED.work_match_confidence,
	work_match_source=EXCLUDED.work_match_source, work_match_at=EXCLUDED.work_match_at,
	primary_provider=EXCLUDED.primary_provider, contributors=EXCLUDED.contributors,
	quality_score=EXCLUDED.quality_score, completeness_score=EXCLUDED.completeness_score,
	updated_at=EXCLUDED.updated_at, last_isbndb_sync=EXCLUDED.last_isbndb_sync`

	var workMatchAt, lastSync *time.Time
	if !e.WorkMatchAt.IsZero() {
		workMatchAt = &e.WorkMatchAt
	}
	if !e.LastISBNdbSync.IsZero() {
		lastSync = &e.LastISBNdbSync
	}

	_, err := s.db.Exec(ctx, q,
		e.ISBN, e.Title, e.Subtitle, e.Description, e.Publisher, e.PublicationDate, e.PageCount, e.Format, e.Language,
		e.CoverOriginal, e.CoverLarge, e.CoverMedium, e.CoverSmall, e.CoverSource,
		jsonSet(e.AlternateISBNs), e.RelatedISBNs, jsonSet(e.SubjectTags), jsonSet(e.DeweyCodes),
		e.OpenLibraryEditionID, e.AmazonASINs, e.GoogleBooksVolumeIDs, e.GoodreadsEditionIDs,
		e.WorkKey, e.WorkMatchConfidence, e.WorkMatchSource, workMatchAt,
		e.PrimaryProvider, e.Contributors, e.QualityScore, e.CompletenessScore,
		e.CreatedAt, e.UpdatedAt, lastSync)
	if err != nil {
		return fmt.Errorf("putting edition %s: %w", e.ISBN, err)
	}
	return nil
}

// --- merge.WorkStore ---

func (s *Store) GetWork(ctx context.Context, key string) (model.Work, bool, error) {
	const q = `
SELECT work_key, title, subtitle, description, original_language, first_publication_year,
	subject_tags, cover_original, cover_large, cover_medium, cover_small,
	open_library_work_id, goodreads_work_ids, wikidata_id,
	primary_provider, contributors, quality_score, completeness_score, synthetic
FROM enriched_works WHERE work_key = $1`

	var w model.Work
	var subjectTags, goodreadsWorkIDs, contributors []string

	row := s.db.QueryRow(ctx, q, key)
	err := row.Scan(&w.WorkKey, &w.Title, &w.Subtitle, &w.Description, &w.OriginalLanguage, &w.FirstPublicationYear,
		&subjectTags, &w.CoverOriginal, &w.CoverLarge, &w.CoverMedium, &w.CoverSmall,
		&w.OpenLibraryWorkID, &goodreadsWorkIDs, &w.WikidataID,
		&w.PrimaryProvider, &contributors, &w.QualityScore, &w.CompletenessScore, &w.Synthetic)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Work{}, false, nil
	}
	if err != nil {
		return model.Work{}, false, fmt.Errorf("getting work %s: %w", key, err)
	}

	w.SubjectTags = toSet(subjectTags)
	w.GoodreadsWorkIDs = goodreadsWorkIDs
	w.Contributors = contributors
	return w, true, nil
}

func (s *Store) PutWork(ctx context.Context, w model.Work) error {
	const q = `
INSERT INTO enriched_works (
	work_key, title, subtitle, description, original_language, first_publication_year,
	subject_tags, cover_original, cover_large, cover_medium, cover_small,
	open_library_work_id, goodreads_work_ids, wikidata_id,
	primary_provider, contributors, quality_score, completeness_score, synthetic
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (work_key) DO UPDATE SET
	title=EXCLUDED.title, subtitle=EXCLUDED.subtitle, description=EXCLUDED.description,
	original_language=EXCLUDED.original_language, first_publication_year=EXCLUDED.first_publication_year,
	subject_tags=EXCLUDED.subject_tags, cover_original=EXCLUDED.cover_original,
	cover_large=EXCLUDED.cover_large, cover_medium=EXCLUDED.cover_medium, cover_small=EXCLUDED.cover_small,
	open_library_work_id=EXCLUDED.open_library_work_id, goodreads_work_ids=EXCLUDED.goodreads_work_ids,
	wikidata_id=EXCLUDED.wikidata_id, primary_provider=EXCLUDED.primary_provider,
	contributors=EXCLUDED.contributors, quality_score=EXCLUDED.quality_score,
	completeness_score=EXCLUDED.completeness_score, synthetic=EXCLUDED.synthetic`

	_, err := s.db.Exec(ctx, q,
		w.WorkKey, w.Title, w.Subtitle, w.Description, w.OriginalLanguage, w.FirstPublicationYear,
		jsonSet(w.SubjectTags), w.CoverOriginal, w.CoverLarge, w.CoverMedium, w.CoverSmall,
		w.OpenLibraryWorkID, w.GoodreadsWorkIDs, w.WikidataID,
		w.PrimaryProvider, w.Contributors, w.QualityScore, w.CompletenessScore, w.Synthetic)
	if err != nil {
		return fmt.Errorf("putting work %s: %w", w.WorkKey, err)
	}
	return nil
}

// --- merge.AuthorStore ---

func (s *Store) GetAuthor(ctx context.Context, key string) (model.Author, bool, error) {
	const q = `
SELECT author_key, name, gender, gender_qid, nationality, nationality_qid,
	birth_year, death_year, birth_place, birth_place_qid, birth_country, birth_country_qid,
	death_place, death_place_qid, bio, bio_source, photo_url,
	open_library_author_id, goodreads_author_ids, wikidata_id,
	primary_provider, enrichment_source, wikidata_enriched_at
FROM enriched_authors WHERE author_key = $1`

	var a model.Author
	var goodreadsAuthorIDs []string
	var enrichedAt *time.Time

	row := s.db.QueryRow(ctx, q, key)
	err := row.Scan(&a.AuthorKey, &a.Name, &a.Gender, &a.GenderQID, &a.Nationality, &a.NationalityQID,
		&a.BirthYear, &a.DeathYear, &a.BirthPlace, &a.BirthPlaceQID, &a.BirthCountry, &a.BirthCountryQID,
		&a.DeathPlace, &a.DeathPlaceQID, &a.Bio, &a.BioSource, &a.PhotoURL,
		&a.OpenLibraryAuthorID, &goodreadsAuthorIDs, &a.WikidataID,
		&a.PrimaryProvider, &a.EnrichmentSource, &enrichedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Author{}, false, nil
	}
	if err != nil {
		return model.Author{}, false, fmt.Errorf("getting author %s: %w", key, err)
	}

	a.GoodreadsAuthorIDs = goodreadsAuthorIDs
	if enrichedAt != nil {
		a.WikidataEnrichedAt = *enrichedAt
	}
	return a, true, nil
}

func (s *Store) PutAuthor(ctx context.Context, a model.Author) error {
	const q = `
INSERT INTO enriched_authors (
	author_key, name, gender, gender_qid, nationality, nationality_qid,
	birth_year, death_year, birth_place, birth_place_qid, birth_country, birth_country_qid,
	death_place, death_place_qid, bio, bio_source, photo_url,
	open_library_author_id, goodreads_author_ids, wikidata_id,
	primary_provider, enrichment_source, wikidata_enriched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
ON CONFLICT (author_key) DO UPDATE SET
	name=EXCLUDED.name, gender=EXCLUDED.gender, gender_qid=EXCLUDED.gender_qid,
	nationality=EXCLUDED.nationality, nationality_qid=EXCLUDED.nationality_qid,
	birth_year=EXCLUDED.birth_year, death_year=EXCLUDED.death_year,
	birth_place=EXCLUDED.birth_place, birth_place_qid=EXCLUDED.birth_place_qid,
	birth_country=EXCLUDED.birth_country, birth_country_qid=EXCLUDED.birth_country_qid,
	death_place=EXCLUDED.death_place, death_place_qid=EXCLUDED.death_place_qid,
	bio=EXCLUDED.bio, bio_source=EXCLUDED.bio_source, photo_url=EXCLUDED.photo_url,
	open_library_author_id=EXCLUDED.open_library_author_id, goodreads_author_ids=EXCLUDED.goodreads_author_ids,
	wikidata_id=EXCLUDED.wikidata_id, primary_provider=EXCLUDED.primary_provider,
	enrichment_source=EXCLUDED.enrichment_source, wikidata_enriched_at=EXCLUDED.wikidata_enriched_at`

	var enrichedAt *time.Time
	if !a.WikidataEnrichedAt.IsZero() {
		enrichedAt = &a.WikidataEnrichedAt
	}

	_, err := s.db.Exec(ctx, q,
		a.AuthorKey, a.Name, a.Gender, a.GenderQID, a.Nationality, a.NationalityQID,
		a.BirthYear, a.DeathYear, a.BirthPlace, a.BirthPlaceQID, a.BirthCountry, a.BirthCountryQID,
		a.DeathPlace, a.DeathPlaceQID, a.Bio, a.BioSource, a.PhotoURL,
		a.OpenLibraryAuthorID, a.GoodreadsAuthorIDs, a.WikidataID,
		a.PrimaryProvider, a.EnrichmentSource, enrichedAt)
	if err != nil {
		return fmt.Errorf("putting author %s: %w", a.AuthorKey, err)
	}
	return nil
}

// PutWorkAuthor records one (work, author) credit in author order.
func (s *Store) PutWorkAuthor(ctx context.Context, wa model.WorkAuthor) error {
	const q = `
INSERT INTO work_authors_enriched (work_key, author_key, author_order)
VALUES ($1,$2,$3)
ON CONFLICT (work_key, author_key) DO UPDATE SET author_order = EXCLUDED.author_order`
	_, err := s.db.Exec(ctx, q, wa.WorkKey, wa.AuthorKey, wa.AuthorOrder)
	if err != nil {
		return fmt.Errorf("putting work_author %s/%s: %w", wa.WorkKey, wa.AuthorKey, err)
	}
	return nil
}

// --- merge.Logger ---

func (s *Store) WriteLog(ctx context.Context, entry model.EnrichmentLogEntry) error {
	const q = `
INSERT INTO enrichment_log (entity_type, entity_key, provider, operation, success, fields_updated, error_message, response_time_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.Exec(ctx, q, entry.EntityType, entry.EntityKey, entry.Provider, entry.Operation,
		entry.Success, entry.FieldsUpdated, entry.ErrorMessage, entry.ResponseTimeMS, entry.CreatedAt)
	return err
}

// --- dedup.WorkAuthorStore ---

func (s *Store) FindWorkKeyByISBN(ctx context.Context, isbn string) (string, bool, error) {
	const q = `SELECT work_key FROM enriched_editions WHERE isbn = $1 AND work_key <> ''`
	var key string
	err := s.db.QueryRow(ctx, q, isbn).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding work by isbn %s: %w", isbn, err)
	}
	return key, true, nil
}

// FindWorkKeyByAuthorsTitle implements spec.md §4.7 step 3: among works
// credited to any of authorKeys, find the title trigram match above
// threshold with the highest similarity.
func (s *Store) FindWorkKeyByAuthorsTitle(ctx context.Context, authorKeys []string, title string, threshold float64) (string, bool, error) {
	if len(authorKeys) == 0 {
		return "", false, nil
	}
	const q = `
SELECT w.work_key
FROM enriched_works w
JOIN work_authors_enriched wa ON wa.work_key = w.work_key
WHERE wa.author_key = ANY($1) AND similarity(w.title, $2) > $3
ORDER BY similarity(w.title, $2) DESC
LIMIT 1`
	var key string
	err := s.db.QueryRow(ctx, q, authorKeys, title, threshold).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding work by authors+title: %w", err)
	}
	return key, true, nil
}

func (s *Store) FindWorkKeyByExactTitle(ctx context.Context, title string) (string, bool, error) {
	const q = `SELECT work_key FROM enriched_works WHERE lower(title) = lower($1) LIMIT 1`
	var key string
	err := s.db.QueryRow(ctx, q, title).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding work by exact title: %w", err)
	}
	return key, true, nil
}

func (s *Store) FindAuthorKeyByName(ctx context.Context, name string) (string, bool, error) {
	const q = `SELECT author_key FROM enriched_authors WHERE lower(name) = lower($1) LIMIT 1`
	var key string
	err := s.db.QueryRow(ctx, q, name).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding author by name: %w", err)
	}
	return key, true, nil
}

func (s *Store) FindAuthorKeyByFuzzyName(ctx context.Context, name string, threshold float64) (string, bool, error) {
	const q = `
SELECT author_key FROM enriched_authors
WHERE similarity(name, $1) > $2
ORDER BY similarity(name, $1) DESC
LIMIT 1`
	var key string
	err := s.db.QueryRow(ctx, q, name, threshold).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding author by fuzzy name: %w", err)
	}
	return key, true, nil
}

// SyntheticCandidate is a work/edition pair due for a deferred enhancement
// pass (spec.md §4.6).
type SyntheticCandidate struct {
	WorkKey string
	ISBN    string
}

// ClaimSyntheticCandidates locks and returns up to limit synthetic works
// (and, where present, one matching edition) below the given completeness
// threshold, skipping rows already locked by another worker. Grounded on
// spec.md §4.6 and §9's resolved Open Question #2 ("one transaction per
// synthetic-work row"): callers run one of these per row, inside the
// transaction fn receives, per spec.
func (s *Store) ClaimSyntheticCandidates(ctx context.Context, limit int, completenessBelow int, fn func(ctx context.Context, tx pgx.Tx, c SyntheticCandidate) error) error {
	const q = `
SELECT w.work_key, COALESCE((SELECT e.isbn FROM enriched_editions e WHERE e.work_key = w.work_key LIMIT 1), '')
FROM enriched_works w
WHERE w.synthetic AND w.completeness_score < $1
ORDER BY w.work_key
LIMIT $2
FOR UPDATE SKIP LOCKED`

	for processed := 0; processed < limit; {
		claimed, err := s.claimOne(ctx, q, completenessBelow, fn)
		if err != nil {
			return err
		}
		if !claimed {
			break
		}
		processed++
	}
	return nil
}

func (s *Store) claimOne(ctx context.Context, q string, completenessBelow int, fn func(ctx context.Context, tx pgx.Tx, c SyntheticCandidate) error) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning synthetic-scan tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var c SyntheticCandidate
	err = tx.QueryRow(ctx, q, completenessBelow, 1).Scan(&c.WorkKey, &c.ISBN)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming synthetic candidate: %w", err)
	}

	if err := fn(ctx, tx, c); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing synthetic-scan tx: %w", err)
	}
	return true, nil
}

// UpsertBackfillLog records a backfill_log row, matching on (year, month).
func (s *Store) UpsertBackfillLog(ctx context.Context, year, month int, status string, candidatesGenerated, isbnsResolved, isbnsQueued int) error {
	const q = `
INSERT INTO backfill_log (year, month, status, candidates_generated, isbns_resolved, isbns_queued, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,now())
ON CONFLICT (year, month) DO UPDATE SET
	status=EXCLUDED.status, candidates_generated=EXCLUDED.candidates_generated,
	isbns_resolved=EXCLUDED.isbns_resolved, isbns_queued=EXCLUDED.isbns_queued, updated_at=now()`
	_, err := s.db.Exec(ctx, q, year, month, status, candidatesGenerated, isbnsResolved, isbnsQueued)
	return err
}

// PutExternalIDMapping records a known provider identifier for an entity.
func (s *Store) PutExternalIDMapping(ctx context.Context, m model.ExternalIDMapping) error {
	const q = `
INSERT INTO external_id_mappings (entity_type, our_key, provider, provider_id, confidence, mapping_source, mapping_method)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (entity_type, our_key, provider) DO UPDATE SET
	provider_id=EXCLUDED.provider_id, confidence=EXCLUDED.confidence,
	mapping_source=EXCLUDED.mapping_source, mapping_method=EXCLUDED.mapping_method`
	_, err := s.db.Exec(ctx, q, m.EntityType, m.OurKey, m.Provider, m.ProviderID, m.Confidence, m.MappingSource, m.MappingMethod)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}
