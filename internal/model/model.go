// Package model defines the canonical entities produced by the enrichment
// engine: editions, works, authors, and the bookkeeping rows that sit
// alongside them.
package model

import "time"

// Edition is a specific printing identified by a canonical ISBN-13.
type Edition struct {
	ISBN string

	Title           string
	Subtitle        string
	Description     string
	Publisher       string
	PublicationDate string
	PageCount       int
	Format          string
	Language        string

	// Authors is the provider-reported author byline, in credited order.
	// Not persisted on the edition row itself -- it exists only to drive
	// work/author dedup and linking (internal/dedup, internal/consume)
	// before the edition is attached to its resolved work_key.
	Authors []string

	CoverOriginal string
	CoverLarge    string
	CoverMedium   string
	CoverSmall    string
	CoverSource   string

	AlternateISBNs map[string]struct{}
	RelatedISBNs   map[string]string // format description -> ISBN

	SubjectTags map[string]struct{}
	DeweyCodes  map[string]struct{}

	OpenLibraryEditionID string
	AmazonASINs          []string
	GoogleBooksVolumeIDs []string
	GoodreadsEditionIDs  []string

	WorkKey              string
	WorkMatchConfidence  int
	WorkMatchSource      string
	WorkMatchAt          time.Time

	PrimaryProvider string
	Contributors    []string

	QualityScore      int
	CompletenessScore int

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastISBNdbSync time.Time
}

// Work is the title-level abstract entity grouping one or more editions.
type Work struct {
	WorkKey string

	Title               string
	Subtitle            string
	Description         string
	OriginalLanguage    string
	FirstPublicationYear int

	SubjectTags map[string]struct{}

	CoverOriginal string
	CoverLarge    string
	CoverMedium   string
	CoverSmall    string

	OpenLibraryWorkID string
	GoodreadsWorkIDs  []string
	WikidataID        string

	PrimaryProvider string
	Contributors    []string

	QualityScore      int
	CompletenessScore int

	Synthetic bool
}

// Author is a person or entity credited with authoring works.
type Author struct {
	AuthorKey string

	Name string

	Gender        string
	GenderQID     string
	Nationality   string
	NationalityQID string

	BirthYear int
	DeathYear int

	BirthPlace    string
	BirthPlaceQID string
	BirthCountry  string
	BirthCountryQID string
	DeathPlace    string
	DeathPlaceQID string

	Bio       string
	BioSource string
	PhotoURL  string

	OpenLibraryAuthorID string
	GoodreadsAuthorIDs  []string
	WikidataID          string

	PrimaryProvider    string
	EnrichmentSource   string
	WikidataEnrichedAt time.Time
}

// WorkAuthor links a work to one of its authors, in author order.
type WorkAuthor struct {
	WorkKey     string
	AuthorKey   string
	AuthorOrder int
}

// ExternalIDMapping records a known mapping from our key to a provider's
// identifier for the same entity.
type ExternalIDMapping struct {
	EntityType     string // "work" | "edition" | "author"
	OurKey         string
	Provider       string
	ProviderID     string
	Confidence     int
	MappingSource  string
	MappingMethod  string
}

// EnrichmentLogEntry is an append-only audit record of an enrichment
// operation.
type EnrichmentLogEntry struct {
	EntityType     string
	EntityKey      string
	Provider       string
	Operation      string // "create" | "update"
	Success        bool
	FieldsUpdated  []string
	ErrorMessage   string
	ResponseTimeMS int64
	CreatedAt      time.Time
}

// BackfillStatus enumerates the lifecycle of a backfill job.
type BackfillStatus string

const (
	BackfillQueued     BackfillStatus = "queued"
	BackfillProcessing BackfillStatus = "processing"
	BackfillEnriching  BackfillStatus = "enriching"
	BackfillComplete   BackfillStatus = "complete"
	BackfillFailed     BackfillStatus = "failed"
)

// BackfillJobStatus is the ephemeral, TTL'd record of a backfill job's
// progress, held in the job-status KV store.
type BackfillJobStatus struct {
	JobID    string
	Year     int
	Month    int
	Status   BackfillStatus
	Progress string
	Stats    BackfillStats

	ExperimentID string
	DryRun       bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	DurationMS  int64
	Error       string
}

// BackfillStats tallies the outcome of one backfill run.
type BackfillStats struct {
	CandidatesGenerated  int
	ISBNsResolved        int
	ISBNsSentToEnrichment int
	SyntheticWorksWritten int
	SyntheticEditionsWritten int
}

// QuotaState mirrors the two K/V keys used to track the daily ISBNdb budget.
type QuotaState struct {
	CallsToday int
	LastReset  string // YYYY-MM-DD, UTC
}

// NewEdition returns a zero-valued Edition with initialized set/map fields.
func NewEdition(isbn string) *Edition {
	return &Edition{
		ISBN:           isbn,
		AlternateISBNs: map[string]struct{}{},
		RelatedISBNs:   map[string]string{},
		SubjectTags:    map[string]struct{}{},
		DeweyCodes:     map[string]struct{}{},
	}
}

// NewWork returns a zero-valued Work with initialized set fields.
func NewWork(workKey string) *Work {
	return &Work{
		WorkKey:     workKey,
		SubjectTags: map[string]struct{}{},
	}
}
