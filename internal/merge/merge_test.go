package merge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
)

type fakeEditionStore struct {
	rows map[string]model.Edition
}

func newFakeEditionStore() *fakeEditionStore { return &fakeEditionStore{rows: map[string]model.Edition{}} }

func (f *fakeEditionStore) GetEdition(ctx context.Context, isbn string) (model.Edition, bool, error) {
	e, ok := f.rows[isbn]
	return e, ok, nil
}

func (f *fakeEditionStore) PutEdition(ctx context.Context, e model.Edition) error {
	f.rows[e.ISBN] = e
	return nil
}

type fakeWorkStore struct {
	rows map[string]model.Work
}

func newFakeWorkStore() *fakeWorkStore { return &fakeWorkStore{rows: map[string]model.Work{}} }

func (f *fakeWorkStore) GetWork(ctx context.Context, key string) (model.Work, bool, error) {
	w, ok := f.rows[key]
	return w, ok, nil
}

func (f *fakeWorkStore) PutWork(ctx context.Context, w model.Work) error {
	f.rows[w.WorkKey] = w
	return nil
}

type fakeAuthorStore struct {
	rows map[string]model.Author
}

func newFakeAuthorStore() *fakeAuthorStore { return &fakeAuthorStore{rows: map[string]model.Author{}} }

func (f *fakeAuthorStore) GetAuthor(ctx context.Context, key string) (model.Author, bool, error) {
	a, ok := f.rows[key]
	return a, ok, nil
}

func (f *fakeAuthorStore) PutAuthor(ctx context.Context, a model.Author) error {
	f.rows[a.AuthorKey] = a
	return nil
}

type fakeLogger struct {
	entries []model.EnrichmentLogEntry
}

func (f *fakeLogger) WriteLog(ctx context.Context, entry model.EnrichmentLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeCoverEnqueuer struct {
	jobs []merge.CoverJob
}

func (f *fakeCoverEnqueuer) EnqueueCover(ctx context.Context, job merge.CoverJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func TestUpsertEditionInsertsNewRow(t *testing.T) {
	editions := newFakeEditionStore()
	logger := &fakeLogger{}
	covers := &fakeCoverEnqueuer{}
	w := merge.NewWriter(editions, newFakeWorkStore(), newFakeAuthorStore(), logger, covers, nil)

	incoming := *model.NewEdition("9780441013593")
	incoming.Title = "Dune"
	incoming.CoverLarge = "https://example.com/large.jpg"
	incoming.QualityScore = 80

	fields, err := w.UpsertEdition(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, fields)

	stored, ok, _ := editions.GetEdition(context.Background(), "9780441013593")
	require.True(t, ok)
	assert.Equal(t, "Dune", stored.Title)

	require.Len(t, covers.jobs, 1)
	assert.Equal(t, "https://example.com/large.jpg", covers.jobs[0].URL)
	assert.Equal(t, queue.PriorityNormal, covers.jobs[0].Priority)
}

func TestUpsertEditionHighWeightOverwriteOnlyWhenQualityImproves(t *testing.T) {
	editions := newFakeEditionStore()
	existing := *model.NewEdition("9780441013593")
	existing.Title = "Old Title"
	existing.QualityScore = 90
	editions.rows["9780441013593"] = existing

	w := merge.NewWriter(editions, newFakeWorkStore(), newFakeAuthorStore(), nil, nil, nil)

	incoming := *model.NewEdition("9780441013593")
	incoming.Title = "New Title"
	incoming.QualityScore = 50 // lower quality, must not overwrite title

	_, err := w.UpsertEdition(context.Background(), incoming)
	require.NoError(t, err)

	stored, _, _ := editions.GetEdition(context.Background(), "9780441013593")
	assert.Equal(t, "Old Title", stored.Title)
}

func TestUpsertEditionRelatedISBNsExistingKeysWin(t *testing.T) {
	editions := newFakeEditionStore()
	existing := *model.NewEdition("9780441013593")
	existing.RelatedISBNs = map[string]string{"Hardcover": "9780000000000"}
	editions.rows["9780441013593"] = existing

	w := merge.NewWriter(editions, newFakeWorkStore(), newFakeAuthorStore(), nil, nil, nil)

	incoming := *model.NewEdition("9780441013593")
	incoming.RelatedISBNs = map[string]string{"Hardcover": "9781111111111", "Paperback": "9782222222222"}

	_, err := w.UpsertEdition(context.Background(), incoming)
	require.NoError(t, err)

	stored, _, _ := editions.GetEdition(context.Background(), "9780441013593")
	assert.Equal(t, "9780000000000", stored.RelatedISBNs["Hardcover"])
	assert.Equal(t, "9782222222222", stored.RelatedISBNs["Paperback"])
}

func TestUpsertEditionNoopReportsUnchanged(t *testing.T) {
	editions := newFakeEditionStore()
	existing := *model.NewEdition("9780441013593")
	existing.Title = "Dune"
	existing.QualityScore = 90
	editions.rows["9780441013593"] = existing

	w := merge.NewWriter(editions, newFakeWorkStore(), newFakeAuthorStore(), nil, nil, nil)

	fields, err := w.UpsertEdition(context.Background(), existing)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestUpsertWorkThreeWayMergePrefersArchiveDescription(t *testing.T) {
	works := newFakeWorkStore()
	w := merge.NewWriter(newFakeEditionStore(), works, newFakeAuthorStore(), nil, nil, nil)

	incoming := *model.NewWork("/works/OL1W")
	incoming.Title = "Dune"

	archive := &merge.ArchiveWorkEvidence{
		Description:       "A science fiction epic.",
		Subjects:          []string{"science fiction"},
		OpenLibraryWorkID: "OL1W",
	}

	_, err := w.UpsertWork(context.Background(), incoming, []string{"Science Fiction"}, archive)
	require.NoError(t, err)

	stored, ok, _ := works.GetWork(context.Background(), "/works/OL1W")
	require.True(t, ok)
	assert.Equal(t, "A science fiction epic.", stored.Description)
	assert.Contains(t, stored.SubjectTags, "science fiction")
	assert.Equal(t, "OL1W", stored.OpenLibraryWorkID)
	assert.Contains(t, stored.Contributors, "wikidata")
	assert.Contains(t, stored.Contributors, "archive-org")
}

func TestUpsertAuthorCoalescesIncomingOverExisting(t *testing.T) {
	authors := newFakeAuthorStore()
	existing := model.Author{AuthorKey: "/authors/OL1A", Name: "Frank Herbert", BirthYear: 1920}
	authors.rows["/authors/OL1A"] = existing

	w := merge.NewWriter(newFakeEditionStore(), newFakeWorkStore(), authors, nil, nil, nil)

	incoming := model.Author{AuthorKey: "/authors/OL1A", WikidataID: "Q180453", DeathYear: 1986}
	_, err := w.UpsertAuthor(context.Background(), incoming)
	require.NoError(t, err)

	stored, _, _ := authors.GetAuthor(context.Background(), "/authors/OL1A")
	assert.Equal(t, "Frank Herbert", stored.Name) // existing retained since incoming left it empty
	assert.Equal(t, 1920, stored.BirthYear)
	assert.Equal(t, 1986, stored.DeathYear)
	assert.Equal(t, "Q180453", stored.WikidataID)
	assert.False(t, stored.WikidataEnrichedAt.IsZero())
}
