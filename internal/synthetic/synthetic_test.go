package synthetic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
	"github.com/jukasdrj/alexandria-enrich/internal/store"
	"github.com/jukasdrj/alexandria-enrich/internal/synthetic"
)

func TestSlugNormalizesAndTruncates(t *testing.T) {
	assert.Equal(t, "the-left-hand-of-darkness", synthetic.Slug("The Left Hand of Darkness", 50))
	assert.Equal(t, "ursula-k-le-guin", synthetic.Slug("Ursula K. Le Guin!!", 30))
	assert.Equal(t, "abc", synthetic.Slug("abcdef", 3))
}

func TestWorkKeyFormat(t *testing.T) {
	key := synthetic.WorkKey("Dune Messiah", "Frank Herbert")
	assert.Equal(t, "synthetic:dune-messiah:frank-herbert", key)
}

// -- merge fakes, mirroring internal/merge's own test doubles --

type fakeEditionStore struct{ rows map[string]model.Edition }

func newFakeEditionStore() *fakeEditionStore { return &fakeEditionStore{rows: map[string]model.Edition{}} }

func (f *fakeEditionStore) GetEdition(ctx context.Context, isbn string) (model.Edition, bool, error) {
	e, ok := f.rows[isbn]
	return e, ok, nil
}
func (f *fakeEditionStore) PutEdition(ctx context.Context, e model.Edition) error {
	f.rows[e.ISBN] = e
	return nil
}

type fakeWorkStore struct{ rows map[string]model.Work }

func newFakeWorkStore() *fakeWorkStore { return &fakeWorkStore{rows: map[string]model.Work{}} }

func (f *fakeWorkStore) GetWork(ctx context.Context, key string) (model.Work, bool, error) {
	w, ok := f.rows[key]
	return w, ok, nil
}
func (f *fakeWorkStore) PutWork(ctx context.Context, w model.Work) error {
	f.rows[w.WorkKey] = w
	return nil
}

type fakeAuthorStore struct{ rows map[string]model.Author }

func (f *fakeAuthorStore) GetAuthor(ctx context.Context, key string) (model.Author, bool, error) {
	a, ok := f.rows[key]
	return a, ok, nil
}
func (f *fakeAuthorStore) PutAuthor(ctx context.Context, a model.Author) error {
	f.rows[a.AuthorKey] = a
	return nil
}

type fakeLogger struct{}

func (fakeLogger) WriteLog(ctx context.Context, entry model.EnrichmentLogEntry) error { return nil }

func newTestWriter(editions *fakeEditionStore, works *fakeWorkStore) *merge.Writer {
	return merge.NewWriter(editions, works, &fakeAuthorStore{rows: map[string]model.Author{}}, fakeLogger{}, nil, nil)
}

func TestPersistCandidateUpsertsSyntheticWorkAndEdition(t *testing.T) {
	editions := newFakeEditionStore()
	works := newFakeWorkStore()
	p := &synthetic.Persister{Writer: newTestWriter(editions, works)}

	book := providers.GeneratedBook{Title: "Dune Messiah", Author: "Frank Herbert", PublicationYear: 1969}
	require.NoError(t, p.PersistCandidate(context.Background(), book, "9780441172696"))

	key := synthetic.WorkKey(book.Title, book.Author)
	w, ok := works.rows[key]
	require.True(t, ok)
	assert.True(t, w.Synthetic)
	assert.Equal(t, 30, w.CompletenessScore)
	assert.Equal(t, "gemini-backfill", w.PrimaryProvider)

	e, ok := editions.rows["9780441172696"]
	require.True(t, ok)
	assert.Equal(t, key, e.WorkKey)
	assert.Equal(t, "gemini-synthetic", e.WorkMatchSource)
	assert.Equal(t, 50, e.WorkMatchConfidence)
}

func TestPersistCandidateSkipsEditionWhenNoISBN(t *testing.T) {
	editions := newFakeEditionStore()
	works := newFakeWorkStore()
	p := &synthetic.Persister{Writer: newTestWriter(editions, works)}

	book := providers.GeneratedBook{Title: "An Unresolved Book", Author: "Nobody Known"}
	require.NoError(t, p.PersistCandidate(context.Background(), book, ""))

	assert.Empty(t, editions.rows)
	_, ok := works.rows[synthetic.WorkKey(book.Title, book.Author)]
	assert.True(t, ok)
}

// -- deferred enhancement, against a real scratch Postgres (teacher's
// persist_test.go convention; see internal/store/store_test.go) --

const dsn = "postgres://postgres@localhost:5432/test"

type fakeResolver struct {
	isbn string
}

// Named after a cascade provider: Cascade only calls resolvers listed in
// orchestrate.CascadeOrder.
func (f *fakeResolver) Name() string { return "isbndb" }
func (f *fakeResolver) ResolveISBN(ctx context.Context, title, author string) (providers.ResolveResult, error) {
	if f.isbn == "" {
		return providers.ResolveResult{Source: "fake-resolver"}, nil
	}
	return providers.ResolveResult{ISBN: f.isbn, Confidence: 90, Source: "fake-resolver"}, nil
}

type fakePublisher struct {
	published []queue.EnrichmentMessage
	err       error
}

func (f *fakePublisher) PublishEnrichment(ctx context.Context, msg queue.EnrichmentMessage) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.Context(), dsn)
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(t.Context()))
	t.Cleanup(s.Close)
	return s
}

func TestEnhancerUpgradesResolvableSyntheticWork(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	w := *model.NewWork("synthetic:some-book:some-author")
	w.Title = "Some Book"
	w.Synthetic = true
	w.CompletenessScore = 30
	require.NoError(t, s.PutWork(ctx, w))

	reg := providers.NewRegistry()
	reg.Register(&fakeResolver{isbn: "9780000000001"})
	pub := &fakePublisher{}

	e := &synthetic.Enhancer{Store: s, Registry: reg, Publisher: pub}
	require.NoError(t, e.RunOnce(ctx))

	got, ok, err := s.GetWork(ctx, w.WorkKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 80, got.CompletenessScore)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "9780000000001", pub.published[0].ISBN)

	edition, ok, err := s.GetEdition(ctx, "9780000000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w.WorkKey, edition.WorkKey)
}

func TestEnhancerMarksFailureWhenNoISBNResolves(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	w := *model.NewWork("synthetic:unresolvable-book:unknown-author")
	w.Title = "Unresolvable Book"
	w.Synthetic = true
	w.CompletenessScore = 30
	require.NoError(t, s.PutWork(ctx, w))

	reg := providers.NewRegistry()
	reg.Register(&fakeResolver{})

	e := &synthetic.Enhancer{Store: s, Registry: reg, Publisher: &fakePublisher{}}
	require.NoError(t, e.RunOnce(ctx))

	got, ok, err := s.GetWork(ctx, w.WorkKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40, got.CompletenessScore)
}
