package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/store"
)

// dsn matches the teacher's persist_test.go convention: a local scratch
// Postgres instance, no mocking, pg_trgm required.
const dsn = "postgres://postgres@localhost:5432/test"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.Context(), dsn)
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(t.Context()))
	t.Cleanup(s.Close)
	return s
}

func TestEditionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	e := *model.NewEdition("9780441013593")
	e.Title = "Dune"
	e.CreatedAt = time.Now()
	e.UpdatedAt = time.Now()
	e.RelatedISBNs["Hardcover"] = "9780000000000"
	e.SubjectTags["science fiction"] = struct{}{}

	require.NoError(t, s.PutEdition(ctx, e))

	got, ok, err := s.GetEdition(ctx, "9780441013593")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Dune", got.Title)
	assert.Equal(t, "9780000000000", got.RelatedISBNs["Hardcover"])
	_, hasTag := got.SubjectTags["science fiction"]
	assert.True(t, hasTag)
}

func TestGetEditionMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetEdition(t.Context(), "0000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	w := *model.NewWork("/works/OL1W")
	w.Title = "Dune"
	w.SubjectTags["science fiction"] = struct{}{}

	require.NoError(t, s.PutWork(ctx, w))

	got, ok, err := s.GetWork(ctx, "/works/OL1W")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Dune", got.Title)
}

func TestAuthorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	a := model.Author{AuthorKey: "/authors/OL1A", Name: "Frank Herbert", BirthYear: 1920}
	require.NoError(t, s.PutAuthor(ctx, a))

	got, ok, err := s.GetAuthor(ctx, "/authors/OL1A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Frank Herbert", got.Name)
	assert.Equal(t, 1920, got.BirthYear)
}

func TestFindWorkKeyByISBN(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	w := *model.NewWork("/works/OL2W")
	w.Title = "Dune"
	require.NoError(t, s.PutWork(ctx, w))

	e := *model.NewEdition("9780441013593")
	e.Title = "Dune"
	e.WorkKey = "/works/OL2W"
	require.NoError(t, s.PutEdition(ctx, e))

	key, ok, err := s.FindWorkKeyByISBN(ctx, "9780441013593")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/works/OL2W", key)
}

func TestFindWorkKeyByExactTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	w := *model.NewWork("/works/OL3W")
	w.Title = "Children of Dune"
	require.NoError(t, s.PutWork(ctx, w))

	key, ok, err := s.FindWorkKeyByExactTitle(ctx, "children of dune")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/works/OL3W", key)
}

func TestFindAuthorKeyByFuzzyName(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.PutAuthor(ctx, model.Author{AuthorKey: "/authors/OL4A", Name: "Frank Herbert"}))

	key, ok, err := s.FindAuthorKeyByFuzzyName(ctx, "Frank Herbertt", 0.7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/authors/OL4A", key)
}

func TestWriteLogAppendsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	entry := model.EnrichmentLogEntry{
		EntityType:    "edition",
		EntityKey:     "9780441013593",
		Provider:      "isbndb",
		Operation:     "create",
		Success:       true,
		FieldsUpdated: []string{"*"},
		CreatedAt:     time.Now(),
	}
	assert.NoError(t, s.WriteLog(ctx, entry))
}

func TestUpsertBackfillLogIsIdempotentOnYearMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertBackfillLog(ctx, 2020, 1, "processing", 20, 0, 0))
	require.NoError(t, s.UpsertBackfillLog(ctx, 2020, 1, "complete", 20, 18, 15))
}
