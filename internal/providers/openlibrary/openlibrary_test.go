package openlibrary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
)

func newTestClient(srv *httptest.Server) *Client {
	return &Client{http: srv.Client(), baseURL: srv.URL}
}

func TestName(t *testing.T) {
	c := New()
	assert.Equal(t, "openlibrary", c.Name())
}

func TestFetchMetadataNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchMetadata(context.Background(), "9780439064873")
	require.ErrorIs(t, err, apperr.NotFound)
}

func TestFetchMetadataDecodesSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"title": "Harry Potter and the Chamber of Secrets",
			"subtitle": "",
			"publish_date": "1999",
			"number_of_pages": 341,
			"languages": [{"key": "/languages/eng"}],
			"covers": [12345],
			"works": [{"key": "/works/OL82586W"}],
			"subjects": ["Fantasy", "  Fiction  "],
			"key": "/books/OL1234567M"
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	e, err := c.FetchMetadata(context.Background(), "9780439064873")
	require.NoError(t, err)

	assert.Equal(t, "9780439064873", e.ISBN)
	assert.Equal(t, "Harry Potter and the Chamber of Secrets", e.Title)
	assert.Equal(t, "1999", e.PublicationDate)
	assert.Equal(t, 341, e.PageCount)
	assert.Equal(t, "eng", e.Language)
	assert.Equal(t, "/works/OL82586W", e.WorkKey)
	assert.Equal(t, "/books/OL1234567M", e.OpenLibraryEditionID)
	assert.Contains(t, e.SubjectTags, "fantasy")
	assert.Contains(t, e.SubjectTags, "fiction")
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-L.jpg", e.CoverLarge)
	assert.Equal(t, "openlibrary", e.CoverSource)
	assert.Equal(t, "openlibrary", e.PrimaryProvider)
	assert.Greater(t, e.QualityScore, 0)
	assert.Greater(t, e.CompletenessScore, 0)
}

func TestFetchCoverReturnsNotFoundWithoutCoverID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title": "No Cover Book"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchCover(context.Background(), "9780000000000")
	require.ErrorIs(t, err, apperr.NotFound)
}

func TestFetchCoverReturnsLargeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title": "Has Cover", "covers": [99]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	url, err := c.FetchCover(context.Background(), "9780000000001")
	require.NoError(t, err)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/99-L.jpg", url)
}

func TestResolveISBNReturnsFirstCandidateWithISBN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"docs": [
			{"title": "No ISBN Here"},
			{"title": "The Shining", "isbn": ["9780385121675"]}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res, err := c.ResolveISBN(context.Background(), "The Shining", "Stephen King")
	require.NoError(t, err)
	assert.Equal(t, "9780385121675", res.ISBN)
	assert.Equal(t, 65, res.Confidence)
	assert.Equal(t, "openlibrary", res.Source)
}

func TestResolveISBNReturnsEmptyResultOnMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"docs": []}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res, err := c.ResolveISBN(context.Background(), "Nothing", "Nobody")
	require.NoError(t, err)
	assert.Empty(t, res.ISBN)
}

func TestResolveISBNConfigurationErrorOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.ResolveISBN(context.Background(), "Anything", "Anyone")
	require.Error(t, err)

	var cfgErr *apperr.ProviderConfiguration
	assert.ErrorAs(t, err, &cfgErr)
}
