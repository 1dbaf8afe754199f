package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
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
	assert.Equal(t, "archive-org", c.Name())
}

func TestFetchMetadataNotFoundWhenSearchEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {"docs": []}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchMetadata(context.Background(), "0000000000000")
	require.ErrorIs(t, err, apperr.NotFound)
}

func TestFetchMetadataUsesSearchThenMetadataEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/advancedsearch.php"):
			_, _ = w.Write([]byte(`{"response": {"docs": [{"identifier": "shining0000king"}]}}`))
		case strings.HasPrefix(r.URL.Path, "/metadata/"):
			_, _ = w.Write([]byte(`{"metadata": {
				"title": "The Shining",
				"description": "A horror novel by Stephen King.",
				"subject": ["Horror", "  Fiction  "],
				"openlibrary": "/works/OL1168007W"
			}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	e, err := c.FetchMetadata(context.Background(), "9780385121675")
	require.NoError(t, err)
	assert.Equal(t, "A horror novel by Stephen King.", e.Description)
	assert.Contains(t, e.SubjectTags, "horror")
	assert.Contains(t, e.SubjectTags, "fiction")
	assert.Equal(t, "/works/OL1168007W", e.WorkKey)
}

func TestResolveISBNReturnsFirstThirteenDigitISBN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {"docs": [
			{"isbn": ["038512167"]},
			{"isbn": ["9780385121675"]}
		]}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res, err := c.ResolveISBN(context.Background(), "The Shining", "Stephen King")
	require.NoError(t, err)
	assert.Equal(t, "9780385121675", res.ISBN)
	assert.Equal(t, 65, res.Confidence)
}

func TestResolveISBNReturnsEmptyOnMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {"docs": []}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res, err := c.ResolveISBN(context.Background(), "Nothing", "Nobody")
	require.NoError(t, err)
	assert.Empty(t, res.ISBN)
}
