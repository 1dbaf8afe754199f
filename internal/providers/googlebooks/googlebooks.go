// Package googlebooks implements the Google Books supplementary-evidence
// provider: category/subject enrichment by ISBN (spec.md §4.3.2). The
// client is registered unconditionally; the ENABLE_GOOGLE_BOOKS_ENRICHMENT
// setting is parsed into config but not consulted.
// Grounded on the teacher's REST-provider idiom, same as
// internal/providers/isbndb and internal/providers/openlibrary.
package googlebooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/httpx"
)

const (
	Name = "google-books"
	host = "www.googleapis.com"
)

// Client is the Google Books provider. It satisfies
// providers.MetadataFetcher, contributing only category tags: spec.md
// §4.3.2 uses it purely as supplementary evidence.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

var (
	_ providers.MetadataFetcher = (*Client)(nil)
	_ providers.Resolver        = (*Client)(nil)
)

// New builds a Client rate limited per spec.md §4.1 (1 req/s). apiKey may
// be empty: Google Books serves unauthenticated requests at a lower quota.
func New(apiKey string) *Client {
	return &Client{
		http:    httpx.NewClient(host, httpx.GoogleBooksLimiter, nil),
		baseURL: "https://" + host,
		apiKey:  apiKey,
	}
}

func (c *Client) Name() string { return Name }

type volumesResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []volume `json:"items"`
}

type volume struct {
	ID         string     `json:"id"`
	VolumeInfo volumeInfo `json:"volumeInfo"`
}

type volumeInfo struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Publisher     string   `json:"publisher"`
	PublishedDate string   `json:"publishedDate"`
	PageCount     int      `json:"pageCount"`
	Categories    []string `json:"categories"`
	Language      string   `json:"language"`
	IndustryIDs   []struct {
		Type       string `json:"type"`
		Identifier string `json:"identifier"`
	} `json:"industryIdentifiers"`
	ImageLinks struct {
		Thumbnail      string `json:"thumbnail"`
		SmallThumbnail string `json:"smallThumbnail"`
	} `json:"imageLinks"`
}

// FetchMetadata looks up a volume by ISBN and returns its categories as
// subject tags plus its Google Books volume ID, leaving primary fields
// (title, publisher, ...) to be filled by higher-quality providers.
func (c *Client) FetchMetadata(ctx context.Context, isbn string) (model.Edition, error) {
	q := url.Values{"q": {"isbn:" + isbn}}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/books/v1/volumes?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return model.Edition{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return model.Edition{}, &apperr.ProviderConfiguration{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	case http.StatusTooManyRequests, http.StatusForbidden:
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}

	var parsed volumesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.Edition{}, fmt.Errorf("decoding google books volumes response: %w", err)
	}
	if parsed.TotalItems == 0 || len(parsed.Items) == 0 {
		return model.Edition{}, apperr.NotFound
	}

	return toEdition(isbn, parsed.Items[0]), nil
}

// ResolveISBN searches Google Books by title/author and returns the first
// result's ISBN-13, if present among its industry identifiers. Like
// Archive.org and OpenLibrary, Google Books search doesn't produce a
// comparable relevance score, so a hit is reported at a fixed "medium"
// confidence (65).
func (c *Client) ResolveISBN(ctx context.Context, title, author string) (providers.ResolveResult, error) {
	q := url.Values{"q": {fmt.Sprintf("intitle:%s+inauthor:%s", title, author)}}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/books/v1/volumes?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return providers.ResolveResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return providers.ResolveResult{Source: Name}, nil //nolint:nilerr // network error: not_found per spec.md §4.1
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return providers.ResolveResult{}, &apperr.ProviderConfiguration{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return providers.ResolveResult{Source: Name}, nil
	}

	var parsed volumesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return providers.ResolveResult{Source: Name}, nil //nolint:nilerr // parse error: not_found per spec.md §4.1
	}

	for _, item := range parsed.Items {
		for _, id := range item.VolumeInfo.IndustryIDs {
			if id.Type == "ISBN_13" && id.Identifier != "" {
				return providers.ResolveResult{ISBN: id.Identifier, Confidence: 65, Source: Name}, nil
			}
		}
	}

	return providers.ResolveResult{Source: Name}, nil
}

func toEdition(isbn string, v volume) model.Edition {
	e := model.NewEdition(isbn)
	e.PrimaryProvider = Name
	e.Contributors = []string{Name}

	for _, cat := range v.VolumeInfo.Categories {
		for _, part := range strings.Split(cat, "/") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				e.SubjectTags[part] = struct{}{}
			}
		}
	}

	if v.ID != "" {
		e.GoogleBooksVolumeIDs = append(e.GoogleBooksVolumeIDs, v.ID)
	}

	if v.VolumeInfo.ImageLinks.Thumbnail != "" {
		e.CoverMedium = v.VolumeInfo.ImageLinks.Thumbnail
		e.CoverSource = Name
	}

	return e
}
