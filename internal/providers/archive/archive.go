// Package archive implements the Archive.org supplementary-evidence
// provider: work description, subject tags, and the OpenLibrary work id
// it cross-references (spec.md §4.2's three-way work merge prefers Archive
// descriptions and OpenLibrary work ids when present). Primary lookup goes
// through Archive's advancedsearch + metadata JSON APIs; when an item's
// metadata record carries no description, a details-page scrape fills the
// gap, grounded on the teacher's use of antchfx/htmlquery for HTML
// scraping (the teacher's own Goodreads-scraping code in internal/gr.go).
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/httpx"
)

const (
	Name = "archive-org"
	host = "archive.org"
)

// Client is the Archive.org provider. It satisfies providers.MetadataFetcher.
type Client struct {
	http    *http.Client
	baseURL string
}

var (
	_ providers.MetadataFetcher = (*Client)(nil)
	_ providers.Resolver        = (*Client)(nil)
)

// New builds a Client rate limited per spec.md §4.1 (1 req/2s).
func New() *Client {
	return &Client{
		http:    httpx.NewClient(host, httpx.ArchiveLimiter, nil),
		baseURL: "https://" + host,
	}
}

func (c *Client) Name() string { return Name }

type searchResponse struct {
	Response struct {
		Docs []searchDoc `json:"docs"`
	} `json:"response"`
}

type searchDoc struct {
	Identifier string `json:"identifier"`
}

type metadataResponse struct {
	Metadata struct {
		Title         string   `json:"title"`
		Description   any      `json:"description"` // string or []string depending on item
		Subject       []string `json:"subject"`
		OpenLibrary   string   `json:"openlibrary"`
		OpenLibraryEd string   `json:"openlibrary_edition"`
	} `json:"metadata"`
}

// FetchMetadata finds an Archive.org item matching isbn and returns its
// description, subject tags, and cross-referenced OpenLibrary work id.
func (c *Client) FetchMetadata(ctx context.Context, isbn string) (model.Edition, error) {
	identifier, err := c.searchByISBN(ctx, isbn)
	if err != nil {
		return model.Edition{}, err
	}
	if identifier == "" {
		return model.Edition{}, apperr.NotFound
	}

	meta, err := c.fetchItemMetadata(ctx, identifier)
	if err != nil {
		return model.Edition{}, err
	}

	desc := flattenDescription(meta.Metadata.Description)
	if desc == "" {
		// The metadata API sometimes omits description entirely; the
		// details page usually still renders one.
		desc, _ = c.scrapeDescription(ctx, identifier)
	}

	e := model.NewEdition(isbn)
	e.PrimaryProvider = Name
	e.Contributors = []string{Name}
	e.WorkKey = meta.Metadata.OpenLibrary
	for _, s := range meta.Metadata.Subject {
		e.SubjectTags[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	if desc != "" {
		e.Description = truncate(desc, 2000)
	}

	return e, nil
}

// ResolveISBN searches Archive.org by title/creator and returns the first
// candidate's ISBN-13 external identifier, if any. Archive's search
// doesn't score relevance the way ISBNdb does, so a hit is reported at a
// fixed "medium" confidence (65), matching the convention used by
// internal/providers/openlibrary for the same reason.
func (c *Client) ResolveISBN(ctx context.Context, title, author string) (providers.ResolveResult, error) {
	q := url.Values{
		"q":      {fmt.Sprintf("title:(%s) AND creator:(%s)", title, author)},
		"fl[]":   {"identifier", "isbn"},
		"output": {"json"},
		"rows":   {"5"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/advancedsearch.php?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return providers.ResolveResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return providers.ResolveResult{Source: Name}, nil //nolint:nilerr // network error: not_found per spec.md §4.1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.ResolveResult{Source: Name}, nil
	}

	var parsed struct {
		Response struct {
			Docs []struct {
				ISBN []string `json:"isbn"`
			} `json:"docs"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return providers.ResolveResult{Source: Name}, nil //nolint:nilerr // parse error: not_found per spec.md §4.1
	}

	for _, doc := range parsed.Response.Docs {
		if len(doc.ISBN) == 0 {
			continue
		}
		for _, isbn := range doc.ISBN {
			if len(isbn) == 13 {
				return providers.ResolveResult{ISBN: isbn, Confidence: 65, Source: Name}, nil
			}
		}
	}

	return providers.ResolveResult{Source: Name}, nil
}

func (c *Client) searchByISBN(ctx context.Context, isbn string) (string, error) {
	q := url.Values{
		"q":      {"isbn:" + isbn},
		"fl[]":   {"identifier"},
		"output": {"json"},
		"rows":   {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/advancedsearch.php?%s", c.baseURL, q.Encode()), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &apperr.ProviderTransient{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return "", &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding archive.org search response: %w", err)
	}
	if len(parsed.Response.Docs) == 0 {
		return "", nil
	}
	return parsed.Response.Docs[0].Identifier, nil
}

func (c *Client) fetchItemMetadata(ctx context.Context, identifier string) (metadataResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/metadata/%s", c.baseURL, identifier), nil)
	if err != nil {
		return metadataResponse{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return metadataResponse{}, &apperr.ProviderTransient{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metadataResponse{}, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}

	var parsed metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return metadataResponse{}, fmt.Errorf("decoding archive.org metadata response: %w", err)
	}
	return parsed, nil
}

// scrapeDescription falls back to the item's details page when the
// metadata API's description field is empty, pulling the first paragraph
// out of the page's description block.
func (c *Client) scrapeDescription(ctx context.Context, identifier string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/details/%s", c.baseURL, identifier), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.StatusErr(resp.StatusCode)
	}

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return "", err
	}

	node := htmlquery.FindOne(doc, "//div[@class='item-description-text']")
	if node == nil {
		return "", nil
	}
	return strings.TrimSpace(htmlquery.InnerText(node)), nil
}

func flattenDescription(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case []any:
		parts := make([]string, 0, len(d))
		for _, p := range d {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
