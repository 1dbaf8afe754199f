// Package isbndb implements the ISBNdb resolver, metadata fetcher, batch
// fetcher, and variant fetcher (spec.md §4.1). Grounded on the teacher's
// HTTP-provider idiom (transport.go's throttled/scoped round trippers,
// here reused via internal/providers/httpx) and its GraphQL client's
// JSON-decode-into-struct style (internal/hardcover.go), adapted to
// ISBNdb's REST+JSON API.
package isbndb

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
	"github.com/jukasdrj/alexandria-enrich/internal/textsim"
)

const (
	Name     = "isbndb"
	host     = "api2.isbndb.com"
	pageSize = 20

	acceptThreshold = 0.45
)

// Client is the ISBNdb provider. It satisfies providers.Resolver,
// providers.MetadataFetcher, providers.BatchMetadataFetcher, and
// providers.VariantFetcher.
type Client struct {
	http    *http.Client
	baseURL string // scheme://host, override only for tests
}

var (
	_ providers.Resolver             = (*Client)(nil)
	_ providers.MetadataFetcher      = (*Client)(nil)
	_ providers.BatchMetadataFetcher = (*Client)(nil)
	_ providers.VariantFetcher       = (*Client)(nil)
)

// New builds a Client authenticated with apiKey, rate limited per
// spec.md §4.1 (3 req/s).
func New(apiKey string) *Client {
	headers := http.Header{"Authorization": []string{apiKey}}
	return &Client{
		http:    httpx.NewClient(host, httpx.ISBNdbLimiter, headers),
		baseURL: "https://" + host,
	}
}

// Name returns "isbndb".
func (c *Client) Name() string { return Name }

type searchResponse struct {
	Total int        `json:"total"`
	Books []bookJSON `json:"books"`
}

type bookJSON struct {
	ISBN13     string   `json:"isbn13"`
	ISBN       string   `json:"isbn"`
	Title      string   `json:"title"`
	TitleLong  string   `json:"title_long"`
	Authors    []string `json:"authors"`
	Publisher  string   `json:"publisher"`
	Date       string   `json:"date_published"`
	Pages      int      `json:"pages"`
	Binding    string   `json:"binding"`
	Language   string   `json:"language"`
	Image      string   `json:"image"`
	ImageOrig  string   `json:"image_original"`
	Subjects   []string `json:"subjects"`
	Dewey      string   `json:"dewey_decimal"`
	RelatedISBNs []relatedISBN `json:"related"`
}

type relatedISBN struct {
	ISBN   string `json:"isbn13"`
	Format string `json:"binding"`
}

type bookByISBNResponse struct {
	Book bookJSON `json:"book"`
}

// ResolveISBN searches ISBNdb for title/author and scores candidates per
// spec.md §4.1's exact formula, returning the best match. Never returns
// an error for a miss: HTTP 404 and sub-threshold matches both yield
// ResolveResult{Confidence: 0}. HTTP 401 returns apperr.ProviderConfiguration.
func (c *Client) ResolveISBN(ctx context.Context, title, author string) (providers.ResolveResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/books/%s?pageSize=%d", c.baseURL, url.PathEscape(title), pageSize), nil)
	if err != nil {
		return providers.ResolveResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return providers.ResolveResult{}, nil //nolint:nilerr // network error: not_found per spec.md §4.1
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return providers.ResolveResult{Source: Name}, nil
	case http.StatusUnauthorized:
		return providers.ResolveResult{}, &apperr.ProviderConfiguration{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	case http.StatusTooManyRequests, http.StatusForbidden:
		return providers.ResolveResult{Source: Name}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return providers.ResolveResult{Source: Name}, nil
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return providers.ResolveResult{Source: Name}, nil //nolint:nilerr // parse error: not_found per spec.md §4.1
	}

	best, bestScore := bestCandidate(title, author, "", "", parsed.Books)
	if best == nil || bestScore < acceptThreshold {
		return providers.ResolveResult{Source: Name}, nil
	}

	return providers.ResolveResult{
		ISBN:       best.ISBN13,
		Confidence: int(bestScore * 100),
		Source:     Name,
	}, nil
}

func bestCandidate(title, author, publisher, format string, candidates []bookJSON) (*bookJSON, float64) {
	var best *bookJSON
	bestScore := 0.0

	for i := range candidates {
		cand := &candidates[i]

		titleSim := textsim.TitleSimilarity(title, cand.Title)
		authorSim := textsim.BestAuthorSimilarity(author, cand.Authors)
		score := 0.7*titleSim + 0.3*authorSim

		if publisher != "" && strings.Contains(strings.ToLower(cand.Publisher), strings.ToLower(publisher)) {
			score += 0.10
		}
		if format != "" && strings.Contains(strings.ToLower(cand.Binding), strings.ToLower(format)) {
			score += 0.05
		}
		if score > 1.0 {
			score = 1.0
		}

		if score > bestScore {
			bestScore = score
			best = cand
		}
	}

	return best, bestScore
}

// FetchMetadata fetches a single ISBN's full record.
func (c *Client) FetchMetadata(ctx context.Context, isbn string) (model.Edition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/book/%s", c.baseURL, isbn), nil)
	if err != nil {
		return model.Edition{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return model.Edition{}, apperr.NotFound
	case http.StatusUnauthorized:
		return model.Edition{}, &apperr.ProviderConfiguration{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	case http.StatusTooManyRequests, http.StatusForbidden:
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.Edition{}, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}

	var parsed bookByISBNResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.Edition{}, fmt.Errorf("decoding isbndb book response: %w", err)
	}

	return toEdition(parsed.Book), nil
}

type batchRequestBody struct {
	ISBNs []string `json:"isbns"`
}

type batchResponse struct {
	Data []bookJSON `json:"data"`
}

// BatchFetchMetadata fetches many ISBNs in one call, returning only the
// ones ISBNdb actually has (spec.md §4.3's primary batch fetch).
func (c *Client) BatchFetchMetadata(ctx context.Context, isbns []string) (map[string]model.Edition, error) {
	body, err := json.Marshal(batchRequestBody{ISBNs: isbns})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/books", c.baseURL), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apperr.ProviderTransient{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &apperr.ProviderConfiguration{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	case http.StatusTooManyRequests, http.StatusForbidden:
		return nil, &apperr.ProviderTransient{Provider: Name, Err: apperr.StatusErr(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return map[string]model.Edition{}, nil
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding isbndb batch response: %w", err)
	}

	out := make(map[string]model.Edition, len(parsed.Data))
	for _, b := range parsed.Data {
		out[b.ISBN13] = toEdition(b)
	}
	return out, nil
}

// FetchEditionVariants returns sibling editions reported by ISBNdb's
// "related" field, used by the fan-out-merge variant orchestrator.
func (c *Client) FetchEditionVariants(ctx context.Context, isbn string) ([]model.Edition, error) {
	edition, err := c.FetchMetadata(ctx, isbn)
	if err != nil {
		return nil, err
	}

	variants := make([]model.Edition, 0, len(edition.RelatedISBNs))
	for format, relatedISBN := range edition.RelatedISBNs {
		v := model.NewEdition(relatedISBN)
		if format != relatedISBN {
			v.Format = format
		}
		variants = append(variants, *v)
	}
	return variants, nil
}

func toEdition(b bookJSON) model.Edition {
	isbn := b.ISBN13
	if isbn == "" {
		isbn = b.ISBN
	}

	e := model.NewEdition(isbn)
	e.Title = b.Title
	e.Authors = b.Authors
	if b.TitleLong != "" && b.TitleLong != b.Title {
		e.Subtitle = strings.TrimPrefix(b.TitleLong, b.Title)
	}
	e.Publisher = b.Publisher
	e.PublicationDate = b.Date
	e.PageCount = b.Pages
	e.Format = b.Binding
	e.Language = b.Language
	e.CoverOriginal = b.ImageOrig
	e.CoverLarge = b.Image
	e.CoverSource = Name
	e.PrimaryProvider = Name
	e.Contributors = []string{Name}

	for _, s := range b.Subjects {
		e.SubjectTags[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	if b.Dewey != "" {
		e.DeweyCodes[b.Dewey] = struct{}{}
	}
	for _, r := range b.RelatedISBNs {
		if r.ISBN == "" {
			continue
		}
		key := r.Format
		if key == "" {
			key = r.ISBN
		}
		if _, exists := e.RelatedISBNs[key]; !exists {
			e.RelatedISBNs[key] = r.ISBN
		}
	}

	e.QualityScore = qualityScore(b)
	e.CompletenessScore = completenessScore(b)

	return e
}

// qualityScore is a simple field-count heuristic: ISBNdb is generally a
// high-quality primary source, so a well-populated record starts near the
// top of the 0..100 band.
func qualityScore(b bookJSON) int {
	score := 40
	if b.Title != "" {
		score += 15
	}
	if b.Publisher != "" {
		score += 10
	}
	if b.Date != "" {
		score += 10
	}
	if len(b.Authors) > 0 {
		score += 15
	}
	if b.Image != "" || b.ImageOrig != "" {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func completenessScore(b bookJSON) int {
	fields := 0
	total := 8
	if b.Title != "" {
		fields++
	}
	if b.Publisher != "" {
		fields++
	}
	if b.Date != "" {
		fields++
	}
	if len(b.Authors) > 0 {
		fields++
	}
	if b.Pages > 0 {
		fields++
	}
	if b.Binding != "" {
		fields++
	}
	if b.Language != "" {
		fields++
	}
	if b.Image != "" || b.ImageOrig != "" {
		fields++
	}
	return int(float64(fields) / float64(total) * 100)
}
