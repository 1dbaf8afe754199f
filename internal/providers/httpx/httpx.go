// Package httpx provides the HTTP transport building blocks shared by every
// provider client: per-provider rate limiting and host scoping. Adapted
// directly from the teacher's transport.go (throttledTransport,
// scopedTransport), generalized from a single upstream (Hardcover) to N
// independently rate-limited providers.
package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledTransport rate limits requests against limiter and, on a 429,
// temporarily slows the limiter the same way the teacher's transport backs
// off after a 403.
type ThrottledTransport struct {
	http.RoundTripper
	Limiter *rate.Limiter
}

// RoundTrip waits for a token, issues the request, and reacts to
// rate-limit responses by throttling future requests for a cooldown
// window.
func (t ThrottledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}

	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Default().Warn("backing off after 429", "host", r.URL.Host, "limit", t.Limiter.Limit())
		slow := rate.Every(time.Minute)
		if orig := t.Limiter.Limit(); orig != slow {
			t.Limiter.SetLimit(slow)
			time.AfterFunc(time.Minute, func() { t.Limiter.SetLimit(orig) })
		}
	}

	return resp, nil
}

// ScopedTransport pins every request's scheme/host to host, so provider
// clients built against a relative-path request builder can't accidentally
// leak a request to a different upstream.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip rewrites the request's scheme and host before delegating.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a fixed set of headers to every request (API keys,
// user agent), the generalization of the teacher's cookieTransport.
type HeaderTransport struct {
	Headers http.Header
	http.RoundTripper
}

// RoundTrip copies the configured headers onto r before delegating.
func (t HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	for k, values := range t.Headers {
		for _, v := range values {
			r.Header.Add(k, v)
		}
	}
	return t.RoundTripper.RoundTrip(r)
}

// Limits are the per-provider rate budgets from spec.md §4.1.
var (
	ISBNdbLimiter      = rate.NewLimiter(rate.Limit(3), 3)                 // 3 req/s
	OpenLibraryLimiter = rate.NewLimiter(rate.Every(3*time.Second), 1)     // 1 req/3s
	GoogleBooksLimiter = rate.NewLimiter(rate.Limit(1), 1)                 // 1 req/s, conservative
	WikidataLimiter    = rate.NewLimiter(rate.Limit(5), 5)                 // 5 req/s
	ArchiveLimiter     = rate.NewLimiter(rate.Every(2*time.Second), 1)     // 1 req/2s, scraping fallback
)

// NewClient builds an *http.Client scoped to host, rate limited by limiter,
// and carrying headers on every outbound request.
func NewClient(host string, limiter *rate.Limiter, headers http.Header) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport
	rt = ScopedTransport{Host: host, RoundTripper: rt}
	rt = HeaderTransport{Headers: headers, RoundTripper: rt}
	rt = ThrottledTransport{Limiter: limiter, RoundTripper: rt}

	return &http.Client{Transport: rt, Timeout: 15 * time.Second}
}
