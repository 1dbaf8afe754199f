package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jukasdrj/alexandria-enrich/internal/providers/httpx"
)

func TestScopedTransportPinsHost(t *testing.T) {
	capture := &captureTransport{}
	rt := httpx.ScopedTransport{Host: "api.isbndb.com", RoundTripper: capture}

	req, err := http.NewRequest(http.MethodGet, "http://ignored.example/books/9780439064873", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.NoError(t, err)

	require.NotNil(t, capture.last)
	assert.Equal(t, "api.isbndb.com", capture.last.URL.Host)
	assert.Equal(t, "https", capture.last.URL.Scheme)
	assert.Equal(t, "/books/9780439064873", capture.last.URL.Path)
}

type captureTransport struct {
	last *http.Request
}

func (t *captureTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.last = r
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestHeaderTransportAddsHeaders(t *testing.T) {
	var seen http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	headers := http.Header{"Authorization": []string{"Bearer test-key"}}
	rt := httpx.HeaderTransport{Headers: headers, RoundTripper: http.DefaultTransport}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer test-key", seen.Get("Authorization"))
}

func TestThrottledTransportWaitsForToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	limiter := rate.NewLimiter(rate.Limit(100), 1)
	rt := httpx.ThrottledTransport{Limiter: limiter, RoundTripper: http.DefaultTransport}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, time.Since(start), time.Second)
}

func TestThrottledTransportBacksOffOn429(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	limiter := rate.NewLimiter(rate.Limit(100), 1)
	rt := httpx.ThrottledTransport{Limiter: limiter, RoundTripper: http.DefaultTransport}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.LessOrEqual(t, limiter.Limit(), rate.Limit(1.0/60.0+0.01))
}
