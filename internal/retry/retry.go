// Package retry provides a small exponential-backoff helper for provider
// HTTP calls. Grounded on the teacher's throttledTransport (transport.go),
// which backs off a rate.Limiter after a 403; this package generalizes that
// single-status-code reaction into a general "retry transient, don't retry
// permanent" policy for spec.md §4.1's provider-call edge, leaving rate
// limiting itself to internal/providers/httpx.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
)

// Policy controls backoff shape. The zero value is not usable; use
// DefaultPolicy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches spec.md §4.1: 3 attempts, 1s base delay, exponential
// with full jitter, capped at 30s.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Retryable reports whether err (or an *apperr.StatusErr it wraps) should be
// retried. 4xx is permanent except 429 (rate limited, always retryable);
// everything else — network errors, 5xx, context deadline exceeded from the
// provider side — is retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.NotFound) {
		return false
	}

	var validation *apperr.Validation
	if errors.As(err, &validation) {
		return false
	}
	var cfgErr *apperr.ProviderConfiguration
	if errors.As(err, &cfgErr) {
		return false
	}

	var status apperr.StatusErr
	if errors.As(err, &status) {
		code := status.Status()
		if code == http.StatusTooManyRequests {
			return true
		}
		if code >= 400 && code < 500 {
			return false
		}
	}

	return true
}

// Do runs fn up to p.MaxAttempts times, sleeping with exponential backoff
// and full jitter between attempts, stopping early if fn's error is not
// Retryable or ctx is done. It returns the last error seen.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func backoffDelay(p Policy, attempt int) time.Duration {
	base := p.BaseDelay << (attempt - 1)
	if base > p.MaxDelay {
		base = p.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(base) + 1))
}
