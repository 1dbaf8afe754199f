// Package cache provides the in-process K/V layer shared by the quota
// manager, the negative-ISBN cache, and the job-status store. It is
// grounded on the teacher's `cache[T]` abstraction over gocache+ristretto:
// the same library pairing, generalized from "cached HTTP response bytes"
// to "any namespaced K/V with TTL."
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	gostore "github.com/eko/gocache/lib/v4/store"
	ristrettostore "github.com/eko/gocache/store/ristretto/v4"
)

// Cache is a namespaced, TTL'd K/V store. Implementations must be safe for
// concurrent use. Unlike the teacher's read-through HTTP cache, callers here
// don't need remaining-TTL introspection -- expiry is enforced by the store,
// and presence is all the quota manager / negative cache / job store need.
// Get's error return is distinct from its hit bool: err is non-nil only for
// a genuine backend failure, never for a plain cache miss, so callers that
// must fail closed on a broken backend (spec.md §4.4's quota check) have
// something to fail closed on.
type Cache interface {
	Get(ctx context.Context, key string) (val []byte, hit bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string) error
}

type bytesCache struct {
	gc *gocache.Cache[[]byte]
}

var _ Cache = (*bytesCache)(nil)

// New builds a process-local cache sized for the enrichment engine's working
// set: negative-ISBN entries, quota counters, and job-status blobs are all
// small, so a modest ristretto instance is sufficient.
func New() (Cache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 27, // 128MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ristretto cache: %w", err)
	}

	store := ristrettostore.NewRistretto(r)
	gc := gocache.New[[]byte](store)

	return &bytesCache{gc: gc}, nil
}

// Get returns (nil, false, nil) for a plain miss and (nil, false, err) for a
// genuine backend failure. gocache/ristretto report a miss as a
// *gostore.NotFound error rather than a nil error with a zero value, so that
// has to be unwrapped here rather than at every caller.
func (c *bytesCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.gc.Get(ctx, key)
	if err != nil {
		var notFound *gostore.NotFound
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return v, true, nil
}

func (c *bytesCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	_ = c.gc.Set(ctx, key, val, gostore.WithExpiration(ttl))
}

func (c *bytesCache) Delete(ctx context.Context, key string) error {
	return c.gc.Delete(ctx, key)
}
