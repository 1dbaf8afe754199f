package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/cache"
)

func TestSetGetDelete(t *testing.T) {
	t.Parallel()

	c, err := cache.New()
	require.NoError(t, err)

	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)

	// ristretto's set is asynchronous; poll briefly for visibility.
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	var hit bool
	for time.Now().Before(deadline) {
		got, hit, err = c.Get(ctx, "k")
		require.NoError(t, err)
		if hit {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, hit)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
}
