package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/cache"
	"github.com/jukasdrj/alexandria-enrich/internal/quota"
)

func newManager(t *testing.T) *quota.Manager {
	t.Helper()
	c, err := cache.New()
	require.NoError(t, err)
	return quota.New(c)
}

// brokenCache always reports a genuine backend error from Get, simulating a
// K/V outage so CheckQuota's fail-closed path (spec.md §4.4) is reachable.
type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("simulated k/v outage")
}
func (brokenCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {}
func (brokenCache) Delete(ctx context.Context, key string) error                       { return nil }

var _ cache.Cache = brokenCache{}

func TestCheckQuotaAllowsWithinBudget(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	res, err := m.CheckQuota(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, quota.StatusAllowed, res.Allowed)

	snap, err := m.GetQuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.UsedToday)
}

func TestCheckQuotaDeniesOverBudget(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	res, err := m.CheckQuota(ctx, quota.EffectiveLimit+1, true)
	require.NoError(t, err)
	assert.Equal(t, quota.StatusDenied, res.Allowed)

	snap, err := m.GetQuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.UsedToday, "a denied reservation must not be written")
}

func TestRecordAPICallAccumulates(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	m.RecordAPICall(ctx, 5)
	m.RecordAPICall(ctx, 3)

	snap, err := m.GetQuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.UsedToday)
}

func TestShouldAllowOperationBulkAuthorCap(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	res, err := m.ShouldAllowOperation(ctx, quota.OperationBulkAuthor, 150)
	require.NoError(t, err)
	assert.Equal(t, quota.StatusDenied, res.Allowed)
}

func TestShouldAllowOperationCronRequiresDoubleBuffer(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	// Consume budget down to just under what a cron request of 1000 would need.
	used := quota.DailyLimit - quota.SafetyBuffer - 1500
	_, err := m.CheckQuota(ctx, used, true)
	require.NoError(t, err)

	res, err := m.ShouldAllowOperation(ctx, quota.OperationCron, 1000)
	require.NoError(t, err)
	assert.Equal(t, quota.StatusDenied, res.Allowed)
}

func TestAsError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, quota.AsError(quota.CheckResult{Allowed: quota.StatusAllowed}))

	err := quota.AsError(quota.CheckResult{Allowed: quota.StatusDenied, Reason: "over budget"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "over budget")
}

func TestCheckQuotaFailsClosedOnCacheError(t *testing.T) {
	t.Parallel()
	m := quota.New(brokenCache{})
	ctx := context.Background()

	res, err := m.CheckQuota(ctx, 1, true)
	require.Error(t, err)
	assert.Equal(t, quota.StatusKVError, res.Allowed)
	assert.Error(t, quota.AsError(res))
}

func TestEnsureDailyResetIsIdempotent(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := context.Background()

	m.RecordAPICall(ctx, 42)
	require.NoError(t, m.EnsureDailyReset(ctx))

	snap, err := m.GetQuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, snap.UsedToday, "a same-day reset must not clear the counter")
}
