// Package quota implements the daily ISBNdb budget: an optimistic,
// fail-closed counter backed by the same K/V cache the teacher uses for its
// read-through HTTP cache, repurposed here as a tiny durable-enough counter
// store (spec.md §4.4, §5).
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/cache"
)

const (
	// DailyLimit is ISBNdb's advertised daily call budget.
	DailyLimit = 15_000
	// SafetyBuffer is reserved so we never actually hit the hard provider
	// limit.
	SafetyBuffer = 2_000
	// EffectiveLimit is the budget CheckQuota enforces.
	EffectiveLimit = DailyLimit - SafetyBuffer

	callsKey = "isbndb_daily_calls"
	resetKey = "isbndb_quota_last_reset"
)

// OperationKind selects the policy overlay ShouldAllowOperation applies on
// top of the base CheckQuota result.
type OperationKind string

const (
	OperationCron       OperationKind = "cron"
	OperationBulkAuthor OperationKind = "bulk_author"
	OperationDefault    OperationKind = ""
)

// Status is the outcome of a quota check. Callers branch on it; they never
// catch an exception for quota exhaustion (spec.md §9 design note).
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusDenied  Status = "denied"
	StatusKVError Status = "kv_error"
)

// CheckResult is returned by CheckQuota and ShouldAllowOperation.
type CheckResult struct {
	Allowed Status
	Reason  string
}

func (r CheckResult) ok() bool { return r.Allowed == StatusAllowed }

// Snapshot is returned by GetQuotaStatus.
type Snapshot struct {
	UsedToday       int
	Remaining       int
	Limit           int
	LastReset       string
	HoursToReset    float64
	BufferRemaining int
	CanMakeCalls    bool
}

// Manager owns the daily ISBNdb counter. It is safe for concurrent use; the
// underlying cache provides atomicity for individual Get/Set calls, and the
// safety buffer absorbs races between concurrent reservations (spec.md §4.4
// "Concurrency note" -- no distributed lock).
type Manager struct {
	mu    sync.Mutex
	cache cache.Cache
	now   func() time.Time
}

// New creates a quota Manager backed by c.
func New(c cache.Cache) *Manager {
	return &Manager{cache: c, now: time.Now}
}

// EnsureDailyReset zeroes the counter if the stored reset date differs from
// today (UTC). All quota checks call this first (invariant 9).
func (m *Manager) EnsureDailyReset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureDailyResetLocked(ctx)
}

func (m *Manager) ensureDailyResetLocked(ctx context.Context) error {
	today := m.now().UTC().Format(time.DateOnly)

	stored, ok, err := m.cache.Get(ctx, resetKey)
	if err != nil {
		return fmt.Errorf("checking quota reset marker: %w", err)
	}
	if ok && string(stored) == today {
		return nil
	}

	m.cache.Set(ctx, callsKey, []byte("0"), 48*time.Hour)
	m.cache.Set(ctx, resetKey, []byte(today), 48*time.Hour)
	return nil
}

// CheckQuota reports whether n additional calls fit within the effective
// daily limit. If reserve is true and the calls are allowed, the reservation
// is written atomically (read-modify-write on one key) before returning.
//
// CheckQuota fails closed: any cache error denies the request rather than
// risking an over-budget call to ISBNdb.
func (m *Manager) CheckQuota(ctx context.Context, n int, reserve bool) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDailyResetLocked(ctx); err != nil {
		return CheckResult{Allowed: StatusKVError, Reason: "reset failed"}, err
	}

	used, err := m.usedLocked(ctx)
	if err != nil {
		return CheckResult{Allowed: StatusKVError, Reason: "read failed"}, err
	}

	if used+n > EffectiveLimit {
		return CheckResult{
			Allowed: StatusDenied,
			Reason:  fmt.Sprintf("used=%d n=%d would exceed effective limit %d", used, n, EffectiveLimit),
		}, nil
	}

	if reserve {
		m.cache.Set(ctx, callsKey, []byte(strconv.Itoa(used+n)), 48*time.Hour)
	}

	return CheckResult{Allowed: StatusAllowed}, nil
}

// RecordAPICall increments the counter by n. It never returns an error to
// the caller; failures are swallowed because call accounting is best-effort
// once the call has already happened.
func (m *Manager) RecordAPICall(ctx context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDailyResetLocked(ctx); err != nil {
		return
	}
	used, err := m.usedLocked(ctx)
	if err != nil {
		return
	}
	m.cache.Set(ctx, callsKey, []byte(strconv.Itoa(used+n)), 48*time.Hour)
}

func (m *Manager) usedLocked(ctx context.Context) (int, error) {
	raw, ok, err := m.cache.Get(ctx, callsKey)
	if err != nil {
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	used, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing quota counter: %w", err)
	}
	return used, nil
}

// GetQuotaStatus returns a point-in-time snapshot of the daily budget.
func (m *Manager) GetQuotaStatus(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDailyResetLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	used, err := m.usedLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	remaining := EffectiveLimit - used
	if remaining < 0 {
		remaining = 0
	}
	bufferRemaining := DailyLimit - used - SafetyBuffer
	if bufferRemaining < 0 {
		bufferRemaining = 0
	}

	resetRaw, _, _ := m.cache.Get(ctx, resetKey)
	lastReset := string(resetRaw)

	now := m.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	return Snapshot{
		UsedToday:       used,
		Remaining:       remaining,
		Limit:           EffectiveLimit,
		LastReset:       lastReset,
		HoursToReset:    midnight.Sub(now).Hours(),
		BufferRemaining: bufferRemaining,
		CanMakeCalls:    remaining > 0,
	}, nil
}

// ShouldAllowOperation layers operational policy on top of CheckQuota per
// spec.md §4.4: cron jobs require double the buffer so a backfill run
// doesn't starve interactive push-path enrichment; bulk author jobs are
// capped at 100 per call regardless of remaining budget.
func (m *Manager) ShouldAllowOperation(ctx context.Context, kind OperationKind, n int) (CheckResult, error) {
	switch kind {
	case OperationBulkAuthor:
		if n > 100 {
			return CheckResult{Allowed: StatusDenied, Reason: "bulk_author requests are capped at 100"}, nil
		}
	case OperationCron:
		snap, err := m.GetQuotaStatus(ctx)
		if err != nil {
			return CheckResult{Allowed: StatusKVError, Reason: "snapshot failed"}, err
		}
		if snap.BufferRemaining < 2*n {
			return CheckResult{
				Allowed: StatusDenied,
				Reason:  fmt.Sprintf("cron requires buffer_remaining >= %d, have %d", 2*n, snap.BufferRemaining),
			}, nil
		}
	}

	return m.CheckQuota(ctx, n, true)
}

// AsError converts a denied CheckResult into an apperr.QuotaExhausted. A
// KV-error result is not converted here -- callers should treat it as an
// infrastructure failure, not a quota decision.
func AsError(r CheckResult) error {
	if r.ok() {
		return nil
	}
	if r.Allowed == StatusKVError {
		return errors.New("quota check failed: kv error")
	}
	return &apperr.QuotaExhausted{Reason: r.Reason}
}
