// Package monthlock coordinates backfill-by-month exclusion using Postgres
// session-level advisory locks, so that at most one backfill job processes a
// given (year, month) at a time across however many worker processes are
// running (spec.md §4.5).
//
// Grounded on the teacher's pgxpool usage in internal/persist.go: a single
// *pgxpool.Pool held for the process lifetime, with one connection checked
// out per unit of coordinated work.
package monthlock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
)

// DefaultAcquireTimeout is the timeout AcquireMonthLock/WithMonthLock apply
// when the caller passes zero (spec.md §4.8's "default 10 s").
const DefaultAcquireTimeout = 10 * time.Second

// lockRetryInterval is how long AcquireMonthLock sleeps between
// pg_try_advisory_lock attempts while waiting out timeout.
const lockRetryInterval = 100 * time.Millisecond

// Lock holds the single pooled connection a session-level advisory lock is
// attached to. The lock is released, and the connection returned to the
// pool, by calling Release (or by WithMonthLock's deferred cleanup).
type Lock struct {
	conn        *pgxpool.Conn
	key         int64
	year, month int
}

// Coordinator acquires and releases month-scoped advisory locks against a
// shared pool.
type Coordinator struct {
	pool *pgxpool.Pool
}

// New creates a Coordinator backed by pool.
func New(pool *pgxpool.Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

// getMonthLockKey derives a stable bigint advisory-lock key from a
// (year, month) pair: year*100 + month, e.g. (1900,1)=190001,
// (2099,12)=209912 (spec.md §3, §8). year must be in [1900, 2099] and
// month in [1, 12]; out-of-range values are rejected rather than
// silently wrapped, since pg_advisory_lock happily accepts any int64
// and a wrapped key could collide with an unrelated month.
func getMonthLockKey(year, month int) (int64, error) {
	if year < 1900 || year > 2099 {
		return 0, apperr.NewValidation(fmt.Sprintf("year %d out of range [1900, 2099]", year), nil)
	}
	if month < 1 || month > 12 {
		return 0, apperr.NewValidation(fmt.Sprintf("month %d out of range [1, 12]", month), nil)
	}
	return int64(year)*100 + int64(month), nil
}

// AcquireMonthLock attempts to take the advisory lock for (year, month),
// retrying a non-blocking pg_try_advisory_lock every 100ms until it
// succeeds or timeout elapses (spec.md §4.8); timeout <= 0 means
// DefaultAcquireTimeout. ok is false if the lock is still held elsewhere
// when the timeout is reached. On success, the returned Lock must
// eventually be passed to Release.
func (c *Coordinator) AcquireMonthLock(ctx context.Context, year, month int, timeout time.Duration) (*Lock, bool, error) {
	key, err := getMonthLockKey(year, month)
	if err != nil {
		return nil, false, err
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		lock, got, err := c.tryAcquire(ctx, key, year, month)
		if err != nil || got {
			return lock, got, err
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// tryAcquire makes one non-blocking attempt at the lock.
func (c *Coordinator) tryAcquire(ctx context.Context, key int64, year, month int) (*Lock, bool, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, false, &apperr.Storage{Op: "monthlock.acquire_conn", Err: err}
	}

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, &apperr.Storage{Op: "monthlock.try_lock", Err: err}
	}

	if !got {
		conn.Release()
		return nil, false, nil
	}

	return &Lock{conn: conn, key: key, year: year, month: month}, true, nil
}

// Release unlocks l and returns its connection to the pool. Safe to call
// once; a nil Lock is a no-op.
func (c *Coordinator) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	defer l.conn.Release()

	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	if err != nil {
		return &apperr.Storage{Op: "monthlock.unlock", Err: err}
	}
	return nil
}

// WithMonthLock acquires the (year, month) advisory lock (waiting up to
// timeout, 0 meaning DefaultAcquireTimeout), runs fn, and releases the lock
// in a guaranteed-finalization block regardless of fn's outcome (spec.md
// §4.8). If the lock cannot be acquired within timeout, fn is never called
// and WithMonthLock returns an error carrying (year, month, timeout).
func (c *Coordinator) WithMonthLock(ctx context.Context, year, month int, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	lock, acquired, err := c.AcquireMonthLock(ctx, year, month, timeout)
	if err != nil {
		return err
	}
	if !acquired {
		if timeout <= 0 {
			timeout = DefaultAcquireTimeout
		}
		return fmt.Errorf("could not acquire advisory lock for %04d-%02d within %s", year, month, timeout)
	}
	defer func() {
		if relErr := c.Release(ctx, lock); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(ctx)
}

// IsMonthLocked reports whether (year, month) is currently held, without
// itself acquiring the lock. It uses pg_locks rather than a speculative
// try-lock/unlock so it never perturbs an in-progress backfill.
func (c *Coordinator) IsMonthLocked(ctx context.Context, year, month int) (bool, error) {
	key, err := getMonthLockKey(year, month)
	if err != nil {
		return false, err
	}

	var locked bool
	err = c.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND objid = $1 AND granted
		)`, key,
	).Scan(&locked)
	if err != nil {
		return false, &apperr.Storage{Op: "monthlock.is_locked", Err: err}
	}
	return locked, nil
}

// HeldMonth describes one currently-granted advisory lock in our namespace.
type HeldMonth struct {
	Year  int
	Month int
}

// minMonthLockKey and maxMonthLockKey bound the key space getMonthLockKey
// can produce: (1900,1)=190001 through (2099,12)=209912.
const (
	minMonthLockKey = int64(190001)
	maxMonthLockKey = int64(209912)
)

// ListAdvisoryLocks returns every (year, month) currently locked, for
// operational visibility (e.g. an admin "what backfills are running" view).
func (c *Coordinator) ListAdvisoryLocks(ctx context.Context) ([]HeldMonth, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT objid FROM pg_locks
		 WHERE locktype = 'advisory' AND granted AND objid BETWEEN $1 AND $2`,
		minMonthLockKey, maxMonthLockKey,
	)
	if err != nil {
		return nil, &apperr.Storage{Op: "monthlock.list", Err: err}
	}
	defer rows.Close()

	var held []HeldMonth
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, &apperr.Storage{Op: "monthlock.list_scan", Err: err}
		}
		held = append(held, HeldMonth{Year: int(key / 100), Month: int(key % 100)})
	}
	if err := rows.Err(); err != nil {
		return nil, &apperr.Storage{Op: "monthlock.list_rows", Err: err}
	}
	return held, nil
}
