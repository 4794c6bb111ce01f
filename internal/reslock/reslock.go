// Package reslock implements the Resource Registry & File Locks (C3): an
// advisory ownership map plus mandatory, TTL-bounded exclusive locks that
// sessions take before mutating a path.
package reslock

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// DefaultTTL is how long an acquired lock is held before it is eligible for
// lazy reaping, absent an explicit renewal.
const DefaultTTL = 10 * time.Minute

// Registry is the store-backed handle sessions and the Change-Plan Engine
// use to claim ownership of and lock paths.
type Registry struct {
	db *sql.DB
}

// New returns a Registry bound to db.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// SetOwner records advisory ownership of path by owner. Ownership does not
// block writers; it is metadata consumed by humans/monitors, not enforced.
func (r *Registry) SetOwner(path, owner, resourceType string) error {
	return store.Transact(r.db, func(tx *sql.Tx) error {
		return store.SetResourceOwnerTx(tx, path, owner, resourceType)
	})
}

// Owner returns the current owner of path, or nil if unowned.
func (r *Registry) Owner(path string) (*models.ResourceOwnership, error) {
	return store.GetResourceOwner(r.db, path)
}

// Acquire takes an exclusive lock on path for holderID with ttl (DefaultTTL
// if zero). Returns a *models.ResourceConflictError when a live lock is held
// by someone else — the orchestrator catches this and reschedules under the
// resource_conflict retry policy rather than treating it as a hard failure.
func (r *Registry) Acquire(path, holderID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var result models.LockResult
	var holder string
	err := store.Transact(r.db, func(tx *sql.Tx) error {
		res, err := store.AcquireFileLockTx(tx, path, holderID, ttl)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("acquire lock on %s: %w", path, err)
	}
	if result == models.LockResultConflict {
		lock, lerr := store.GetFileLock(r.db, path)
		if lerr == nil && lock != nil {
			holder = lock.HolderID
		}
		return &models.ResourceConflictError{Path: path, HolderID: holder, RequestedBy: holderID}
	}
	return nil
}

// AcquireAll locks every path in paths, or none. Paths are sorted
// lexicographically before acquisition — every caller taking multiple locks
// uses the same canonical order, so two sessions racing for overlapping
// path sets can never deadlock each other (classic lock-ordering discipline).
// On the first conflict, every lock acquired so far in this call is released.
func (r *Registry) AcquireAll(paths []string, holderID string, ttl time.Duration) error {
	ordered := append([]string(nil), paths...)
	sort.Strings(ordered)

	var acquired []string
	for _, p := range ordered {
		if err := r.Acquire(p, holderID, ttl); err != nil {
			for _, a := range acquired {
				_ = r.Release(a, holderID)
			}
			return err
		}
		acquired = append(acquired, p)
	}
	return nil
}

// Release releases path's lock if held by holderID. Releasing a lock you
// don't hold (already expired and reaped, or held by someone else) is a
// no-op, matching the tolerant-release convention used for task claims.
func (r *Registry) Release(path, holderID string) error {
	return store.Transact(r.db, func(tx *sql.Tx) error {
		return store.ReleaseFileLockTx(tx, path, holderID)
	})
}

// ReleaseAll releases every path in paths held by holderID, continuing past
// individual errors so one already-expired lock doesn't strand the rest.
func (r *Registry) ReleaseAll(paths []string, holderID string) error {
	var firstErr error
	for _, p := range paths {
		if err := r.Release(p, holderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReapExpired deletes every lock whose TTL has elapsed and returns the count
// reaped. It runs only when invoked (the `conductor lock reap` command);
// there is no background goroutine or scheduled caller. Acquire does not
// call it: AcquireFileLockTx itself treats an expired lock on the same path
// as free and overwrites it.
func (r *Registry) ReapExpired() (int64, error) {
	var n int64
	err := store.Transact(r.db, func(tx *sql.Tx) error {
		count, err := store.ReapExpiredFileLocksTx(tx)
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	return n, err
}

// Lock returns the current lock on path, or nil if unlocked or expired.
func (r *Registry) Lock(path string) (*models.FileLock, error) {
	lock, err := store.GetFileLock(r.db, path)
	if err != nil || lock == nil {
		return lock, err
	}
	if lock.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return lock, nil
}
