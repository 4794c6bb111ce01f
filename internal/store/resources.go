package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/conductor/internal/models"
)

// SetResourceOwnerTx records (or reassigns) the advisory owner of a path.
// Ownership is informational: it does not block writers, unlike FileLock.
func SetResourceOwnerTx(tx *sql.Tx, path, owner, resourceType string) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO resource_ownership (path, owner, resource_type, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET owner = excluded.owner, resource_type = excluded.resource_type
	`, path, owner, resourceType)
	if err != nil {
		return fmt.Errorf("failed to set resource owner: %w", err)
	}
	return nil
}

// GetResourceOwner returns the current owner of path, or nil if unowned.
func GetResourceOwner(db *sql.DB, path string) (*models.ResourceOwnership, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT path, owner, resource_type, created_at FROM resource_ownership WHERE path = ?
	`, path)
	var r models.ResourceOwnership
	err := row.Scan(&r.Path, &r.Owner, &r.ResourceType, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resource owner: %w", err)
	}
	return &r, nil
}

// AcquireFileLockTx attempts to take an exclusive, TTL-bounded lock on path.
// Expired locks are reaped lazily: if the existing row's expires_at has
// passed, this call treats the path as free and overwrites it. Returns
// models.LockResultConflict (not an error) when a live lock blocks the
// caller, so callers can distinguish "try later" from an operational failure.
func AcquireFileLockTx(tx *sql.Tx, path, holderID string, ttl time.Duration) (models.LockResult, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	var existingHolder string
	var existingExpiry time.Time
	err := tx.QueryRowContext(context.Background(), `
		SELECT holder_id, expires_at FROM file_locks WHERE path = ?
	`, path).Scan(&existingHolder, &existingExpiry)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free; fall through to insert
	case err != nil:
		return "", fmt.Errorf("failed to check existing lock: %w", err)
	case existingExpiry.After(now) && existingHolder != holderID:
		return models.LockResultConflict, nil
	}

	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO file_locks (path, holder_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
	`, path, holderID, now, expiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return models.LockResultOK, nil
}

// ReleaseFileLockTx releases path's lock if held by holderID. No-op
// (and not an error) if the lock is already gone or held by someone else,
// matching the teacher's tolerant-release convention in ReleaseExpiredClaims.
func ReleaseFileLockTx(tx *sql.Tx, path, holderID string) error {
	_, err := tx.ExecContext(context.Background(), `DELETE FROM file_locks WHERE path = ? AND holder_id = ?`, path, holderID)
	if err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	return nil
}

// ReapExpiredFileLocksTx deletes every lock whose TTL has elapsed and
// returns how many were reaped, mirroring ReleaseExpiredClaims for tasks.
func ReapExpiredFileLocksTx(tx *sql.Tx) (int64, error) {
	result, err := tx.ExecContext(context.Background(), `DELETE FROM file_locks WHERE expires_at < CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired file locks: %w", err)
	}
	return result.RowsAffected()
}

// GetFileLock returns the current lock on path, or nil if unlocked.
func GetFileLock(db *sql.DB, path string) (*models.FileLock, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT path, holder_id, acquired_at, expires_at FROM file_locks WHERE path = ?
	`, path)
	var l models.FileLock
	err := row.Scan(&l.Path, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file lock: %w", err)
	}
	return &l, nil
}
