package reslock

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
	}

	return db, cleanup
}

func TestAcquireGrantsExclusiveLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.Acquire("internal/store/tasks.go", "session-a", 0))

	lock, err := reg.Lock("internal/store/tasks.go")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "session-a", lock.HolderID)
}

func TestAcquireConflictsWithAnotherHolder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.Acquire("internal/store/tasks.go", "session-a", 0))

	err := reg.Acquire("internal/store/tasks.go", "session-b", 0)
	require.Error(t, err)

	var conflict *models.ResourceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "session-a", conflict.HolderID)
	assert.Equal(t, "session-b", conflict.RequestedBy)
}

func TestAcquireAllReleasesEverythingOnFirstConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.Acquire("b.go", "session-a", 0))

	err := reg.AcquireAll([]string{"a.go", "b.go", "c.go"}, "session-b", 0)
	require.Error(t, err)

	// a.go sorts before b.go so it was acquired first by session-b, then
	// released again once b.go conflicted.
	lockA, err := reg.Lock("a.go")
	require.NoError(t, err)
	assert.Nil(t, lockA)

	lockC, err := reg.Lock("c.go")
	require.NoError(t, err)
	assert.Nil(t, lockC)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.Acquire("a.go", "session-a", 0))

	require.NoError(t, reg.Release("a.go", "session-b"))

	lock, err := reg.Lock("a.go")
	require.NoError(t, err)
	require.NotNil(t, lock, "lock held by session-a must survive a release attempt by session-b")
}

func TestReapExpiredRemovesStaleLocks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.Acquire("a.go", "session-a", time.Millisecond))

	// Sleep past a whole second boundary: CURRENT_TIMESTAMP in the reap
	// query only has second resolution, so a sub-second TTL needs a
	// margin wider than the fractional remainder of "now".
	time.Sleep(1100 * time.Millisecond)

	n, err := reg.ReapExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lock, err := reg.Lock("a.go")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestSetOwnerAndOwner(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	reg := New(db)
	require.NoError(t, reg.SetOwner("internal/api/users.go", "team-api", "file"))

	owner, err := reg.Owner("internal/api/users.go")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "team-api", owner.Owner)
}
