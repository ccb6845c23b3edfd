package webdav

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetool-dav/internal/config"
)

func newTestPersistence(t *testing.T) *LockPersistence {
	t.Helper()
	lp, err := NewLockPersistence(filepath.Join(t.TempDir(), "nested", "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lp.Close() })
	return lp
}

func TestLockPersistence_SaveLoadDelete(t *testing.T) {
	lp := newTestPersistence(t)

	lock := &LockedObject{
		ID:        "lock-1",
		Path:      "/a",
		Scope:     LockScopeShared,
		Type:      LockTypeWrite,
		Depth:     DepthInfinity,
		Owners:    []string{"alice", "bob"},
		Timeout:   time.Minute,
		CreatedAt: testNow,
		ExpiresAt: testNow.Add(time.Minute),
	}
	require.NoError(t, lp.SaveLock(lock))

	// 临时锁不落盘
	require.NoError(t, lp.SaveLock(&LockedObject{ID: "tmp", Path: "/b", Temporary: true}))

	locks, err := lp.LoadAllLocks(testNow)
	require.NoError(t, err)
	require.Len(t, locks, 1)

	loaded := locks[0]
	assert.Equal(t, lock.ID, loaded.ID)
	assert.Equal(t, lock.Path, loaded.Path)
	assert.Equal(t, lock.Scope, loaded.Scope)
	assert.Equal(t, lock.Depth, loaded.Depth)
	assert.Equal(t, lock.Owners, loaded.Owners)
	assert.Equal(t, lock.Timeout, loaded.Timeout)
	assert.True(t, lock.ExpiresAt.Equal(loaded.ExpiresAt))

	// 覆盖写入
	lock.Owners = []string{"bob"}
	require.NoError(t, lp.SaveLock(lock))
	locks, err = lp.LoadAllLocks(testNow)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, []string{"bob"}, locks[0].Owners)

	require.NoError(t, lp.DeleteLock(lock.ID))
	locks, err = lp.LoadAllLocks(testNow)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestLockPersistence_CleanExpiredLocks(t *testing.T) {
	lp := newTestPersistence(t)

	require.NoError(t, lp.SaveLock(&LockedObject{
		ID: "old", Path: "/old", Scope: LockScopeExclusive, Type: LockTypeWrite,
		Owners: []string{"alice"}, Timeout: time.Minute,
		CreatedAt: testNow, ExpiresAt: testNow.Add(time.Minute),
	}))
	require.NoError(t, lp.SaveLock(&LockedObject{
		ID: "new", Path: "/new", Scope: LockScopeExclusive, Type: LockTypeWrite,
		Owners: []string{"alice"}, Timeout: time.Hour,
		CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour),
	}))

	later := testNow.Add(10 * time.Minute)
	locks, err := lp.LoadAllLocks(later)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "new", locks[0].ID)

	cleaned, err := lp.CleanExpiredLocks(later)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	stats, err := lp.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalLocks)
}

func TestLockManager_PersistenceRestore(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.LockConfig{
		DefaultTimeout: time.Hour,
		MaxTimeout:     2 * time.Hour,
		Persistence: config.PersistenceConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "locks.db"),
		},
	}

	lm, err := NewLockManagerWithConfig(cfg, logger)
	require.NoError(t, err)

	kept, err := lm.LockResource(nil, "/a", "alice", true, DepthInfinity, 0, false)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, kept.Timeout)

	_, err = lm.LockResource(nil, "/tmp", "walker", false, 0, time.Minute, true)
	require.NoError(t, err)

	released, err := lm.LockResource(nil, "/b", "bob", false, 0, time.Minute, false)
	require.NoError(t, err)
	require.True(t, lm.Unlock(nil, released.ID, "bob"))

	stats, err := lm.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PersistedLocks)
	require.NoError(t, lm.Close())

	restored, err := NewLockManagerWithConfig(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { restored.Close() })

	locks := restored.GetAllLocks()
	require.Len(t, locks, 1)
	assert.Equal(t, kept.ID, locks[0].ID)
	assert.Equal(t, []string{"alice"}, locks[0].Owners)

	_, err = restored.LockResource(nil, "/a/b", "bob", false, 0, time.Minute, false)
	assert.ErrorIs(t, err, ErrLocked)
}
