package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

func newLockService(t *testing.T) (*LockService, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewLockService(store.NewStateStore(t.TempDir())).WithClock(func() time.Time { return now })
	return svc, &now
}

func TestLockReentrancy(t *testing.T) {
	svc, now := newLockService(t)
	key := ProjectLockKey("shop", "staging")

	rec, err := svc.Acquire(key, "trace-a", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)

	rec, err = svc.Acquire(key, "trace-a", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)

	_, err = svc.Acquire(key, "trace-b", time.Minute, nil)
	require.Error(t, err)
	te := errors.As(err)
	require.NotNil(t, te)
	assert.Equal(t, errors.KindConflict, te.Kind)
	assert.Equal(t, "trace-a", te.Details["holder_trace_id"])

	// expiry frees the lock for the other holder
	*now = now.Add(2 * time.Minute)
	rec, err = svc.Acquire(key, "trace-b", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "trace-b", rec.TraceID)
	assert.Equal(t, 1, rec.Count)
}

func TestLockReleaseSemantics(t *testing.T) {
	svc, _ := newLockService(t)
	key := RepoLockKey("/srv/repo")

	_, err := svc.Acquire(key, "trace-a", time.Minute, nil)
	require.NoError(t, err)
	_, err = svc.Acquire(key, "trace-a", time.Minute, nil)
	require.NoError(t, err)

	released, err := svc.Release(key, "trace-a")
	require.NoError(t, err)
	assert.False(t, released, "count 2 -> 1 keeps the lock")

	// stale releaser is a no-op
	released, err = svc.Release(key, "trace-z")
	require.NoError(t, err)
	assert.False(t, released)
	rec, err := svc.Inspect(key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "trace-a", rec.TraceID)

	released, err = svc.Release(key, "trace-a")
	require.NoError(t, err)
	assert.True(t, released)

	rec, err = svc.Inspect(key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLockRefresh(t *testing.T) {
	svc, now := newLockService(t)
	key := ProjectLockKey("shop", "prod")

	first, err := svc.Acquire(key, "trace-a", time.Minute, nil)
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	refreshed, err := svc.Refresh(key, "trace-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, first.Count, refreshed.Count)

	_, err = svc.Refresh(key, "trace-b", time.Minute)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	_, err = svc.Refresh("gitops.lock.project:missing:x", "trace-a", time.Minute)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "gitops.lock.project:shop:staging", ProjectLockKey("shop", "staging"))
	key := RepoLockKey("/srv/repo")
	assert.Len(t, key, len("gitops.lock.repo:")+16)
	assert.Equal(t, key, RepoLockKey("/srv/repo"))
	assert.NotEqual(t, key, RepoLockKey("/srv/other"))
}
