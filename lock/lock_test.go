package lock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon/lock"
)

// flock locks belong to the open file description, so a second open
// of the same path in this process contends like another process
// would.

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	held, err := lock.Acquire(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, held.Path())

	_, err = lock.TryAcquire(path)
	require.ErrorIs(t, err, lock.ErrHeld)

	require.NoError(t, held.Release())

	again, err := lock.TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_RespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := lock.TryAcquire(path)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = lock.Acquire(ctx, path)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := lock.TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := lock.Acquire(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestRelease_Idempotent(t *testing.T) {
	l, err := lock.TryAcquire(filepath.Join(t.TempDir(), ".lock"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	var nilLock *lock.Lock
	require.NoError(t, nilLock.Release())
}

func TestRun_HoldsLockDuringCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	err := lock.Run(context.Background(), path, func(context.Context) error {
		_, err := lock.TryAcquire(path)
		assert.ErrorIs(t, err, lock.ErrHeld)
		return nil
	})
	require.NoError(t, err)

	l, err := lock.TryAcquire(path)
	require.NoError(t, err)
	l.Release()
}

func TestAcquire_MissingDirectory(t *testing.T) {
	_, err := lock.TryAcquire(filepath.Join(t.TempDir(), "missing", ".lock"))
	require.Error(t, err)
}
