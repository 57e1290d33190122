package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	l := newInstanceLock()
	require.False(t, l.isHeld())

	require.NoError(t, l.acquire("first", time.Millisecond))
	require.True(t, l.isHeld())

	l.release()
	require.False(t, l.isHeld())

	// Releasing an unheld lock is harmless.
	l.release()
	require.NoError(t, l.acquire("second", time.Millisecond))
	l.release()
}

func TestLockContention(t *testing.T) {
	l := newInstanceLock()
	require.NoError(t, l.acquire("writer-a", time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.acquire("writer-b", 20*time.Millisecond)
	}()

	err := <-errCh
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Contains(t, err.Error(), `"writer-a"`)

	// Once the holder releases, a blocked acquirer gets through.
	done := make(chan error, 1)
	go func() {
		done <- l.acquire("writer-c", time.Second)
	}()
	time.Sleep(5 * time.Millisecond)
	l.release()
	require.NoError(t, <-done)
	require.True(t, l.isHeld())
	l.release()
}

func TestLockForIdIsSharedPerStoreId(t *testing.T) {
	a := lockForId("/checkpoints/x/0")
	b := lockForId("/checkpoints/x/0")
	c := lockForId("/checkpoints/x/1")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
}

func TestLockTryAcquire(t *testing.T) {
	l := newInstanceLock()
	require.True(t, l.tryAcquire("maintenance"))
	require.False(t, l.tryAcquire("maintenance"))
	l.release()
	require.True(t, l.tryAcquire("maintenance"))
	l.release()
}
