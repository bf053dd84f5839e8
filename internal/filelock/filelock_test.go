//go:build unix

package filelock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	first := New(path)
	assert.Equal(t, path, first.Path())
	require.NoError(t, first.TryLock())

	// flock locks belong to the open file description, so a second Lock on
	// the same path conflicts even inside one process.
	second := New(path)
	require.ErrorIs(t, second.TryLock(), ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock(), "TryLock after unlock")
	second.Unlock()
}

func TestLockWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	holder := New(path)
	require.NoError(t, holder.TryLock())
	go func() {
		time.Sleep(60 * time.Millisecond)
		holder.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiter := New(path)
	require.NoError(t, waiter.Lock(ctx))
	waiter.Unlock()
}

func TestLockHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	holder := New(path)
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, New(path).Lock(ctx), context.DeadlineExceeded)
}

func TestUnlockWithoutLockIsNoop(t *testing.T) {
	assert.NoError(t, New(filepath.Join(t.TempDir(), "x.lock")).Unlock())
}
