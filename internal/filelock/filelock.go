// Package filelock provides an advisory, cross-process exclusive lock on a
// file. Cooperating processes serialize on it; nothing else is prevented
// from touching the protected data.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("filelock: locked by another process")

const pollInterval = 25 * time.Millisecond

// Lock is an advisory lock backed by a lock file. The zero value is not
// usable; create it with New.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// TryLock acquires the lock without waiting.
func (l *Lock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return fmt.Errorf("filelock: %s already held by this process", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("filelock: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("filelock: open %s: %w", l.path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return err
	}
	l.f = f
	return nil
}

// Lock waits for the lock until ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := l.TryLock()
		if err == nil || !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("filelock: waiting for %s: %w", l.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
