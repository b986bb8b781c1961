//go:build !windows

package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("file is locked")

type fileLock struct {
	f *os.File
}

// LockFile acquires an exclusive advisory lock on the named file, creating it
// if needed. The lock is released by closing the returned io.Closer.
func LockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", name, err)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	// release errors are irrelevant, closing the descriptor drops the lock anyway
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
