//go:build windows

package fsutil

import (
	"errors"
	"io"
	"os"
)

var ErrLocked = errors.New("file is locked")

type fileLock struct {
	f *os.File
}

// LockFile opens the lock file. Windows has no flock; a second process on the
// same directory is not detected.
func LockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
