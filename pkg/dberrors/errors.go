// Package dberrors holds the error categories surfaced by the store.
//
// Every failure returned from the public API wraps exactly one of ErrOpen,
// ErrWrite, ErrRead or ErrCorruption (or is ErrClosed / ErrInvalidArgument),
// so callers classify with errors.Is and still reach the underlying cause.
package dberrors

import "errors"

var (
	ErrOpen            = errors.New("lsmkv: open failure")
	ErrWrite           = errors.New("lsmkv: write failure")
	ErrRead            = errors.New("lsmkv: read failure")
	ErrCorruption      = errors.New("lsmkv: corruption detected")
	ErrClosed          = errors.New("lsmkv: closed")
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
	ErrLocked          = errors.New("lsmkv: database directory is locked by another process")
)
