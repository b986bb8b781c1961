package store

import (
	"fmt"

	"lsmkv/pkg/dberrors"
)

func openErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", dberrors.ErrOpen, op, err)
}

func writeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", dberrors.ErrWrite, op, err)
}

func readErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", dberrors.ErrRead, op, err)
}

func invalidArg(msg string) error {
	return fmt.Errorf("%w: %s", dberrors.ErrInvalidArgument, msg)
}
