package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an unknown tracking or segment.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a transient relational or point store failure.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Unavailable wraps a driver error so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
