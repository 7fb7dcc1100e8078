package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a store round trip that failed outright.
	// The operation did not apply and the whole call is safe to retry.
	ErrUnavailable = errors.New("store unavailable")

	// ErrTimeout marks a store round trip whose outcome is indeterminate:
	// the command may or may not have applied. Non-idempotent callers must
	// re-read state before retrying.
	ErrTimeout = errors.New("store timeout")

	// ErrCorruptRecord marks a stored record that failed typed decoding.
	ErrCorruptRecord = errors.New("corrupt record")
)

// WrapErr classifies a store failure into the timeout/unavailable taxonomy.
// Context expiry means the command was in flight when we gave up, so its
// effect is unknown; everything else is a plain connectivity fault.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
