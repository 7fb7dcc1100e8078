package presence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDriver flags an operation that referenced a driver with no
// presence record.
var ErrUnknownDriver = errors.New("unknown driver")

// DegradedError reports a transition whose compensating rollback failed.
// The named sub-states are left inconsistent for an external reconciler
// to repair.
type DegradedError struct {
	Op           string
	Inconsistent []string
	Err          error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded, inconsistent sub-state [%s]: %v",
		e.Op, strings.Join(e.Inconsistent, ", "), e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }
