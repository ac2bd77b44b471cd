package optimize

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/phasetune/internal/signal"
)

// HardwareChannel applies a parameter vector to the controller and captures
// its response. Calls block for as long as the capture takes and must not be
// issued concurrently. Errors are transient: the caller records them and
// carries on.
type HardwareChannel interface {
	ApplyAndCapture(ctx context.Context, params ParameterVector) (signal.Trace, error)
}

// Resetter is implemented by channels that can clear controller state
// before a run.
type Resetter interface {
	Reset(ctx context.Context) error
}

// HardwareError reports a failed apply or capture.
type HardwareError struct {
	Op  string // "apply", "capture", "reset"
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// AsHardwareError returns err as a *HardwareError, wrapping it under op
// when it is not one already.
func AsHardwareError(op string, err error) *HardwareError {
	var hwErr *HardwareError
	if errors.As(err, &hwErr) {
		return hwErr
	}
	return &HardwareError{Op: op, Err: err}
}
