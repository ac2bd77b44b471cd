package hardware

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/phasetune/internal/monitoring"
	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/signal"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

var logf = monitoring.Tagged("hardware")

// ErrEmptyCapture is reported when a capture completes without samples.
var ErrEmptyCapture = errors.New("capture returned no samples")

// Commander loads gains into the controller.
type Commander interface {
	Apply(ctx context.Context, gains []ChannelGains) error
	Reset(ctx context.Context) error
}

// Capturer acquires one error-signal trace.
type Capturer interface {
	Capture(ctx context.Context) (signal.Trace, error)
}

// Rig is a HardwareChannel built from a Commander and a Capturer. Each call
// applies the gains, waits Settle for the loop to lock and then captures.
type Rig struct {
	Layout    GainLayout
	Commander Commander
	Capturer  Capturer
	Settle    time.Duration
	Clock     timeutil.Clock
}

var (
	_ optimize.HardwareChannel = (*Rig)(nil)
	_ optimize.Resetter        = (*Rig)(nil)
)

func (r *Rig) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

// ApplyAndCapture implements optimize.HardwareChannel.
func (r *Rig) ApplyAndCapture(ctx context.Context, params optimize.ParameterVector) (signal.Trace, error) {
	gains, err := r.Layout.Gains(params)
	if err != nil {
		return signal.Trace{}, &optimize.HardwareError{Op: "apply", Err: err}
	}
	if err := r.Commander.Apply(ctx, gains); err != nil {
		return signal.Trace{}, optimize.AsHardwareError("apply", err)
	}
	if err := r.clock().Sleep(ctx, r.Settle); err != nil {
		return signal.Trace{}, &optimize.HardwareError{Op: "settle", Err: err}
	}
	trace, err := r.Capturer.Capture(ctx)
	if err != nil {
		return signal.Trace{}, optimize.AsHardwareError("capture", err)
	}
	if trace.Empty() {
		return signal.Trace{}, &optimize.HardwareError{Op: "capture", Err: ErrEmptyCapture}
	}
	return trace, nil
}

// Reset clears the controller state.
func (r *Rig) Reset(ctx context.Context) error {
	if err := r.Commander.Reset(ctx); err != nil {
		return optimize.AsHardwareError("reset", err)
	}
	logf("controller reset")
	return nil
}
