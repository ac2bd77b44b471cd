package hardware

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/signal"
)

// ErrInjectedFault marks failures produced by FaultInjector.
var ErrInjectedFault = errors.New("injected capture fault")

// FaultInjector fails every Nth capture of the wrapped channel, for
// rehearsing hardware outages. N <= 0 passes every call through.
type FaultInjector struct {
	Channel optimize.HardwareChannel
	N       int

	mu    sync.Mutex
	calls int
}

// ApplyAndCapture implements optimize.HardwareChannel.
func (f *FaultInjector) ApplyAndCapture(ctx context.Context, params optimize.ParameterVector) (signal.Trace, error) {
	f.mu.Lock()
	f.calls++
	fail := f.N > 0 && f.calls%f.N == 0
	f.mu.Unlock()

	if fail {
		return signal.Trace{}, &optimize.HardwareError{Op: "capture", Err: ErrInjectedFault}
	}
	return f.Channel.ApplyAndCapture(ctx, params)
}

// Reset forwards to the wrapped channel when it supports resetting.
func (f *FaultInjector) Reset(ctx context.Context) error {
	if r, ok := f.Channel.(optimize.Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}
