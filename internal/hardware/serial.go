package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/phasetune/internal/serialmux"
	"github.com/banshee-data/phasetune/internal/signal"
)

// Requester is the request/reply half of a serialmux.SerialMux.
type Requester interface {
	Request(ctx context.Context, command string, collect serialmux.Collector) ([]string, error)
}

// SerialCommander loads gains through a controller on a serial line.
type SerialCommander struct {
	Mux     Requester
	Timeout time.Duration // per command; zero means 5s
}

var _ Commander = (*SerialCommander)(nil)

func (c *SerialCommander) request(ctx context.Context, command string) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.Mux.Request(ctx, command, serialmux.AwaitAck)
	return err
}

// Apply sends one PID command per channel and waits for each OK.
func (c *SerialCommander) Apply(ctx context.Context, gains []ChannelGains) error {
	for _, g := range gains {
		if err := c.request(ctx, serialmux.FormatPID(g.Channel, g.Kp, g.Ki, g.Kd, g.Setpoint)); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears every channel.
func (c *SerialCommander) Reset(ctx context.Context) error {
	return c.request(ctx, serialmux.CmdReset)
}

// SerialCapturer reads the error signal back over the same serial line.
type SerialCapturer struct {
	Mux        Requester
	Samples    int
	SampleRate float64
	// Timeout bounds one capture; zero scales with the sample count.
	Timeout time.Duration
}

var _ Capturer = (*SerialCapturer)(nil)

func (c *SerialCapturer) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	// 115200 baud moves roughly a thousand short sample lines a second.
	return 5*time.Second + time.Duration(c.Samples)*time.Millisecond
}

// Capture requests Samples points and collects them until the controller
// acknowledges.
func (c *SerialCapturer) Capture(ctx context.Context) (signal.Trace, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	collector := serialmux.SampleCollector{Samples: make([]float64, 0, c.Samples)}
	if _, err := c.Mux.Request(ctx, serialmux.FormatCapture(c.Samples), collector.Collect); err != nil {
		return signal.Trace{}, fmt.Errorf("after %d samples: %w", len(collector.Samples), err)
	}
	if n := len(collector.Samples); n != c.Samples {
		logf("serial capture returned %d of %d samples", n, c.Samples)
	}
	return signal.Trace{Samples: collector.Samples, SampleRate: c.SampleRate}, nil
}
