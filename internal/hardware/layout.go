// Package hardware connects the optimizer to a PID controller: it loads
// candidate gains, waits for the loop to settle and captures the error
// signal. Backends cover the Red Pitaya websocket shell, a serial controller,
// the vendor streaming client and a simulated plant.
package hardware

import (
	"fmt"
	"math"

	"github.com/banshee-data/phasetune/internal/optimize"
)

// GainsPerChannel is the number of genes one controller channel consumes.
const GainsPerChannel = 3

// ChannelGains is one channel's register values, ready to be written.
type ChannelGains struct {
	Channel  string
	Kp       int
	Ki       int
	Kd       int
	Setpoint int
}

func (g ChannelGains) String() string {
	return fmt.Sprintf("ch%s kp=%d ki=%d kd=%d sp=%d", g.Channel, g.Kp, g.Ki, g.Kd, g.Setpoint)
}

// GainLayout maps a parameter vector onto controller channels, three
// consecutive genes (kp, ki, kd) per channel.
type GainLayout struct {
	Channels []string
	Setpoint int
}

// Genes returns the vector length the layout expects.
func (l GainLayout) Genes() int { return len(l.Channels) * GainsPerChannel }

// Gains splits params into per-channel register values. Gains are
// truncated toward zero, as the controller registers are integers.
func (l GainLayout) Gains(params optimize.ParameterVector) ([]ChannelGains, error) {
	if params.Len() != l.Genes() {
		return nil, fmt.Errorf("parameter vector has %d genes, layout for %d channels needs %d",
			params.Len(), len(l.Channels), l.Genes())
	}
	out := make([]ChannelGains, len(l.Channels))
	for i, ch := range l.Channels {
		base := i * GainsPerChannel
		out[i] = ChannelGains{
			Channel:  ch,
			Kp:       int(math.Trunc(params.At(base))),
			Ki:       int(math.Trunc(params.At(base + 1))),
			Kd:       int(math.Trunc(params.At(base + 2))),
			Setpoint: l.Setpoint,
		}
	}
	return out, nil
}

// ShellCommand renders the command line understood by the on-board pid
// executable: "<exe> <channel> <kp> <ki> <kd> <setpoint>".
func ShellCommand(exe string, g ChannelGains) string {
	return fmt.Sprintf("%s %s %d %d %d %d", exe, g.Channel, g.Kp, g.Ki, g.Kd, g.Setpoint)
}
