package hardware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/serialmux"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

func serialController(t *testing.T, respond func(string) []string) (*serialmux.SerialMux[*serialmux.TestableSerialPort], *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.Respond = respond
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
	return mux, port
}

func TestSerialRig(t *testing.T) {
	mux, port := serialController(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "CAPTURE ") {
			return []string{"0.25", "0.26", "0.24", "OK"}
		}
		return []string{"OK"}
	})
	rig := &Rig{
		Layout:    GainLayout{Channels: []string{"11"}, Setpoint: 4096},
		Commander: &SerialCommander{Mux: mux},
		Capturer:  &SerialCapturer{Mux: mux, Samples: 3, SampleRate: 1000},
		Settle:    time.Millisecond,
		Clock:     timeutil.NewMockClock(time.Unix(0, 0)),
	}

	tr, err := rig.ApplyAndCapture(context.Background(), gains(t, 1200, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.26, 0.24}, tr.Samples)
	assert.Equal(t, 1000.0, tr.SampleRate)

	require.NoError(t, rig.Reset(context.Background()))
	assert.Equal(t, []string{"PID 11 1200 5 0 4096", "CAPTURE 3", "RESET"}, port.Commands())
}

func TestSerialCommanderControllerError(t *testing.T) {
	mux, _ := serialController(t, func(string) []string { return []string{"ERR gain out of range"} })
	c := &SerialCommander{Mux: mux}
	err := c.Apply(context.Background(), []ChannelGains{{Channel: "11", Kp: 9000}})
	assert.True(t, errors.Is(err, serialmux.ErrController))
}

func TestSerialCapturerTimesOut(t *testing.T) {
	mux, _ := serialController(t, func(string) []string { return []string{"0.1"} })
	c := &SerialCapturer{Mux: mux, Samples: 10, Timeout: 50 * time.Millisecond}
	_, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "after 1 samples")
}
