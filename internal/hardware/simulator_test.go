package hardware

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phasetune/internal/config"
)

// settledError is the mean absolute distance from the setpoint over the
// second half of a capture.
func settledError(t *testing.T, sim *Simulator, g ChannelGains) float64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sim.Apply(ctx, []ChannelGains{g}))
	trace, err := sim.Capture(ctx)
	require.NoError(t, err)
	half := trace.Samples[len(trace.Samples)/2:]
	var sum float64
	for _, y := range half {
		sum += math.Abs(y - sim.Setpoint)
	}
	return sum / float64(len(half))
}

func TestSimulatorIntegralGainLocks(t *testing.T) {
	open := settledError(t, NewSimulator(7), ChannelGains{})
	locked := settledError(t, NewSimulator(7), ChannelGains{Ki: 819})
	assert.Less(t, locked, 0.02)
	assert.Greater(t, open, locked*5)
}

func TestSimulatorIsDeterministicPerSeed(t *testing.T) {
	ctx := context.Background()
	a, b := NewSimulator(3), NewSimulator(3)
	g := []ChannelGains{{Kp: 100, Ki: 500}}
	require.NoError(t, a.Apply(ctx, g))
	require.NoError(t, b.Apply(ctx, g))
	ta, err := a.Capture(ctx)
	require.NoError(t, err)
	tb, err := b.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, ta.Samples, tb.Samples)
}

func TestSimulatorClipsAtRails(t *testing.T) {
	sim := NewSimulator(1)
	sim.DriftStdDev = 0.5
	tr, err := sim.Capture(context.Background())
	require.NoError(t, err)
	for _, y := range tr.Samples {
		require.True(t, y >= -1 && y <= 1, "sample %v beyond rails", y)
	}
}

func TestSimulatorCounts(t *testing.T) {
	sim := NewSimulator(1)
	ctx := context.Background()
	require.NoError(t, sim.Apply(ctx, []ChannelGains{{Kp: 1}}))
	require.NoError(t, sim.Reset(ctx))
	applied, resets := sim.Counts()
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, resets)
}

func TestSimulatorFromConfig(t *testing.T) {
	cfg := config.EmptyOptimizerConfig()
	samples, setpoint, delay := 128, 8192, 5
	cfg.Hardware = &config.HardwareConfig{
		Samples:        &samples,
		DeviceSetpoint: &setpoint,
		Simulation:     &config.SimulationConfig{LoopDelay: &delay},
	}
	sim := SimulatorFromConfig(cfg)
	assert.Equal(t, 128, sim.Samples)
	assert.Equal(t, 0.5, sim.Setpoint)
	assert.Equal(t, 5, sim.LoopDelay)
	tr, err := sim.Capture(context.Background())
	require.NoError(t, err)
	assert.Len(t, tr.Samples, 128)
}
