package hardware

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/signal"
)

// Simulator is a software stand-in for the stabilizer. The optical phase
// drifts as a Gaussian random walk, the actuator acts after LoopDelay
// samples and the controller is a velocity-form PID whose integer gains are
// scaled by 2^-13 as on the FPGA. Readings clip at the ADC rails.
//
// It implements both Commander and Capturer; only the first channel's gains
// are simulated.
type Simulator struct {
	DriftStdDev float64
	NoiseStdDev float64
	LoopDelay   int
	Samples     int
	SampleRate  float64
	Setpoint    float64 // normalised, as seen in the captured trace

	mu       sync.Mutex
	rng      *rand.Rand
	gains    ChannelGains
	drift    float64
	actuator float64
	applied  int
	resets   int
}

// gainScale converts register values to loop gains.
const gainScale = 1.0 / 8192

var (
	_ Commander = (*Simulator)(nil)
	_ Capturer  = (*Simulator)(nil)
)

// NewSimulator returns a plant seeded for reproducible runs. A zero seed
// picks a random one.
func NewSimulator(seed uint64) *Simulator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulator{
		DriftStdDev: 0.002,
		NoiseStdDev: 0.0005,
		LoopDelay:   2,
		Samples:     4096,
		SampleRate:  125e3,
		Setpoint:    0.25,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Apply loads new gains. As on the board, loading gains resets the integrator.
func (s *Simulator) Apply(_ context.Context, gains []ChannelGains) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(gains) > 0 {
		s.gains = gains[0]
	}
	s.actuator = 0
	s.applied++
	return nil
}

// Reset zeroes the gains and the actuator.
func (s *Simulator) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gains = ChannelGains{Channel: s.gains.Channel}
	s.actuator = 0
	s.resets++
	return nil
}

// Counts reports how many Apply and Reset calls the plant has seen.
func (s *Simulator) Counts() (applied, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.resets
}

// Capture runs the closed loop for Samples steps and returns the readings.
func (s *Simulator) Capture(context.Context) (signal.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp := float64(s.gains.Kp) * gainScale
	ki := float64(s.gains.Ki) * gainScale
	kd := float64(s.gains.Kd) * gainScale

	delay := max(s.LoopDelay, 0)
	history := make([]float64, delay+1) // actuator outputs, oldest first
	for i := range history {
		history[i] = s.actuator
	}

	out := make([]float64, s.Samples)
	var e1, e2 float64
	for k := range out {
		s.drift += s.rng.NormFloat64() * s.DriftStdDev
		y := clampRail(s.drift + history[0] + s.rng.NormFloat64()*s.NoiseStdDev)
		out[k] = y

		e := s.Setpoint - y
		if k == 0 {
			e1, e2 = e, e
		}
		s.actuator += kp*(e-e1) + ki*e + kd*(e-2*e1+e2)
		s.actuator = clampRail(s.actuator)
		e2, e1 = e1, e

		copy(history, history[1:])
		history[delay] = s.actuator
	}
	return signal.Trace{Samples: out, SampleRate: s.SampleRate}, nil
}

func clampRail(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// SimulatorFromConfig builds a plant matching the configured capture shape.
func SimulatorFromConfig(cfg *config.OptimizerConfig) *Simulator {
	s := NewSimulator(cfg.GetSeed())
	sim := cfg.Hardware.GetSimulation()
	s.DriftStdDev = sim.GetDriftStdDev()
	s.NoiseStdDev = sim.GetNoiseStdDev()
	s.LoopDelay = sim.GetLoopDelay()
	s.Samples = cfg.Hardware.GetSamples()
	s.SampleRate = cfg.Hardware.GetSampleRate()
	s.Setpoint = float64(cfg.Hardware.GetDeviceSetpoint()) / config.DeviceFullScale
	return s
}
