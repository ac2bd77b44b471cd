package fitness

import (
	"math"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/signal"
)

// Dispersion scores a trace by the negative of its sample standard deviation.
// Fewer than two samples carry no spread and score NaN, which the Evaluator
// turns into the worst fitness.
type Dispersion struct{}

func (Dispersion) Name() string { return config.FitnessDispersion }

func (Dispersion) Score(tr signal.Trace) float64 {
	if tr.Len() < 2 {
		return math.NaN()
	}
	return -tr.StdDev()
}

// TrackingError scores a trace by the negative squared deviation from a
// setpoint, optionally adding the squared first difference to penalise
// oscillation.
type TrackingError struct {
	Setpoint          float64
	IncludeDerivative bool
	Mean              bool // average instead of sum, so the score is independent of capture length
}

func (TrackingError) Name() string { return config.FitnessTrackingError }

func (s TrackingError) Score(tr signal.Trace) float64 {
	var cost float64
	for _, v := range tr.Samples {
		d := v - s.Setpoint
		cost += d * d
	}
	var slope float64
	if s.IncludeDerivative {
		for i := 1; i < len(tr.Samples); i++ {
			d := tr.Samples[i] - tr.Samples[i-1]
			slope += d * d
		}
	}
	if s.Mean {
		cost /= float64(len(tr.Samples))
		if len(tr.Samples) > 1 {
			slope /= float64(len(tr.Samples) - 1)
		}
	}
	return -(cost + slope)
}

// Spectral scores a trace by the negative of a statistic on its Welch PSD.
type Spectral struct {
	CutoffHz      float64 // 0 selects a tenth of the sample rate
	SegmentLength int
	Statistic     string // hf_fraction or hf_power
}

func (Spectral) Name() string { return config.FitnessFrequencyDomain }

func (s Spectral) Score(tr signal.Trace) float64 {
	psd, err := signal.Welch(tr, s.SegmentLength)
	if err != nil {
		return math.NaN()
	}
	cutoff := s.CutoffHz
	if cutoff <= 0 {
		cutoff = tr.SampleRate / 10
	}
	if s.Statistic == config.StatisticHFPower {
		return -psd.BandPower(cutoff, math.Inf(1))
	}
	return -psd.FractionAbove(cutoff)
}

// LockWindow scores a trace by the negative share of samples that are not
// held inside Setpoint±Width for at least MinRun consecutive samples.
type LockWindow struct {
	Setpoint float64
	Width    float64
	MinRun   int
}

func (LockWindow) Name() string { return config.FitnessLockWindow }

func (s LockWindow) Score(tr signal.Trace) float64 {
	return -(1 - tr.LockedFraction(s.Setpoint, s.Width, s.MinRun))
}
