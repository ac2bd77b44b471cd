// Package signal holds captured waveforms and the statistics computed on them.
package signal

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trace is one captured response of the stabilizer. Samples are in the
// normalised units reported by the capture backend.
type Trace struct {
	Samples    []float64 `json:"samples"`
	SampleRate float64   `json:"sample_rate"` // Hz; zero when unknown
	Failed     bool      `json:"failed,omitempty"`
}

// Len returns the number of samples.
func (t Trace) Len() int { return len(t.Samples) }

// Empty reports whether the trace carries no usable data.
func (t Trace) Empty() bool { return len(t.Samples) == 0 }

// Duration returns the capture length, or zero when the sample rate is unknown.
func (t Trace) Duration() time.Duration {
	if t.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(t.Samples)) / t.SampleRate * float64(time.Second))
}

// Mean returns the arithmetic mean, NaN for an empty trace.
func (t Trace) Mean() float64 {
	if len(t.Samples) == 0 {
		return math.NaN()
	}
	return stat.Mean(t.Samples, nil)
}

// StdDev returns the sample standard deviation. A single sample has zero
// spread; an empty trace is NaN.
func (t Trace) StdDev() float64 {
	switch len(t.Samples) {
	case 0:
		return math.NaN()
	case 1:
		return 0
	}
	return stat.StdDev(t.Samples, nil)
}

// Finite reports whether every sample is a finite number.
func (t Trace) Finite() bool {
	for _, v := range t.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Scale returns a copy with every sample multiplied by k and shifted by off.
func (t Trace) Scale(k, off float64) Trace {
	out := Trace{Samples: make([]float64, len(t.Samples)), SampleRate: t.SampleRate, Failed: t.Failed}
	for i, v := range t.Samples {
		out.Samples[i] = v*k + off
	}
	return out
}

// LockedFraction returns the share of samples that sit inside
// center±width as part of a run of at least minRun consecutive samples.
// Short excursions into the window do not count as lock.
func (t Trace) LockedFraction(center, width float64, minRun int) float64 {
	if len(t.Samples) == 0 {
		return 0
	}
	if minRun < 1 {
		minRun = 1
	}
	locked, run := 0, 0
	for _, v := range t.Samples {
		if math.Abs(v-center) <= width {
			run++
			continue
		}
		if run >= minRun {
			locked += run
		}
		run = 0
	}
	if run >= minRun {
		locked += run
	}
	return float64(locked) / float64(len(t.Samples))
}
