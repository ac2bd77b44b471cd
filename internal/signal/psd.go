package signal

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// ErrNoSampleRate is returned by spectral functions on a trace without a
// sample rate.
var ErrNoSampleRate = errors.New("signal: trace has no sample rate")

// PSD is a one-sided power spectral density estimate.
type PSD struct {
	Freqs []float64 // Hz
	Power []float64 // units²/Hz
}

// Welch estimates the PSD by averaging Hann-windowed periodograms of
// mean-removed segments with 50% overlap. Traces shorter than segLen use a
// single segment covering the whole trace.
func Welch(t Trace, segLen int) (PSD, error) {
	if t.SampleRate <= 0 {
		return PSD{}, ErrNoSampleRate
	}
	n := len(t.Samples)
	if n < 2 {
		return PSD{}, fmt.Errorf("signal: need at least 2 samples for a PSD, have %d", n)
	}
	if segLen <= 1 || segLen > n {
		segLen = n
	}
	step := segLen / 2
	if step == 0 {
		step = 1
	}

	w := make([]float64, segLen)
	for i := range w {
		w[i] = 1
	}
	w = window.Hann(w)
	var wss float64
	for _, v := range w {
		wss += v * v
	}

	fft := fourier.NewFFT(segLen)
	bins := segLen/2 + 1
	power := make([]float64, bins)
	seg := make([]float64, segLen)
	coeffs := make([]complex128, bins)
	segments := 0
	for start := 0; start+segLen <= n; start += step {
		copy(seg, t.Samples[start:start+segLen])
		mean := floats.Sum(seg) / float64(segLen)
		for i := range seg {
			seg[i] = (seg[i] - mean) * w[i]
		}
		coeffs = fft.Coefficients(coeffs, seg)
		for i, c := range coeffs {
			power[i] += real(c)*real(c) + imag(c)*imag(c)
		}
		segments++
	}

	scale := 1 / (t.SampleRate * wss * float64(segments))
	freqs := make([]float64, bins)
	for i := range power {
		power[i] *= scale
		// Fold negative frequencies into the one-sided estimate.
		if i != 0 && !(segLen%2 == 0 && i == bins-1) {
			power[i] *= 2
		}
		freqs[i] = fft.Freq(i) * t.SampleRate
	}
	return PSD{Freqs: freqs, Power: power}, nil
}

// BandPower integrates the PSD over [lo, hi) Hz.
func (p PSD) BandPower(lo, hi float64) float64 {
	if len(p.Freqs) < 2 {
		return 0
	}
	df := p.Freqs[1] - p.Freqs[0]
	var sum float64
	for i, f := range p.Freqs {
		if f >= lo && f < hi {
			sum += p.Power[i]
		}
	}
	return sum * df
}

// TotalPower integrates the whole PSD.
func (p PSD) TotalPower() float64 {
	return p.BandPower(math.Inf(-1), math.Inf(1))
}

// FractionAbove returns the share of total power at or above cutoff Hz.
// A flat-zero spectrum has no high-frequency content and returns 0.
func (p PSD) FractionAbove(cutoff float64) float64 {
	total := p.TotalPower()
	if total == 0 {
		return 0
	}
	return p.BandPower(cutoff, math.Inf(1)) / total
}

// Peak returns the frequency with the most power, ignoring DC.
func (p PSD) Peak() float64 {
	if len(p.Power) < 2 {
		return 0
	}
	return p.Freqs[1+floats.MaxIdx(p.Power[1:])]
}
