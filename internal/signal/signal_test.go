package signal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n int, fs, freq, amp float64) Trace {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return Trace{Samples: s, SampleRate: fs}
}

func TestTraceStats(t *testing.T) {
	tr := Trace{Samples: []float64{1, 2, 3, 4}, SampleRate: 2}
	assert.Equal(t, 4, tr.Len())
	assert.InDelta(t, 2.5, tr.Mean(), 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), tr.StdDev(), 1e-12)
	assert.Equal(t, 2*time.Second, tr.Duration())
	assert.True(t, tr.Finite())

	assert.True(t, math.IsNaN(Trace{}.Mean()))
	assert.True(t, math.IsNaN(Trace{}.StdDev()))
	assert.Equal(t, 0.0, Trace{Samples: []float64{7}}.StdDev())
	assert.Equal(t, time.Duration(0), Trace{Samples: []float64{1}}.Duration())
	assert.False(t, Trace{Samples: []float64{1, math.NaN()}}.Finite())
}

func TestScale(t *testing.T) {
	tr := Trace{Samples: []float64{0, 8192}, SampleRate: 10}
	got := tr.Scale(1.0/16384, 0.5)
	assert.Equal(t, []float64{0.5, 1.0}, got.Samples)
	assert.Equal(t, 10.0, got.SampleRate)
	assert.Equal(t, []float64{0, 8192}, tr.Samples, "original must be untouched")
}

func TestLockedFraction(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		minRun  int
		want    float64
	}{
		{"all locked", []float64{1, 1, 1, 1}, 2, 1},
		{"never locked", []float64{5, 5, 5, 5}, 1, 0},
		{"short run ignored", []float64{1, 5, 1, 1, 1}, 2, 0.6},
		{"trailing run counted", []float64{5, 5, 1, 1}, 2, 0.5},
		{"empty", nil, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Trace{Samples: tt.samples}.LockedFraction(1, 0.5, tt.minRun)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestWelchFindsSinePeak(t *testing.T) {
	tr := sine(8192, 1000, 125, 1)
	psd, err := Welch(tr, 256)
	require.NoError(t, err)
	require.Len(t, psd.Freqs, 129)
	assert.Equal(t, 0.0, psd.Freqs[0])
	assert.InDelta(t, 500, psd.Freqs[len(psd.Freqs)-1], 1e-9)
	assert.InDelta(t, 125, psd.Peak(), 1000.0/256)

	// Integrated density recovers the sine's variance.
	assert.InDelta(t, 0.5, psd.TotalPower(), 0.05)
	assert.Greater(t, psd.FractionAbove(100), 0.95)
	assert.Less(t, psd.FractionAbove(200), 0.01)
}

func TestWelchShortTraceUsesSingleSegment(t *testing.T) {
	tr := sine(100, 100, 10, 1)
	psd, err := Welch(tr, 1024)
	require.NoError(t, err)
	assert.Len(t, psd.Power, 51)
}

func TestWelchErrors(t *testing.T) {
	_, err := Welch(Trace{Samples: []float64{1, 2, 3}}, 2)
	assert.True(t, errors.Is(err, ErrNoSampleRate))

	_, err = Welch(Trace{Samples: []float64{1}, SampleRate: 10}, 2)
	assert.Error(t, err)
}

func TestFlatSpectrum(t *testing.T) {
	tr := Trace{Samples: make([]float64, 64), SampleRate: 10}
	psd, err := Welch(tr, 16)
	require.NoError(t, err)
	assert.Equal(t, 0.0, psd.FractionAbove(1))
}
