package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV encodes a mono 16-bit file holding samples.
func writeWAV(t *testing.T, path string, rate int, samples []float64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	i := 0
	streamer := beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if i >= len(samples) {
			return 0, false
		}
		n := 0
		for n < len(buf) && i < len(samples) {
			buf[n] = [2]float64{samples[i], samples[i]}
			n++
			i++
		}
		return n, true
	})
	format := beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 1, Precision: 2}
	require.NoError(t, wav.Encode(f, streamer, format))
}

func TestReadWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	writeWAV(t, path, 8000, []float64{0, 0.5, -0.5, 0.25})

	tr, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 8000.0, tr.SampleRate)
	require.Len(t, tr.Samples, 4)
	for i, want := range []float64{0, 0.5, -0.5, 0.25} {
		assert.InDelta(t, want, tr.Samples[i], 1e-3)
	}

	_, err = ReadWAV(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestReadCSV(t *testing.T) {
	in := "# capture\nvalue,time\n0.1,0\n -0.2 ,1\nbad,2\n0.3\n"
	tr, err := ReadCSV(strings.NewReader(in), 100)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, -0.2, 0.3}, tr.Samples)
	assert.Equal(t, 100.0, tr.SampleRate)
}

func TestFileCapturer(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "trace.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("1\n2\n"), 0o644))

	tr, err := FileCapturer{Path: csvPath, SampleRate: 5}.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, tr.Samples)

	_, err = FileCapturer{Path: filepath.Join(dir, "trace.bin")}.Capture(context.Background())
	assert.Error(t, err)
}

func TestNewestWAV(t *testing.T) {
	dir := t.TempDir()
	_, err := NewestWAV(dir)
	assert.ErrorIs(t, err, ErrNoCapture)

	old := filepath.Join(dir, "a.wav")
	recent := filepath.Join(dir, "b.wav")
	require.NoError(t, os.WriteFile(old, nil, 0o644))
	require.NoError(t, os.WriteFile(recent, nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	got, err := NewestWAV(dir)
	require.NoError(t, err)
	assert.Equal(t, recent, got)
}

func TestStreamCapturerRunsClient(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.wav")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))

	var gotName string
	var gotArgs []string
	c := &StreamCapturer{
		Client: "rpsa_client", Host: "rp.local", Port: 8900, Mode: "raw", Samples: 3, Dir: dir,
		run: func(_ context.Context, name string, args []string) ([]byte, error) {
			gotName, gotArgs = name, args
			_, err := os.Stat(stale)
			require.True(t, os.IsNotExist(err), "stale capture must be removed before the client runs")
			writeWAV(t, filepath.Join(dir, "data_1.wav"), 1000, []float64{0.1, 0.2, 0.3})
			return []byte("streaming done\n"), nil
		},
	}

	tr, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rpsa_client", gotName)
	assert.Equal(t, []string{
		"--streaming", "--hosts=rp.local", "--port=8900", "--format=wav",
		"--limit=3", "--mode=raw", "--dir=" + dir, "--verbose",
	}, gotArgs)
	assert.Len(t, tr.Samples, 3)
	assert.Equal(t, 1000.0, tr.SampleRate)
}

func TestStreamCapturerReportsClientFailure(t *testing.T) {
	c := &StreamCapturer{
		Client: "rpsa_client", Dir: t.TempDir(),
		run: func(context.Context, string, []string) ([]byte, error) {
			return []byte("connecting\nconnection refused\n"), errors.New("exit status 1")
		},
	}
	_, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStreamCapturerWithoutOutputFile(t *testing.T) {
	c := &StreamCapturer{
		Client: "rpsa_client", Dir: t.TempDir(),
		run: func(context.Context, string, []string) ([]byte, error) { return nil, nil },
	}
	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCapture)
}
