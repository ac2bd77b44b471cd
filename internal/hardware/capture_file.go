package hardware

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gopxl/beep/wav"

	"github.com/banshee-data/phasetune/internal/signal"
)

// ReadWAV decodes the first channel of a WAV capture. beep normalises PCM
// samples to [-1, 1].
func ReadWAV(path string) (signal.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return signal.Trace{}, err
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return signal.Trace{}, fmt.Errorf("decode %s: %w", path, err)
	}
	defer streamer.Close()

	samples := make([]float64, 0, streamer.Len())
	buf := make([][2]float64, 512)
	for {
		n, ok := streamer.Stream(buf)
		for _, s := range buf[:n] {
			samples = append(samples, s[0])
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return signal.Trace{}, fmt.Errorf("read %s: %w", path, err)
	}
	return signal.Trace{Samples: samples, SampleRate: float64(format.SampleRate)}, nil
}

// ReadCSV reads one sample per row from the first column. Rows whose first
// field is not a number (headers, comments) are skipped.
func ReadCSV(r io.Reader, sampleRate float64) (signal.Trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var samples []float64
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return signal.Trace{}, err
		}
		if len(rec) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			continue
		}
		samples = append(samples, v)
	}
	return signal.Trace{Samples: samples, SampleRate: sampleRate}, nil
}

// FileCapturer replays a recorded capture, WAV or CSV by extension. It is
// useful for exercising fitness settings against a known recording.
type FileCapturer struct {
	Path       string
	SampleRate float64 // used for CSV files
}

var _ Capturer = FileCapturer{}

// Capture implements Capturer.
func (c FileCapturer) Capture(context.Context) (signal.Trace, error) {
	switch strings.ToLower(filepath.Ext(c.Path)) {
	case ".wav":
		return ReadWAV(c.Path)
	case ".csv", ".txt":
		f, err := os.Open(c.Path)
		if err != nil {
			return signal.Trace{}, err
		}
		defer f.Close()
		return ReadCSV(f, c.SampleRate)
	default:
		return signal.Trace{}, fmt.Errorf("unsupported capture file %q: expected .wav or .csv", c.Path)
	}
}
