package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/phasetune/internal/signal"
)

// StreamCapturer captures with the vendor streaming client, which writes
// each acquisition as a WAV file into Dir.
type StreamCapturer struct {
	Client  string
	Host    string
	Port    int
	Mode    string // raw or volt
	Samples int
	Dir     string
	Timeout time.Duration // zero means 60s

	// run executes the client; tests replace it.
	run func(ctx context.Context, name string, args []string) ([]byte, error)
}

var _ Capturer = (*StreamCapturer)(nil)

// Args returns the client command line for one capture.
func (c *StreamCapturer) Args() []string {
	return []string{
		"--streaming",
		"--hosts=" + c.Host,
		"--port=" + strconv.Itoa(c.Port),
		"--format=wav",
		"--limit=" + strconv.Itoa(c.Samples),
		"--mode=" + c.Mode,
		"--dir=" + c.Dir,
		"--verbose",
	}
}

func runClient(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Capture clears stale WAV files, runs the client and decodes the file it
// produced.
func (c *StreamCapturer) Capture(ctx context.Context) (signal.Trace, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return signal.Trace{}, err
	}
	if err := clearWAVs(c.Dir); err != nil {
		return signal.Trace{}, err
	}

	run := c.run
	if run == nil {
		run = runClient
	}
	if out, err := run(ctx, c.Client, c.Args()); err != nil {
		return signal.Trace{}, fmt.Errorf("%s: %w: %s", c.Client, err, lastLine(out))
	}

	path, err := NewestWAV(c.Dir)
	if err != nil {
		return signal.Trace{}, err
	}
	return ReadWAV(path)
}

// ErrNoCapture is returned when the capture directory holds no WAV file.
var ErrNoCapture = errors.New("no capture file found")

// NewestWAV returns the most recently modified .wav file in dir.
func NewestWAV(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return "", err
	}
	var (
		newest string
		when   time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(when) {
			newest, when = m, info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoCapture, dir)
	}
	return newest, nil
}

func clearWAVs(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func lastLine(out []byte) string {
	end := len(out)
	for end > 0 && (out[end-1] == '\n' || out[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && out[start-1] != '\n' {
		start--
	}
	return string(out[start:end])
}
