package hardware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/phasetune/internal/remote"
	"github.com/banshee-data/phasetune/internal/signal"
)

// SSHCommander runs the on-board PID tools through ssh.
type SSHCommander struct {
	Exec            *remote.Executor
	PIDExecutable   string
	ResetExecutable string
}

var _ Commander = (*SSHCommander)(nil)

func (c *SSHCommander) run(ctx context.Context, command string) error {
	out, err := c.Exec.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("%w: %s", err, lastLine([]byte(out)))
	}
	if err := replyError(out); err != nil {
		return fmt.Errorf("%q: %w", command, err)
	}
	return nil
}

// Apply writes each channel's gains in turn.
func (c *SSHCommander) Apply(ctx context.Context, gains []ChannelGains) error {
	for _, g := range gains {
		if err := c.run(ctx, ShellCommand(c.PIDExecutable, g)); err != nil {
			return err
		}
	}
	return nil
}

// Reset runs the clear executable.
func (c *SSHCommander) Reset(ctx context.Context) error {
	return c.run(ctx, c.ResetExecutable)
}

// SSHCapturer triggers an acquisition on the board, which writes one
// sample per line to RemotePath, then copies that file into Dir.
type SSHCapturer struct {
	Exec       *remote.Executor
	Command    string
	RemotePath string
	Dir        string
	SampleRate float64
	Timeout    time.Duration // zero means 60s
}

var _ Capturer = (*SSHCapturer)(nil)

// Capture implements Capturer.
func (c *SSHCapturer) Capture(ctx context.Context) (signal.Trace, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if out, err := c.Exec.Run(ctx, c.Command); err != nil {
		return signal.Trace{}, fmt.Errorf("%w: %s", err, lastLine([]byte(out)))
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return signal.Trace{}, err
	}
	local := filepath.Join(c.Dir, filepath.Base(c.RemotePath))
	if err := c.Exec.Fetch(ctx, c.RemotePath, local); err != nil {
		return signal.Trace{}, err
	}
	return FileCapturer{Path: local, SampleRate: c.SampleRate}.Capture(ctx)
}
