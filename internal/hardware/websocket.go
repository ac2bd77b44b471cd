package hardware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// ErrCommandFailed wraps failures reported in a command's output.
var ErrCommandFailed = errors.New("controller command failed")

// WebSocketCommander drives the board's command server: every command is
// one text message on a fresh connection and the reply is the command
// output.
type WebSocketCommander struct {
	URL             string
	PIDExecutable   string
	ResetExecutable string
	// Timeout bounds each round trip; zero means no limit beyond ctx.
	Timeout time.Duration
}

var _ Commander = (*WebSocketCommander)(nil)

// Send runs one command on the board and returns its output.
func (c *WebSocketCommander) Send(ctx context.Context, command string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(command)); err != nil {
		return "", fmt.Errorf("send %q: %w", command, err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", command, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	reply := string(data)
	if err := replyError(reply); err != nil {
		return reply, fmt.Errorf("%q: %w", command, err)
	}
	return reply, nil
}

// Apply writes each channel's gains in turn.
func (c *WebSocketCommander) Apply(ctx context.Context, gains []ChannelGains) error {
	for _, g := range gains {
		if _, err := c.Send(ctx, ShellCommand(c.PIDExecutable, g)); err != nil {
			return err
		}
	}
	return nil
}

// Reset runs the clear executable, zeroing every channel.
func (c *WebSocketCommander) Reset(ctx context.Context) error {
	_, err := c.Send(ctx, c.ResetExecutable)
	return err
}

// replyError detects failures in command output. The agent prefixes them
// with "ERR"; the on-board tools print "Error:" or their usage text.
func replyError(reply string) error {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ERR "), strings.HasPrefix(line, "Error"), strings.HasPrefix(line, "Usage:"):
			return fmt.Errorf("%w: %s", ErrCommandFailed, line)
		}
	}
	return nil
}
