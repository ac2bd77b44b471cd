package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/banshee-data/phasetune/internal/monitoring"
)

var logf = monitoring.Tagged("remote")

// Executor runs shell commands on a board and fetches files from it. A
// localhost target runs everything in-process, which is how the tool is
// used when it runs on the board itself.
type Executor struct {
	Target Target
	Runner Runner // nil means ExecRunner
}

// NewExecutor resolves target through ~/.ssh/config.
func NewExecutor(target, user, key string) (*Executor, error) {
	t, err := ResolveTarget(target, user, key)
	if err != nil {
		return nil, err
	}
	return &Executor{Target: t}, nil
}

func (e *Executor) runner() Runner {
	if e.Runner == nil {
		return ExecRunner{}
	}
	return e.Runner
}

// IsLocal reports whether the target is this machine.
func (e *Executor) IsLocal() bool {
	switch e.Target.Host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// options are shared by ssh and scp. BatchMode makes a missing key fail
// instead of prompting; unknown host keys are accepted once and pinned.
func (e *Executor) options() []string {
	var args []string
	if e.Target.Key != "" {
		args = append(args, "-i", e.Target.Key)
	}
	if e.Target.IdentityAgent != "" {
		args = append(args, "-o", "IdentityAgent="+e.Target.IdentityAgent)
	}
	return append(args,
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "LogLevel=ERROR",
	)
}

// SSHArgs returns the ssh argument list for command.
func (e *Executor) SSHArgs(command string) []string {
	args := e.options()
	if e.Target.Port != "" {
		args = append(args, "-p", e.Target.Port)
	}
	return append(args, e.Target.Destination(), command)
}

// SCPArgs returns the scp argument list fetching remotePath to localPath.
func (e *Executor) SCPArgs(remotePath, localPath string) []string {
	args := e.options()
	if e.Target.Port != "" {
		args = append(args, "-P", e.Target.Port)
	}
	return append(args, e.Target.Destination()+":"+remotePath, localPath)
}

// Run executes command through the remote shell and returns its combined
// output.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	var out []byte
	var err error
	if e.IsLocal() {
		out, err = e.runner().Run(ctx, "sh", "-c", command)
	} else {
		out, err = e.runner().Run(ctx, "ssh", e.SSHArgs(command)...)
	}
	if err != nil {
		logf("%s: %q failed: %v", e.Target.Destination(), command, err)
		return string(out), fmt.Errorf("%s: %w", firstLine(command), err)
	}
	return string(out), nil
}

// Fetch copies remotePath on the target to localPath.
func (e *Executor) Fetch(ctx context.Context, remotePath, localPath string) error {
	if e.IsLocal() {
		return copyFile(remotePath, localPath)
	}
	out, err := e.runner().Run(ctx, "scp", e.SCPArgs(remotePath, localPath)...)
	if err != nil {
		return fmt.Errorf("scp %s: %w: %s", remotePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
