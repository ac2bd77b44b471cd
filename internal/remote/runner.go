// Package remote runs commands on the controller board over ssh and copies
// capture files back with scp.
package remote

import (
	"context"
	"os/exec"
	"slices"
	"sync"
)

// Runner executes a program and returns its combined output. It exists so
// ssh and scp invocations can be checked without a board.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Invocation records one call made through a MockRunner.
type Invocation struct {
	Name string
	Args []string
}

// MockRunner records invocations and answers them with Respond. A nil
// Respond returns empty output and no error.
type MockRunner struct {
	Respond func(name string, args []string) ([]byte, error)

	mu    sync.Mutex
	calls []Invocation
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Invocation{Name: name, Args: slices.Clone(args)})
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Respond == nil {
		return nil, nil
	}
	return m.Respond(name, args)
}

// Calls returns a copy of the recorded invocations.
func (m *MockRunner) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Last returns the most recent invocation, or nil if none.
func (m *MockRunner) Last() *Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	last := m.calls[len(m.calls)-1]
	return &last
}
