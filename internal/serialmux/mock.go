package serialmux

import (
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory controller for tests. Reads block until
// output is queued or the port is closed, so Monitor behaves as it does
// against a device.
type TestableSerialPort struct {
	// Respond, when set, answers each written command (without its
	// newline) with lines of controller output.
	Respond func(command string) []string

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error

	mu       sync.Mutex
	wake     *sync.Cond
	output   strings.Builder // bytes waiting to be read
	unread   int             // offset of the first unread byte in output
	commands []string
	closed   bool
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.wake = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := p.ReadError; err != nil {
			p.ReadError = nil
			return 0, err
		}
		if pending := p.output.String()[p.unread:]; pending != "" {
			n := copy(b, pending)
			p.unread += n
			return n, nil
		}
		if p.closed {
			return 0, errPortClosed
		}
		p.wake.Wait()
	}
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	for _, cmd := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		p.commands = append(p.commands, cmd)
		if p.Respond == nil {
			continue
		}
		for _, line := range p.Respond(cmd) {
			p.output.WriteString(line + "\n")
		}
	}
	p.wake.Broadcast()
	return len(b), nil
}

// Close wakes blocked readers, which then fail.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.wake.Broadcast()
	return nil
}

// AddReadData queues unsolicited controller output.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output.Write(data)
	p.wake.Broadcast()
}

// Commands returns every command written so far, in order.
func (p *TestableSerialPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.commands) == 0 {
		return nil
	}
	return append([]string(nil), p.commands...)
}
