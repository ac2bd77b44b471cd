// Package serialmux multiplexes a line-oriented serial controller: one
// goroutine reads the port and fans lines out to subscribers, while callers
// issue commands and collect the replies.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// subscriberBuffer absorbs bursts of sample lines while a collector is busy.
const subscriberBuffer = 4096

// SerialMux owns one controller port. Any number of subscribers see every
// line the controller prints; Request pairs a command with its reply.
type SerialMux[T SerialPorter] struct {
	port T

	writeMu   sync.Mutex // one command on the wire at a time
	requestMu sync.Mutex // one request awaiting its reply

	mu        sync.Mutex
	listeners map[string]chan string
	nextID    uint64
	closed    bool
}

// NewSerialMux creates a SerialMux over port. Lines flow once Monitor runs.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, listeners: make(map[string]chan string)}
}

// Subscribe returns an id and a channel receiving every line read from the
// port. Lines are dropped for subscribers that fall behind. After Close the
// channel is returned already closed.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	ch := make(chan string, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := strconv.FormatUint(s.nextID, 10)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.listeners[id]; ok {
		delete(s.listeners, id)
		close(ch)
	}
}

// broadcast hands line to every subscriber without blocking. It reports
// false once the mux is closed.
func (s *SerialMux[T]) broadcast(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range s.listeners {
		select {
		case ch <- line:
		default:
		}
	}
	return true
}

// Initialise puts the controller into the quiet, plain-number mode the
// collectors expect.
func (s *SerialMux[T]) Initialise(ctx context.Context) error {
	for _, command := range []string{CmdStreamOff, CmdPlainFormat} {
		if _, err := s.Request(ctx, command, AwaitAck); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes one newline-terminated command without waiting for a
// reply.
func (s *SerialMux[T]) SendCommand(command string) error {
	command = strings.TrimRight(command, "\n") + "\n"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// Collector consumes reply lines. It returns done once the reply is
// complete, or an error to abandon the request.
type Collector func(line string) (done bool, err error)

// Request sends command and feeds subsequent lines to collect until it is
// done or ctx expires. Requests are serialised so replies cannot interleave.
// It returns the lines that were consumed.
func (s *SerialMux[T]) Request(ctx context.Context, command string, collect Collector) ([]string, error) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	// Subscribe before writing so a fast reply is not missed.
	id, replies := s.Subscribe()
	defer s.Unsubscribe(id)
	if err := s.SendCommand(command); err != nil {
		return nil, err
	}

	var lines []string
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return lines, fmt.Errorf("waiting for reply to %q: %w", command, ctx.Err())
		case line, ok = <-replies:
		}
		if !ok {
			return lines, ErrClosed
		}
		lines = append(lines, line)
		if done, err := collect(line); err != nil || done {
			return lines, err
		}
	}
}

// Monitor reads lines from the port and fans them out until ctx is done,
// the port fails or reaches EOF, or Close is called.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go s.readLines(ctx, lines, readErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if !s.broadcast(line) {
				return nil
			}
		}
	}
}

// readLines runs the blocking scan. It always sends exactly one value on
// errc before closing out.
func (s *SerialMux[T]) readLines(ctx context.Context, out chan<- string, errc chan<- error) {
	defer close(out)
	scan := bufio.NewScanner(s.port)
	for scan.Scan() {
		select {
		case out <- strings.TrimRight(scan.Text(), "\r"):
		case <-ctx.Done():
			errc <- nil
			return
		}
	}
	errc <- scan.Err()
}

// Close closes every subscriber channel and then the port.
func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.listeners {
		delete(s.listeners, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}
