package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Controller commands. Every command is answered with "OK" or "ERR <reason>";
// CAPTURE additionally streams one numeric sample per line before its OK.
const (
	CmdStreamOff   = "STREAM OFF"
	CmdPlainFormat = "FORMAT PLAIN"
	CmdReset       = "RESET"
)

// LineKind classifies a line received from the controller.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineSample
	LineAck
	LineError
)

// Line is a parsed controller line.
type Line struct {
	Kind  LineKind
	Value float64 // set for LineSample
	Text  string  // error reason for LineError, raw text otherwise
}

// ErrController is wrapped by errors reported by the controller itself.
var ErrController = errors.New("controller error")

// ParseLine classifies a single line of controller output.
func ParseLine(raw string) Line {
	s := strings.TrimSpace(raw)
	switch {
	case s == "OK":
		return Line{Kind: LineAck, Text: s}
	case s == "ERR" || strings.HasPrefix(s, "ERR "):
		return Line{Kind: LineError, Text: strings.TrimSpace(strings.TrimPrefix(s, "ERR"))}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return Line{Kind: LineSample, Value: v, Text: s}
	}
	return Line{Kind: LineUnknown, Text: s}
}

// FormatPID builds the command that loads gains and a setpoint into one
// controller channel. Gains are integer register values.
func FormatPID(channel string, kp, ki, kd, setpoint int) string {
	return fmt.Sprintf("PID %s %d %d %d %d", channel, kp, ki, kd, setpoint)
}

// FormatCapture requests n samples from the error signal.
func FormatCapture(n int) string {
	return fmt.Sprintf("CAPTURE %d", n)
}

// AwaitAck is a Collector that completes on OK and fails on ERR. Any other
// line is ignored.
func AwaitAck(line string) (bool, error) {
	l := ParseLine(line)
	switch l.Kind {
	case LineAck:
		return true, nil
	case LineError:
		return false, fmt.Errorf("%w: %s", ErrController, l.Text)
	}
	return false, nil
}

// SampleCollector gathers numeric sample lines until the controller
// acknowledges the capture.
type SampleCollector struct {
	Samples []float64
}

// Collect implements Collector.
func (c *SampleCollector) Collect(line string) (bool, error) {
	l := ParseLine(line)
	switch l.Kind {
	case LineSample:
		c.Samples = append(c.Samples, l.Value)
	case LineAck:
		return true, nil
	case LineError:
		return false, fmt.Errorf("%w: %s", ErrController, l.Text)
	}
	return false, nil
}
