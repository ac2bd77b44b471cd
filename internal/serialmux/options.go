package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the controller firmware's console speed.
const DefaultBaudRate = 115200

var standardBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

var parities = map[string]serial.Parity{
	"N": serial.NoParity, "NONE": serial.NoParity,
	"E": serial.EvenParity, "EVEN": serial.EvenParity,
	"O": serial.OddParity, "ODD": serial.OddParity,
}

// PortOptions are the line settings for a real port. Zero values mean
// 115200 8N1.
type PortOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // N, E or O
}

// Normalise applies defaults and rejects settings the controller cannot
// use.
func (o PortOptions) Normalise() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	parity := strings.ToUpper(strings.TrimSpace(o.Parity))
	if parity == "" {
		parity = "N"
	}

	switch {
	case !slices.Contains(standardBaudRates, o.BaudRate):
		return o, fmt.Errorf("invalid baud rate %d", o.BaudRate)
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	if _, ok := parities[parity]; !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = parity[:1]
	return o, nil
}

// SerialMode converts the options for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	o, err := o.Normalise()
	if err != nil {
		return nil, err
	}
	stop := serial.OneStopBit
	if o.StopBits == 2 {
		stop = serial.TwoStopBits
	}
	return &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		StopBits: stop,
		Parity:   parities[o.Parity],
	}, nil
}
