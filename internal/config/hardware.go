package config

import (
	"net/url"
	"time"
)

// Controller and capture backends.
const (
	BackendSimulated = "simulated"
	BackendWebSocket = "websocket"
	BackendSerial    = "serial"
	BackendStream    = "stream"
	BackendFile      = "file"
	BackendSSH       = "ssh"
)

// HardwareConfig describes how gains reach the controller and how the
// response is captured.
type HardwareConfig struct {
	Controller *string `json:"controller,omitempty" yaml:"controller,omitempty"` // simulated, websocket, serial or ssh
	Capture    *string `json:"capture,omitempty" yaml:"capture,omitempty"`       // simulated, stream, serial, file or ssh

	URL             *string  `json:"url,omitempty" yaml:"url,omitempty"`
	PIDExecutable   *string  `json:"pid_executable,omitempty" yaml:"pid_executable,omitempty"`
	ResetExecutable *string  `json:"reset_executable,omitempty" yaml:"reset_executable,omitempty"`
	Channels        []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	DeviceSetpoint  *int     `json:"device_setpoint,omitempty" yaml:"device_setpoint,omitempty"`
	SettleTime      *string  `json:"settle_time,omitempty" yaml:"settle_time,omitempty"`

	SerialPort *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`

	Samples    *int     `json:"samples,omitempty" yaml:"samples,omitempty"`
	SampleRate *float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`

	StreamClient *string `json:"stream_client,omitempty" yaml:"stream_client,omitempty"`
	StreamHost   *string `json:"stream_host,omitempty" yaml:"stream_host,omitempty"`
	StreamPort   *int    `json:"stream_port,omitempty" yaml:"stream_port,omitempty"`
	StreamMode   *string `json:"stream_mode,omitempty" yaml:"stream_mode,omitempty"` // raw or volt
	CaptureDir   *string `json:"capture_dir,omitempty" yaml:"capture_dir,omitempty"`
	CaptureFile  *string `json:"capture_file,omitempty" yaml:"capture_file,omitempty"`

	SSHTarget         *string `json:"ssh_target,omitempty" yaml:"ssh_target,omitempty"` // host or user@host, resolved through ~/.ssh/config
	SSHUser           *string `json:"ssh_user,omitempty" yaml:"ssh_user,omitempty"`
	SSHKey            *string `json:"ssh_key,omitempty" yaml:"ssh_key,omitempty"`
	CaptureCommand    *string `json:"capture_command,omitempty" yaml:"capture_command,omitempty"`
	RemoteCapturePath *string `json:"remote_capture_path,omitempty" yaml:"remote_capture_path,omitempty"`

	Simulation *SimulationConfig `json:"simulation,omitempty" yaml:"simulation,omitempty"`
}

// SimulationConfig parameterises the simulated plant used for dry runs.
type SimulationConfig struct {
	DriftStdDev *float64 `json:"drift_std_dev,omitempty" yaml:"drift_std_dev,omitempty"`
	NoiseStdDev *float64 `json:"noise_std_dev,omitempty" yaml:"noise_std_dev,omitempty"`
	LoopDelay   *int     `json:"loop_delay,omitempty" yaml:"loop_delay,omitempty"` // samples
	FailEvery   *int     `json:"fail_every,omitempty" yaml:"fail_every,omitempty"`
}

func (h *HardwareConfig) validate(genes int) error {
	switch c := h.GetController(); c {
	case BackendSimulated, BackendWebSocket, BackendSerial, BackendSSH:
	default:
		return invalid("hardware.controller", "unknown backend %q", c)
	}
	switch c := h.GetCapture(); c {
	case BackendSimulated, BackendStream, BackendSerial, BackendSSH:
	case BackendFile:
		if h.GetCaptureFile() == "" {
			return invalid("hardware.capture_file", "required for the file capture backend")
		}
	default:
		return invalid("hardware.capture", "unknown backend %q", c)
	}
	if h.GetController() != BackendSimulated {
		if n := len(h.GetChannels()); n*3 != genes {
			return invalid("hardware.channels", "%d channels need %d genes, have %d", n, n*3, genes)
		}
	}
	if h != nil && h.SettleTime != nil && *h.SettleTime != "" {
		if _, err := time.ParseDuration(*h.SettleTime); err != nil {
			return invalid("hardware.settle_time", "invalid duration %q", *h.SettleTime)
		}
	}
	if n := h.GetSamples(); n < 1 {
		return invalid("hardware.samples", "must be at least 1, got %d", n)
	}
	if r := h.GetSampleRate(); r <= 0 {
		return invalid("hardware.sample_rate", "must be positive, got %v", r)
	}
	if m := h.GetStreamMode(); m != "raw" && m != "volt" {
		return invalid("hardware.stream_mode", "must be raw or volt, got %q", m)
	}
	if d := h.GetSimulation().GetLoopDelay(); d < 0 {
		return invalid("hardware.simulation.loop_delay", "must be non-negative, got %d", d)
	}
	if n := h.GetSimulation().GetFailEvery(); n < 0 {
		return invalid("hardware.simulation.fail_every", "must be non-negative, got %d", n)
	}
	return nil
}

func (h *HardwareConfig) GetController() string {
	if h == nil || h.Controller == nil || *h.Controller == "" {
		return BackendSimulated
	}
	return *h.Controller
}

func (h *HardwareConfig) GetCapture() string {
	if h == nil || h.Capture == nil || *h.Capture == "" {
		return BackendSimulated
	}
	return *h.Capture
}

// GetURL returns the controller command endpoint.
func (h *HardwareConfig) GetURL() string {
	if h == nil || h.URL == nil || *h.URL == "" {
		return "ws://localhost:8765"
	}
	return *h.URL
}

func (h *HardwareConfig) GetPIDExecutable() string {
	if h == nil || h.PIDExecutable == nil || *h.PIDExecutable == "" {
		return "/root/PhaseStabilization/RedPitayaPid/pid"
	}
	return *h.PIDExecutable
}

func (h *HardwareConfig) GetResetExecutable() string {
	if h == nil || h.ResetExecutable == nil || *h.ResetExecutable == "" {
		return "/root/PhaseStabilization/RedPitayaPid/clear_pid"
	}
	return *h.ResetExecutable
}

// GetChannels returns the controller channels, three genes each.
func (h *HardwareConfig) GetChannels() []string {
	if h == nil || len(h.Channels) == 0 {
		return []string{"11"}
	}
	out := make([]string, len(h.Channels))
	copy(out, h.Channels)
	return out
}

// GetDeviceSetpoint returns the setpoint sent to the controller, in ADC counts.
func (h *HardwareConfig) GetDeviceSetpoint() int {
	if h == nil || h.DeviceSetpoint == nil {
		return 4096
	}
	return *h.DeviceSetpoint
}

// GetSettleTime returns the wait between applying gains and capturing.
func (h *HardwareConfig) GetSettleTime() time.Duration {
	if h == nil || h.SettleTime == nil || *h.SettleTime == "" {
		return 200 * time.Millisecond
	}
	d, err := time.ParseDuration(*h.SettleTime)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

func (h *HardwareConfig) GetSerialPort() string {
	if h == nil || h.SerialPort == nil || *h.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *h.SerialPort
}

func (h *HardwareConfig) GetBaudRate() int {
	if h == nil || h.BaudRate == nil || *h.BaudRate == 0 {
		return 115200
	}
	return *h.BaudRate
}

// GetSamples returns the number of samples per capture.
func (h *HardwareConfig) GetSamples() int {
	if h == nil || h.Samples == nil {
		return 4096
	}
	return *h.Samples
}

// GetSampleRate returns the capture sample rate in Hz.
func (h *HardwareConfig) GetSampleRate() float64 {
	if h == nil || h.SampleRate == nil {
		return 125e3
	}
	return *h.SampleRate
}

func (h *HardwareConfig) GetStreamClient() string {
	if h == nil || h.StreamClient == nil || *h.StreamClient == "" {
		return "rpsa_client"
	}
	return *h.StreamClient
}

// GetStreamHost defaults to the host part of the command URL.
func (h *HardwareConfig) GetStreamHost() string {
	if h == nil || h.StreamHost == nil || *h.StreamHost == "" {
		return hostOf(h.GetURL())
	}
	return *h.StreamHost
}

func (h *HardwareConfig) GetStreamPort() int {
	if h == nil || h.StreamPort == nil || *h.StreamPort == 0 {
		return 8900
	}
	return *h.StreamPort
}

func (h *HardwareConfig) GetStreamMode() string {
	if h == nil || h.StreamMode == nil || *h.StreamMode == "" {
		return "raw"
	}
	return *h.StreamMode
}

func (h *HardwareConfig) GetCaptureDir() string {
	if h == nil || h.CaptureDir == nil || *h.CaptureDir == "" {
		return "./Dump"
	}
	return *h.CaptureDir
}

func (h *HardwareConfig) GetCaptureFile() string {
	if h == nil || h.CaptureFile == nil {
		return ""
	}
	return *h.CaptureFile
}

// GetSSHTarget defaults to the host part of the command URL.
func (h *HardwareConfig) GetSSHTarget() string {
	if h == nil || h.SSHTarget == nil || *h.SSHTarget == "" {
		return hostOf(h.GetURL())
	}
	return *h.SSHTarget
}

func (h *HardwareConfig) GetSSHUser() string {
	if h == nil || h.SSHUser == nil || *h.SSHUser == "" {
		return "root"
	}
	return *h.SSHUser
}

// GetSSHKey returns the identity file; empty leaves it to ssh.
func (h *HardwareConfig) GetSSHKey() string {
	if h == nil || h.SSHKey == nil {
		return ""
	}
	return *h.SSHKey
}

func (h *HardwareConfig) GetCaptureCommand() string {
	if h == nil || h.CaptureCommand == nil || *h.CaptureCommand == "" {
		return "/root/capture_signal"
	}
	return *h.CaptureCommand
}

func (h *HardwareConfig) GetRemoteCapturePath() string {
	if h == nil || h.RemoteCapturePath == nil || *h.RemoteCapturePath == "" {
		return "/root/acquisition_data.csv"
	}
	return *h.RemoteCapturePath
}

// GetSimulation returns the simulation block, which may be nil; its getters
// are nil-safe.
func (h *HardwareConfig) GetSimulation() *SimulationConfig {
	if h == nil {
		return nil
	}
	return h.Simulation
}

func (s *SimulationConfig) GetDriftStdDev() float64 {
	if s == nil || s.DriftStdDev == nil {
		return 0.002
	}
	return *s.DriftStdDev
}

func (s *SimulationConfig) GetNoiseStdDev() float64 {
	if s == nil || s.NoiseStdDev == nil {
		return 0.0005
	}
	return *s.NoiseStdDev
}

func (s *SimulationConfig) GetLoopDelay() int {
	if s == nil || s.LoopDelay == nil {
		return 2
	}
	return *s.LoopDelay
}

// GetFailEvery returns N for injecting a failure on every Nth capture; zero
// disables fault injection.
func (s *SimulationConfig) GetFailEvery() int {
	if s == nil || s.FailEvery == nil {
		return 0
	}
	return *s.FailEvery
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
