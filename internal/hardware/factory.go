package hardware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.bug.st/serial"

	"github.com/banshee-data/phasetune/internal/config"
	"github.com/banshee-data/phasetune/internal/optimize"
	"github.com/banshee-data/phasetune/internal/remote"
	"github.com/banshee-data/phasetune/internal/serialmux"
	"github.com/banshee-data/phasetune/internal/timeutil"
)

// Setup is the hardware assembled from configuration.
type Setup struct {
	Channel   optimize.HardwareChannel
	Rig       *Rig
	Simulator *Simulator // set when either side is simulated
	Serial    *serialmux.SerialMux[serial.Port]

	closers []func() error
}

// Close releases ports and stops background readers.
func (s *Setup) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// AttachAdminRoutes exposes the serial console when a serial backend is in
// use.
func (s *Setup) AttachAdminRoutes(mux *http.ServeMux) {
	if s.Serial != nil {
		s.Serial.AttachAdminRoutes(mux)
	}
}

// Open builds the channel described by cfg.Hardware. With simulate set
// both sides use the simulated plant regardless of the configured backends.
func Open(ctx context.Context, cfg *config.OptimizerConfig, clock timeutil.Clock, simulate bool) (*Setup, error) {
	hw := cfg.Hardware
	layout := GainLayout{Channels: hw.GetChannels(), Setpoint: hw.GetDeviceSetpoint()}
	if genes := len(cfg.GetBounds()); layout.Genes() != genes {
		return nil, &config.Error{
			Field:  "hardware.channels",
			Reason: fmt.Sprintf("%d channels need %d genes, have %d", len(layout.Channels), layout.Genes(), genes),
		}
	}

	controller, capture := hw.GetController(), hw.GetCapture()
	if simulate {
		controller, capture = config.BackendSimulated, config.BackendSimulated
	}

	s := &Setup{}
	if controller == config.BackendSimulated || capture == config.BackendSimulated {
		s.Simulator = SimulatorFromConfig(cfg)
	}
	if controller == config.BackendSerial || capture == config.BackendSerial {
		if err := s.openSerial(ctx, hw); err != nil {
			return nil, err
		}
	}

	var board *remote.Executor
	if controller == config.BackendSSH || capture == config.BackendSSH {
		var err error
		if board, err = remote.NewExecutor(hw.GetSSHTarget(), hw.GetSSHUser(), hw.GetSSHKey()); err != nil {
			s.Close()
			return nil, err
		}
		logf("ssh target %s", board.Target.Destination())
	}

	rig := &Rig{Layout: layout, Settle: hw.GetSettleTime(), Clock: clock}
	switch controller {
	case config.BackendSimulated:
		rig.Commander = s.Simulator
	case config.BackendWebSocket:
		rig.Commander = &WebSocketCommander{
			URL:             hw.GetURL(),
			PIDExecutable:   hw.GetPIDExecutable(),
			ResetExecutable: hw.GetResetExecutable(),
			Timeout:         cfg.GetEvaluationTimeout(),
		}
	case config.BackendSerial:
		rig.Commander = &SerialCommander{Mux: s.Serial}
	case config.BackendSSH:
		rig.Commander = &SSHCommander{
			Exec:            board,
			PIDExecutable:   hw.GetPIDExecutable(),
			ResetExecutable: hw.GetResetExecutable(),
		}
	default:
		s.Close()
		return nil, &config.Error{Field: "hardware.controller", Reason: fmt.Sprintf("unknown backend %q", controller)}
	}

	switch capture {
	case config.BackendSimulated:
		rig.Capturer = s.Simulator
	case config.BackendStream:
		rig.Capturer = &StreamCapturer{
			Client:  hw.GetStreamClient(),
			Host:    hw.GetStreamHost(),
			Port:    hw.GetStreamPort(),
			Mode:    hw.GetStreamMode(),
			Samples: hw.GetSamples(),
			Dir:     hw.GetCaptureDir(),
			Timeout: cfg.GetEvaluationTimeout(),
		}
	case config.BackendSerial:
		rig.Capturer = &SerialCapturer{Mux: s.Serial, Samples: hw.GetSamples(), SampleRate: hw.GetSampleRate()}
	case config.BackendSSH:
		rig.Capturer = &SSHCapturer{
			Exec:       board,
			Command:    hw.GetCaptureCommand(),
			RemotePath: hw.GetRemoteCapturePath(),
			Dir:        hw.GetCaptureDir(),
			SampleRate: hw.GetSampleRate(),
			Timeout:    cfg.GetEvaluationTimeout(),
		}
	case config.BackendFile:
		rig.Capturer = FileCapturer{Path: hw.GetCaptureFile(), SampleRate: hw.GetSampleRate()}
	default:
		s.Close()
		return nil, &config.Error{Field: "hardware.capture", Reason: fmt.Sprintf("unknown backend %q", capture)}
	}

	s.Rig = rig
	s.Channel = rig
	if n := hw.GetSimulation().GetFailEvery(); n > 0 {
		logf("injecting a capture fault every %d evaluations", n)
		s.Channel = &FaultInjector{Channel: rig, N: n}
	}
	logf("controller=%s capture=%s channels=%v settle=%s", controller, capture, layout.Channels, rig.Settle)
	return s, nil
}

func (s *Setup) openSerial(ctx context.Context, hw *config.HardwareConfig) error {
	mux, err := serialmux.NewRealSerialMux(hw.GetSerialPort(), serialmux.PortOptions{BaudRate: hw.GetBaudRate()})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", hw.GetSerialPort(), err)
	}
	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mux.Monitor(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logf("serial monitor stopped: %v", err)
		}
	}()
	s.Serial = mux
	s.closers = append(s.closers, func() error {
		cancel()
		err := mux.Close()
		<-done
		return err
	})

	if err := mux.Initialise(ctx); err != nil {
		s.Close()
		return fmt.Errorf("initialise controller on %s: %w", hw.GetSerialPort(), err)
	}
	return nil
}
