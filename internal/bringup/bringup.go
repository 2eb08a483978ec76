// Package bringup acquires the GPS device and attaches a session to it.
package bringup

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/config"
	"github.com/shaunagostinho/gpslink/internal/gps"
	"github.com/shaunagostinho/gpslink/internal/pmtk"
	"github.com/shaunagostinho/gpslink/internal/session"
)

var (
	// ErrNoDeviceConfigured means the driver has no global device.
	ErrNoDeviceConfigured = errors.New("bringup: no global GPS device configured")
	// ErrDeviceCreateFailed means the driver could not create a UART device.
	ErrDeviceCreateFailed = errors.New("bringup: GPS device creation failed")
	// ErrAlreadyBroughtUp is returned when the session already has a device.
	ErrAlreadyBroughtUp = errors.New("bringup: session already brought up")
)

// DefaultTimeout is the disconnect timeout used when none is configured.
const DefaultTimeout = time.Second

// Driver is the part of the GPS driver bring-up needs.
type Driver interface {
	GlobalDevice() gps.Device
	CreateUART(cfg gps.UARTConfig, h gps.EventHandler) (gps.Device, error)
}

// Strategy acquires a device and attaches sess to it.
type Strategy interface {
	Name() string
	BringUp(drv Driver, sess *session.Session, log logrus.FieldLogger) (gps.Device, error)
}

// ForConfig picks the strategy for cfg.Mode. Demo mode is an explicit
// bring-up; the caller supplies the simulated driver.
func ForConfig(cfg config.GPSConfig) Strategy {
	if cfg.Mode == config.ModeGlobal {
		return Global{TargetBaud: cfg.TargetBaud, Timeout: cfg.DisconnectTimeout()}
	}
	return Explicit{UART: cfg.UART, Timeout: cfg.DisconnectTimeout()}
}

// Run brings up one device for sess. It must run before the event loop
// starts, or on it.
func Run(drv Driver, sess *session.Session, strategy Strategy, log logrus.FieldLogger) (gps.Device, error) {
	log = log.WithField("module", "bringup")
	if sess.Device() != nil {
		return nil, ErrAlreadyBroughtUp
	}
	log.Infof("bringing up %s device", strategy.Name())
	dev, err := strategy.BringUp(drv, sess, log)
	if err != nil {
		return nil, err
	}
	log.Infof("%s ready", dev.Name())
	return dev, nil
}

// Global takes over the driver's preconfigured device and moves it to
// TargetBaud.
type Global struct {
	TargetBaud int
	Timeout    time.Duration
}

func (Global) Name() string { return "global" }

func (g Global) BringUp(drv Driver, sess *session.Session, log logrus.FieldLogger) (gps.Device, error) {
	dev := drv.GlobalDevice()
	if dev == nil {
		return nil, ErrNoDeviceConfigured
	}
	baudCmd, ok := pmtk.Lookup(pmtk.Baud(g.TargetBaud))
	if !ok {
		return nil, fmt.Errorf("bringup: unsupported target baud %d", g.TargetBaud)
	}

	if err := sess.Bind(dev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyBroughtUp, err)
	}
	dev.SetEventHandler(sess.HandleEvent)
	dev.SetProprietaryHandler(sess.HandleProprietary)

	// The receiver must see the command at the old rate before the host
	// switches; SetBaud is ordered behind it.
	log.Info("Sending change baud command to GPS")
	if err := dev.SendCommand(baudCmd.Text); err != nil {
		log.WithError(err).Errorf("could not queue %s", baudCmd.Text)
	}
	log.Infof("Switching host UART to %d baud", g.TargetBaud)
	if err := dev.SetBaud(g.TargetBaud); err != nil {
		dev.SetEventHandler(nil)
		dev.SetProprietaryHandler(nil)
		sess.Release()
		return nil, fmt.Errorf("bringup: set baud %d: %w", g.TargetBaud, err)
	}
	sess.MarkBaudNegotiated()

	dev.EnableDisconnectTimer(timeoutOrDefault(g.Timeout))
	return dev, nil
}

// Explicit creates a UART device from UART.
type Explicit struct {
	UART    gps.UARTConfig
	Timeout time.Duration
}

func (Explicit) Name() string { return "explicit" }

func (x Explicit) BringUp(drv Driver, sess *session.Session, log logrus.FieldLogger) (gps.Device, error) {
	dev, err := drv.CreateUART(x.UART, sess.HandleEvent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceCreateFailed, err)
	}
	if dev == nil {
		return nil, ErrDeviceCreateFailed
	}
	if err := sess.Bind(dev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyBroughtUp, err)
	}
	dev.SetProprietaryHandler(sess.HandleProprietary)
	dev.EnableDisconnectTimer(timeoutOrDefault(x.Timeout))
	return dev, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
