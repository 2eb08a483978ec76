package gps

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/eventloop"
)

// Driver creates UART-backed devices and owns the process wide global one.
type Driver struct {
	loop *eventloop.Loop
	open Opener
	log  logrus.FieldLogger

	mu      sync.Mutex
	global  Device
	devices []*UARTDevice
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithOpener replaces the serial port opener, mainly for tests.
func WithOpener(open Opener) DriverOption {
	return func(d *Driver) { d.open = open }
}

// NewDriver creates a driver whose devices report on loop.
func NewDriver(loop *eventloop.Loop, log logrus.FieldLogger, opts ...DriverOption) *Driver {
	d := &Driver{
		loop: loop,
		open: OpenSerial,
		log:  log.WithField("module", "gps"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// CreateUART opens cfg.Port and returns a device reporting to h.
func (d *Driver) CreateUART(cfg UARTConfig, h EventHandler) (Device, error) {
	dev, err := d.createUART(cfg, h)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Driver) createUART(cfg UARTConfig, h EventHandler) (*UARTDevice, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("gps: no port configured")
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	port, err := d.open(cfg.Port, cfg.mode(cfg.Baud))
	if err != nil {
		return nil, fmt.Errorf("gps: failed to open %s: %w", cfg.Port, err)
	}
	dev := newUARTDevice(cfg, port, d.loop, d.log)
	dev.SetEventHandler(h)
	dev.start()

	d.mu.Lock()
	d.devices = append(d.devices, dev)
	d.mu.Unlock()

	d.log.Infof("opened %s at %d baud", cfg.Port, cfg.Baud)
	return dev, nil
}

// InitGlobal creates the global device from configuration. Its event
// handler is attached later through the device itself.
func (d *Driver) InitGlobal(cfg UARTConfig) error {
	dev, err := d.createUART(cfg, nil)
	if err != nil {
		return err
	}
	d.setGlobal(dev)
	return nil
}

// setGlobal installs dev as the global device.
func (d *Driver) setGlobal(dev Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = dev
}

// GlobalDevice returns the global device, or nil if none was created.
func (d *Driver) GlobalDevice() Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.global
}

// Close closes every device this driver opened.
func (d *Driver) Close() {
	d.mu.Lock()
	devices := d.devices
	d.devices = nil
	d.mu.Unlock()

	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			d.log.WithError(err).Warn("close failed")
		}
	}
}
