package gps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/gpslink/internal/eventloop"
)

var (
	// ErrTxBufferFull is returned when a command does not fit the transmit buffer.
	ErrTxBufferFull = errors.New("gps: transmit buffer full")
	// ErrClosed is returned for writes to a closed device.
	ErrClosed = errors.New("gps: device closed")
)

// UARTConfig describes the serial link to a receiver.
type UARTConfig struct {
	Port      string          `yaml:"port" json:"port"` // e.g. /dev/ttyS2
	Baud      int             `yaml:"baud" json:"baud"`
	DataBits  int             `yaml:"-" json:"dataBits"`
	Parity    serial.Parity   `yaml:"-" json:"parity"`
	StopBits  serial.StopBits `yaml:"-" json:"stopBits"`
	TxBufSize int             `yaml:"tx_buf_size" json:"txBufSize"`
	RxBufSize int             `yaml:"rx_buf_size" json:"rxBufSize"`
}

// DefaultUARTConfig returns 8N1 at 9600 baud with 512/128 byte buffers.
func DefaultUARTConfig(port string) UARTConfig {
	return UARTConfig{
		Port:      port,
		Baud:      9600,
		DataBits:  8,
		Parity:    serial.NoParity,
		StopBits:  serial.OneStopBit,
		TxBufSize: 512,
		RxBufSize: 128,
	}
}

func (c UARTConfig) mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
}

// Port is the part of serial.Port the device needs.
type Port interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	Drain() error
}

// Opener opens a serial port.
type Opener func(name string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type txItem struct {
	data []byte
	baud int // non-zero: switch rate instead of writing
}

// UARTDevice reads NMEA 0183 sentences from a serial receiver and reports
// events on the loop. Compatible with MediaTek (PMTK) and u-blox receivers.
type UARTDevice struct {
	cfg  UARTConfig
	loop *eventloop.Loop
	port Port
	log  logrus.FieldLogger
	now  func() time.Time

	mu          sync.Mutex
	handler     EventHandler
	proprietary ProprietaryHandler
	initialized bool
	baud        int
	timer       *eventloop.Timer

	// owned by the loop
	connected bool
	closed    bool
	fixValid  bool
	loc       Location
	locAt     time.Time
	dt        Datetime
	dtAt      time.Time

	txMu     sync.Mutex
	txQueued int
	txClosed bool
	tx       chan txItem

	done      chan struct{}
	closeOnce sync.Once
}

func newUARTDevice(cfg UARTConfig, port Port, loop *eventloop.Loop, log logrus.FieldLogger) *UARTDevice {
	if cfg.TxBufSize <= 0 {
		cfg.TxBufSize = 512
	}
	if cfg.RxBufSize <= 0 {
		cfg.RxBufSize = 128
	}
	d := &UARTDevice{
		cfg:  cfg,
		loop: loop,
		port: port,
		log:  log.WithField("port", cfg.Port),
		now:  time.Now,
		baud: cfg.Baud,
		tx:   make(chan txItem, 64),
		done: make(chan struct{}),
	}
	return d
}

func (d *UARTDevice) start() {
	go d.readLoop()
	go d.writeLoop()
}

func (d *UARTDevice) Name() string { return "UART " + d.cfg.Port }

func (d *UARTDevice) Baud() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

func (d *UARTDevice) SetEventHandler(h EventHandler) {
	d.mu.Lock()
	d.handler = h
	first := h != nil && !d.initialized
	if first {
		d.initialized = true
	}
	d.mu.Unlock()

	if first {
		d.loop.Post(func() { d.emit(Initialized{}) })
	}
}

func (d *UARTDevice) SetProprietaryHandler(h ProprietaryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proprietary = h
}

func (d *UARTDevice) SendCommand(text string) error {
	data := []byte(text + "\r\n")

	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.txClosed {
		return ErrClosed
	}
	if d.txQueued+len(data) > d.cfg.TxBufSize {
		return fmt.Errorf("%w: %d of %d bytes queued", ErrTxBufferFull, d.txQueued, d.cfg.TxBufSize)
	}
	select {
	case d.tx <- txItem{data: data}:
		d.txQueued += len(data)
		return nil
	default:
		return ErrTxBufferFull
	}
}

func (d *UARTDevice) SetBaud(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("gps: invalid baud %d", bps)
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.txClosed {
		return ErrClosed
	}
	select {
	case d.tx <- txItem{baud: bps}:
		return nil
	default:
		return ErrTxBufferFull
	}
}

func (d *UARTDevice) EnableDisconnectTimer(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.loop.SetTimer(timeout, false, func() { d.handleTimeout(timeout) })
}

func (d *UARTDevice) Location() Location {
	loc := d.loc
	if loc.Valid {
		loc.Age = d.now().Sub(d.locAt)
	}
	return loc
}

func (d *UARTDevice) Datetime() Datetime {
	dt := d.dt
	if dt.Valid {
		dt.Age = d.now().Sub(d.dtAt)
	}
	return dt
}

// Close stops the device. A Disconnected event follows on the loop.
func (d *UARTDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.txMu.Lock()
		d.txClosed = true
		d.txMu.Unlock()

		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.mu.Unlock()

		close(d.done)
		err = d.port.Close()
	})
	return err
}

func (d *UARTDevice) readLoop() {
	scanner := bufio.NewScanner(d.port)
	// NMEA sentences are at most 82 chars; vendor ones can run longer.
	scanner.Buffer(make([]byte, 0, d.cfg.RxBufSize), 4096)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		if !d.loop.Post(func() { d.handleLine(buf) }) {
			d.log.Warn("event loop full, dropping sentence")
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	// Unlike sentences, the disconnect must not be dropped.
	for i := 0; !d.loop.Post(func() { d.handleDisconnect(err) }); i++ {
		if i == 100 {
			d.log.WithError(err).Error("event loop full, disconnect not delivered")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (d *UARTDevice) writeLoop() {
	for {
		select {
		case <-d.done:
			return
		case it := <-d.tx:
			if it.baud > 0 {
				d.switchBaud(it.baud)
				continue
			}
			if _, err := d.port.Write(it.data); err != nil {
				d.log.WithError(err).Error("write failed")
			}
			d.txMu.Lock()
			d.txQueued -= len(it.data)
			d.txMu.Unlock()
		}
	}
}

// switchBaud changes the port rate once everything written so far has left
// the OS buffer. Baud reports the new rate only after the switch.
func (d *UARTDevice) switchBaud(bps int) {
	if err := d.port.Drain(); err != nil {
		d.log.WithError(err).Warn("drain before baud switch failed")
	}
	if err := d.port.SetMode(d.cfg.mode(bps)); err != nil {
		d.log.WithError(err).Errorf("failed to switch to %d baud", bps)
		return
	}
	d.mu.Lock()
	d.baud = bps
	d.mu.Unlock()
	d.log.Infof("switched to %d baud", bps)
}

func (d *UARTDevice) emit(ev Event) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(d, ev)
	}
}

func (d *UARTDevice) handleLine(line []byte) {
	if d.closed {
		return
	}
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Reset()
	}
	prop := d.proprietary
	d.mu.Unlock()

	if !d.connected {
		d.connected = true
		d.emit(Connected{})
	}

	if bytes.HasPrefix(line, []byte("$P")) {
		if prop != nil {
			prop(line, d)
		}
		return
	}

	s, err := nmea.Parse(string(line))
	if err != nil {
		d.log.WithError(err).Debugf("dropping %q", line)
		return
	}
	switch m := s.(type) {
	case nmea.RMC:
		d.applyRMC(m)
	case nmea.GGA:
		d.applyGGA(m)
	}
}

func (d *UARTDevice) applyRMC(m nmea.RMC) {
	now := d.now()
	if m.Time.Valid {
		d.dt = Datetime{Hours: m.Time.Hour, Minutes: m.Time.Minute, Seconds: m.Time.Second, Valid: true}
		d.dtAt = now
	}

	valid := m.Validity == nmea.ValidRMC
	if valid {
		d.loc = Location{Longitude: m.Longitude, Latitude: m.Latitude, Valid: true}
		d.locAt = now
		d.emit(LocationUpdate{Sentence: m.DataType()})
	}
	if valid != d.fixValid {
		d.fixValid = valid
		if valid {
			d.emit(FixAcquired{})
		} else {
			d.emit(FixLost{})
		}
	}
}

// applyGGA refreshes the position silently; RMC drives the events.
func (d *UARTDevice) applyGGA(m nmea.GGA) {
	if m.FixQuality == nmea.Invalid {
		return
	}
	now := d.now()
	d.loc = Location{Longitude: m.Longitude, Latitude: m.Latitude, Valid: true}
	d.locAt = now
	if m.Time.Valid {
		d.dt = Datetime{Hours: m.Time.Hour, Minutes: m.Time.Minute, Seconds: m.Time.Second, Valid: true}
		d.dtAt = now
	}
}

func (d *UARTDevice) handleTimeout(timeout time.Duration) {
	if d.closed {
		return
	}
	d.connected = false
	d.emit(TimedOut{Silence: timeout})

	// Keep reporting while the link stays silent.
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Reset()
	}
	d.mu.Unlock()
}

func (d *UARTDevice) handleDisconnect(err error) {
	if d.closed {
		return
	}
	d.closed = true
	d.connected = false
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.emit(Disconnected{Err: err})
}
