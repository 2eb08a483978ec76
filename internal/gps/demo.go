package gps

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/eventloop"
)

// DemoDevice simulates a PMTK receiver driving in a circle. It honours
// fix-rate and baud commands so the bring-up sequence can be exercised
// without hardware.
type DemoDevice struct {
	loop *eventloop.Loop
	log  logrus.FieldLogger

	mu          sync.Mutex
	handler     EventHandler
	proprietary ProprietaryHandler
	initialized bool
	baud        int
	period      time.Duration
	ticker      *eventloop.Timer

	// owned by the loop
	t         float64
	connected bool
	fix       bool
	lastFix   time.Time
}

// NewDemoDevice creates a simulated device at the given host baud.
func NewDemoDevice(loop *eventloop.Loop, log logrus.FieldLogger, baud int) *DemoDevice {
	if baud == 0 {
		baud = 9600
	}
	return &DemoDevice{
		loop:   loop,
		log:    log.WithField("device", "demo"),
		baud:   baud,
		period: time.Second,
	}
}

func (d *DemoDevice) Name() string { return "Demo GPS (Simulated)" }

func (d *DemoDevice) Baud() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

func (d *DemoDevice) SetEventHandler(h EventHandler) {
	d.mu.Lock()
	d.handler = h
	first := h != nil && !d.initialized
	if first {
		d.initialized = true
		d.ticker = d.loop.SetTimer(d.period, true, d.tick)
	}
	d.mu.Unlock()

	if first {
		d.loop.Post(func() { d.emit(Initialized{}) })
	}
}

func (d *DemoDevice) SetProprietaryHandler(h ProprietaryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proprietary = h
}

// SendCommand applies $PMTK300 (fix period) and acknowledges with $PMTK001.
func (d *DemoDevice) SendCommand(text string) error {
	d.log.Debugf("received %s", text)
	body := strings.TrimPrefix(text, "$")
	if i := strings.IndexByte(body, '*'); i >= 0 {
		body = body[:i]
	}
	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return nil
	}

	if fields[0] == "PMTK300" {
		if ms, err := strconv.Atoi(fields[1]); err == nil && ms > 0 {
			d.mu.Lock()
			d.period = time.Duration(ms) * time.Millisecond
			if d.ticker != nil {
				d.ticker.Stop()
				d.ticker = d.loop.SetTimer(d.period, true, d.tick)
			}
			d.mu.Unlock()
		}
	}

	cmd := strings.TrimPrefix(fields[0], "PMTK")
	d.loop.Post(func() { d.ack(cmd) })
	return nil
}

func (d *DemoDevice) SetBaud(bps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = bps
	return nil
}

// EnableDisconnectTimer is a no-op: the simulated link never goes silent.
func (d *DemoDevice) EnableDisconnectTimer(time.Duration) {}

func (d *DemoDevice) Location() Location {
	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	return Location{
		Latitude:  centerLat + radius*math.Sin(d.t*0.1),
		Longitude: centerLon + radius*math.Cos(d.t*0.1),
		Valid:     d.fix,
		Age:       time.Since(d.lastFix),
	}
}

func (d *DemoDevice) Datetime() Datetime {
	now := time.Now().UTC()
	return Datetime{
		Hours:   now.Hour(),
		Minutes: now.Minute(),
		Seconds: now.Second(),
		Valid:   d.fix,
		Age:     time.Since(d.lastFix),
	}
}

func (d *DemoDevice) tick() {
	if !d.connected {
		d.connected = true
		d.emit(Connected{})
		return
	}
	d.t += 0.1
	d.lastFix = time.Now()
	d.emit(LocationUpdate{Sentence: "RMC"})
	if !d.fix {
		d.fix = true
		d.emit(FixAcquired{})
	}
}

func (d *DemoDevice) ack(cmd string) {
	d.mu.Lock()
	h := d.proprietary
	d.mu.Unlock()
	if h == nil {
		return
	}
	body := "PMTK001," + cmd + ",3"
	h([]byte("$"+body+"*"+nmea.Checksum(body)), d)
}

func (d *DemoDevice) emit(ev Event) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(d, ev)
	}
}

// DemoDriver hands out simulated devices in place of serial ones.
type DemoDriver struct {
	loop   *eventloop.Loop
	log    logrus.FieldLogger
	global Device
}

// NewDemoDriver creates a driver whose global device is simulated.
func NewDemoDriver(loop *eventloop.Loop, log logrus.FieldLogger) *DemoDriver {
	log = log.WithField("module", "gps")
	return &DemoDriver{loop: loop, log: log, global: NewDemoDevice(loop, log, 9600)}
}

func (d *DemoDriver) GlobalDevice() Device { return d.global }

func (d *DemoDriver) CreateUART(cfg UARTConfig, h EventHandler) (Device, error) {
	dev := NewDemoDevice(d.loop, d.log, cfg.Baud)
	dev.SetEventHandler(h)
	return dev, nil
}
