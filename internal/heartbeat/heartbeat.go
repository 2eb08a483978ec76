// Package heartbeat logs a periodic liveness line and blinks a status LED.
package heartbeat

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/shaunagostinho/gpslink/internal/eventloop"
)

// LED is the output half of a periph GPIO pin.
type LED interface {
	Out(l gpio.Level) error
}

// OpenLED initializes the host drivers and returns the named pin driven low.
func OpenLED(name string) (LED, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("heartbeat: periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("heartbeat: no GPIO pin named %q", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("heartbeat: drive %s low: %w", name, err)
	}
	return pin, nil
}

// Heartbeat runs on the event loop, so a stalled loop stops the blinking.
type Heartbeat struct {
	log   logrus.FieldLogger
	led   LED
	start time.Time
	now   func() time.Time
	mem   func() (total, free uint64)

	tick  bool
	level gpio.Level
	timer *eventloop.Timer
}

// New creates a heartbeat. led may be nil.
func New(log logrus.FieldLogger, led LED) *Heartbeat {
	return &Heartbeat{
		log:   log.WithField("module", "heartbeat"),
		led:   led,
		start: time.Now(),
		now:   time.Now,
		mem:   heapStats,
	}
}

// Start beats every interval on loop.
func (h *Heartbeat) Start(loop *eventloop.Loop, interval time.Duration) {
	h.timer = loop.SetTimer(interval, true, h.beat)
}

// Stop halts the timer and turns the LED off.
func (h *Heartbeat) Stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.led != nil {
		if err := h.led.Out(gpio.Low); err != nil {
			h.log.WithError(err).Warn("LED off failed")
		}
	}
}

func (h *Heartbeat) beat() {
	label := "Tock"
	if h.tick {
		label = "Tick"
	}
	total, free := h.mem()
	h.log.Infof("%s uptime: %.2f, RAM: %d, %d free", label, h.now().Sub(h.start).Seconds(), total, free)
	h.tick = !h.tick

	if h.led != nil {
		h.level = !h.level
		if err := h.led.Out(h.level); err != nil {
			h.log.WithError(err).Warn("LED toggle failed")
		}
	}
}

func heapStats() (total, free uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapSys, m.HeapIdle
}
