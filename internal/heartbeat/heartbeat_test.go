package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/shaunagostinho/gpslink/internal/eventloop"
)

type fakeLED struct {
	mu     sync.Mutex
	levels []gpio.Level
}

func (f *fakeLED) Out(l gpio.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, l)
	return nil
}

func (f *fakeLED) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.levels)
}

func TestBeatAlternates(t *testing.T) {
	log, hook := test.NewNullLogger()
	led := &fakeLED{}
	h := New(log, led)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.start = start
	h.now = func() time.Time { return start.Add(1500 * time.Millisecond) }
	h.mem = func() (uint64, uint64) { return 4096, 1024 }

	h.beat()
	h.beat()
	h.beat()

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Tock uptime: 1.50, RAM: 4096, 1024 free", entries[0].Message)
	assert.Equal(t, "Tick uptime: 1.50, RAM: 4096, 1024 free", entries[1].Message)
	assert.Equal(t, "Tock uptime: 1.50, RAM: 4096, 1024 free", entries[2].Message)
	assert.Equal(t, []gpio.Level{gpio.High, gpio.Low, gpio.High}, led.levels)
}

func TestBeatWithoutLED(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := New(log, nil)

	assert.NotPanics(t, h.beat)
	assert.Len(t, hook.AllEntries(), 1)
	h.Stop()
}

func TestStartOnLoop(t *testing.T) {
	log, _ := test.NewNullLogger()
	loop := eventloop.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	led := &fakeLED{}
	h := New(log, led)
	h.Start(loop, 10*time.Millisecond)

	require.Eventually(t, func() bool { return led.count() >= 3 }, time.Second, 5*time.Millisecond)
	stopped := make(chan struct{})
	require.True(t, loop.Post(func() { h.Stop(); close(stopped) }))
	<-stopped
	// Stop drives the LED low.
	led.mu.Lock()
	last := led.levels[len(led.levels)-1]
	led.mu.Unlock()
	assert.Equal(t, gpio.Low, last)
}
