package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gpslink/internal/gps"
	"github.com/shaunagostinho/gpslink/internal/pmtk"
)

type fakeDevice struct {
	commands []string
	bauds    []int
	baud     int
	sendErr  error

	loc gps.Location
	dt  gps.Datetime

	handler     gps.EventHandler
	proprietary gps.ProprietaryHandler
	timeouts    []time.Duration
}

func (f *fakeDevice) Name() string { return "fake" }
func (f *fakeDevice) Baud() int    { return f.baud }

func (f *fakeDevice) SetEventHandler(h gps.EventHandler)             { f.handler = h }
func (f *fakeDevice) SetProprietaryHandler(h gps.ProprietaryHandler) { f.proprietary = h }

func (f *fakeDevice) SendCommand(text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands = append(f.commands, text)
	return nil
}

func (f *fakeDevice) SetBaud(bps int) error {
	f.bauds = append(f.bauds, bps)
	f.baud = bps
	return nil
}

func (f *fakeDevice) EnableDisconnectTimer(d time.Duration) { f.timeouts = append(f.timeouts, d) }
func (f *fakeDevice) Location() gps.Location                { return f.loc }
func (f *fakeDevice) Datetime() gps.Datetime                { return f.dt }

func (f *fakeDevice) count(text string) int {
	n := 0
	for _, c := range f.commands {
		if c == text {
			n++
		}
	}
	return n
}

type recordingSink struct{ reports []Report }

func (r *recordingSink) Publish(rep Report) { r.reports = append(r.reports, rep) }

type panickingSink struct{}

func (panickingSink) Publish(Report) { panic("sink exploded") }

func newTestSession(t *testing.T, opts Options) (*Session, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return New(log, opts), hook
}

func messages(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

var fix5Hz = pmtk.For(pmtk.FixRate(pmtk.Hz(5))).Text

func TestLocationScenario(t *testing.T) {
	s, hook := newTestSession(t, Options{})
	dev := &fakeDevice{
		baud: 9600,
		loc:  gps.Location{Longitude: 12.34, Latitude: 56.78, Valid: true, Age: 50 * time.Millisecond},
		dt:   gps.Datetime{Hours: 7, Minutes: 5, Seconds: 9, Valid: true},
	}

	s.HandleEvent(dev, gps.Initialized{})
	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.LocationUpdate{Sentence: "RMC"})
	s.HandleEvent(dev, gps.FixAcquired{})

	assert.Equal(t, []string{fix5Hz}, dev.commands)
	assert.Empty(t, dev.bauds)
	for _, c := range dev.commands {
		assert.False(t, strings.HasPrefix(c, "$PMTK251"), "unexpected baud command %s", c)
	}

	var locLines int
	for _, m := range messages(hook) {
		if strings.Contains(m, "12.34") && strings.Contains(m, "56.78") {
			locLines++
			assert.Contains(t, m, "Age 50")
		}
	}
	assert.Equal(t, 1, locLines)
	assert.Contains(t, messages(hook), "Time is: 07:05:09")
	assert.Equal(t, StateConnected, s.Current())
	assert.True(t, s.State().HighRateRequested)
}

func TestReconnectScenario(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	dev := &fakeDevice{baud: 9600}

	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.TimedOut{Silence: time.Second})
	assert.Equal(t, StateTimedOut, s.Current())
	s.HandleEvent(dev, gps.Disconnected{})
	assert.Equal(t, StateIdle, s.Current())
	assert.False(t, s.State().HighRateRequested)
	s.HandleEvent(dev, gps.Connected{})

	assert.Equal(t, 2, dev.count(fix5Hz))
}

func TestDuplicateConnectedSendsOnce(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	dev := &fakeDevice{}

	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.Connected{})

	assert.Equal(t, 1, dev.count(fix5Hz))
	assert.Equal(t, StateConnected, s.Current())
}

func TestTimedOutThenConnectedDoesNotResend(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	dev := &fakeDevice{}

	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.TimedOut{})
	s.HandleEvent(dev, gps.Connected{})

	assert.Equal(t, 1, dev.count(fix5Hz))
	assert.Equal(t, StateConnected, s.Current())
}

func TestTransitionsAreTotal(t *testing.T) {
	events := []struct {
		ev   gps.Event
		next func(from string) string
	}{
		{gps.Initialized{}, func(from string) string { return from }},
		{gps.LocationUpdate{Sentence: "RMC"}, func(from string) string { return from }},
		{gps.FixAcquired{}, func(from string) string { return from }},
		{gps.FixLost{}, func(from string) string { return from }},
		{gps.Connected{}, func(string) string { return StateConnected }},
		{gps.TimedOut{}, func(string) string { return StateTimedOut }},
		{gps.Disconnected{}, func(string) string { return StateIdle }},
	}

	for _, from := range States {
		for _, tc := range events {
			t.Run(from+"/"+tc.ev.Kind().String(), func(t *testing.T) {
				s, _ := newTestSession(t, Options{})
				s.fsm.SetState(from)
				dev := &fakeDevice{}

				assert.NotPanics(t, func() { s.HandleEvent(dev, tc.ev) })
				assert.Equal(t, tc.next(from), s.Current())
			})
		}
	}
}

func TestProprietaryLineIsTerminated(t *testing.T) {
	s, hook := newTestSession(t, Options{})
	dev := &fakeDevice{}

	// Span into a larger buffer with no NUL after it.
	raw := []byte("$PGTOP,11,2*6E$GPRMC")
	line := raw[:14]
	s.HandleProprietary(line, dev)

	buf := nulTerminated(line)
	require.Len(t, buf, len(line)+1)
	assert.Equal(t, byte(0), buf[len(line)])
	assert.Equal(t, "$PGTOP,11,2*6E", cString(buf))

	assert.Contains(t, messages(hook), "Proprietary sentence is: $PGTOP,11,2*6E")
	assert.Equal(t, "$PGTOP,11,2*6E$GPRMC", string(raw), "input span must not be modified")
}

func TestSinkPanicStaysInSession(t *testing.T) {
	s, hook := newTestSession(t, Options{Sinks: []Sink{panickingSink{}}})
	dev := &fakeDevice{}

	assert.NotPanics(t, func() { s.HandleProprietary([]byte("$PGTOP,11,2*6E"), dev) })
	assert.Contains(t, messages(hook), "recovered from panic handling PROPRIETARY: sink exploded")

	assert.NotPanics(t, func() { s.HandleEvent(dev, gps.FixLost{}) })
	assert.Contains(t, messages(hook), "recovered from panic handling gps.FixLost: sink exploded")
}

func TestCStringStopsAtNUL(t *testing.T) {
	assert.Equal(t, "abc", cString([]byte("abc\x00def")))
	assert.Equal(t, "abc", cString([]byte("abc")))
	assert.Equal(t, "", cString([]byte{0}))
}

func TestTimeoutCyclesBaud(t *testing.T) {
	s, hook := newTestSession(t, Options{FallbackBauds: []int{9600, 57600, 115200}})
	dev := &fakeDevice{baud: 57600}

	s.HandleEvent(dev, gps.TimedOut{})
	s.HandleEvent(dev, gps.TimedOut{})
	s.HandleEvent(dev, gps.TimedOut{})

	assert.Equal(t, []int{115200, 9600, 57600}, dev.bauds)
	assert.Contains(t, messages(hook), "Trying 115200 baud")
	assert.Empty(t, dev.commands, "the receiver rate is never changed on timeout")
}

func TestTimeoutOnWorkingLinkKeepsRate(t *testing.T) {
	s, _ := newTestSession(t, Options{FallbackBauds: []int{9600, 57600, 115200}})
	dev := &fakeDevice{baud: 57600}
	require.NoError(t, s.Bind(dev))

	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.TimedOut{})
	assert.Equal(t, StateTimedOut, s.Current())
	assert.Empty(t, dev.bauds)

	// Still silent: now the rate is suspect.
	s.HandleEvent(dev, gps.TimedOut{})
	assert.Equal(t, []int{115200}, dev.bauds)

	// Recovering and dropping out again starts over.
	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.TimedOut{})
	assert.Equal(t, []int{115200}, dev.bauds)
}

func TestTimeoutWithoutCycle(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	dev := &fakeDevice{baud: 9600}

	s.HandleEvent(dev, gps.TimedOut{})
	assert.Empty(t, dev.bauds)
}

func TestBaudCycleNext(t *testing.T) {
	c := BaudCycle{9600, 57600, 115200}
	assert.Equal(t, 57600, c.Next(9600))
	assert.Equal(t, 9600, c.Next(115200))
	assert.Equal(t, 9600, c.Next(4800))
	assert.Equal(t, 4800, BaudCycle(nil).Next(4800))
}

func TestEnqueueFailureStillMarksRequested(t *testing.T) {
	s, hook := newTestSession(t, Options{})
	dev := &fakeDevice{sendErr: gps.ErrTxBufferFull}

	s.HandleEvent(dev, gps.Connected{})

	assert.True(t, s.State().HighRateRequested)
	var found bool
	for _, e := range hook.AllEntries() {
		if err, ok := e.Data[logrus.ErrorKey].(error); ok && errors.Is(err, ErrCommandEnqueueFailed) {
			found = true
			assert.Equal(t, logrus.ErrorLevel, e.Level)
		}
	}
	assert.True(t, found, "enqueue failure not logged")

	// Not retried on a duplicate CONNECTED.
	dev.sendErr = nil
	s.HandleEvent(dev, gps.Connected{})
	assert.Empty(t, dev.commands)
}

type strayEvent struct{}

func (strayEvent) Kind() gps.EventKind { return gps.EventKind(99) }

func TestUnexpectedEventIsLogged(t *testing.T) {
	s, hook := newTestSession(t, Options{})

	assert.NotPanics(t, func() { s.HandleEvent(&fakeDevice{}, strayEvent{}) })
	last := hook.LastEntry()
	require.NotNil(t, last)
	err, ok := last.Data[logrus.ErrorKey].(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
	assert.Equal(t, StateIdle, s.Current())
}

func TestLocationIgnoredWhenNotConnected(t *testing.T) {
	s, hook := newTestSession(t, Options{})
	dev := &fakeDevice{loc: gps.Location{Longitude: 1, Latitude: 2, Valid: true}}

	s.HandleEvent(dev, gps.LocationUpdate{Sentence: "RMC"})

	for _, m := range messages(hook) {
		assert.NotContains(t, m, "Lon:")
	}
	assert.Nil(t, s.Snapshot().LastLocation)
}

func TestBind(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	dev := &fakeDevice{baud: 57600}

	require.NoError(t, s.Bind(dev))
	assert.Equal(t, StateAwaitingConnect, s.Current())
	assert.ErrorIs(t, s.Bind(dev), ErrAlreadyBound)

	// Events without a device fall back to the bound one.
	s.HandleEvent(nil, gps.Connected{})
	assert.Equal(t, []string{fix5Hz}, dev.commands)
}

func TestCustomFixRate(t *testing.T) {
	s, hook := newTestSession(t, Options{FixRate: pmtk.FixRate(pmtk.Hz(10))})
	dev := &fakeDevice{}

	s.HandleEvent(dev, gps.Connected{})

	assert.Equal(t, []string{"$PMTK300,100,0,0,0,0*2C"}, dev.commands)
	assert.Contains(t, messages(hook), "Sending 10Hz fix command")
}

func TestSnapshotAndSinks(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestSession(t, Options{Sinks: []Sink{sink}})
	dev := &fakeDevice{baud: 57600, loc: gps.Location{Longitude: 12.34, Latitude: 56.78, Valid: true}}

	assert.Equal(t, StateIdle, s.Snapshot().State)
	require.NoError(t, s.Bind(dev))
	s.MarkBaudNegotiated()
	s.HandleEvent(dev, gps.Connected{})
	s.HandleEvent(dev, gps.LocationUpdate{Sentence: "RMC"})
	s.HandleProprietary([]byte("$PGTOP,11,2*6E"), dev)

	snap := s.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, "fake", snap.Device)
	assert.Equal(t, 57600, snap.Baud)
	assert.True(t, snap.Negotiation.BaudNegotiated)
	assert.True(t, snap.Negotiation.HighRateRequested)
	require.NotNil(t, snap.LastLocation)
	assert.InDelta(t, 56.78, snap.LastLocation.Latitude, 1e-9)

	require.Len(t, sink.reports, 3)
	assert.Equal(t, "CONNECTED", sink.reports[0].Kind)
	assert.Equal(t, "LOCATION_UPDATE", sink.reports[1].Kind)
	require.NotNil(t, sink.reports[1].Location)
	assert.Equal(t, StateConnected, sink.reports[1].State)
	assert.Equal(t, KindProprietary, sink.reports[2].Kind)
	assert.Equal(t, "$PGTOP,11,2*6E", sink.reports[2].Line)
}
