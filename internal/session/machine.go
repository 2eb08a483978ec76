// Package session tracks the negotiation state of one GPS link and reacts to
// the events its driver reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpslink/internal/gps"
	"github.com/shaunagostinho/gpslink/internal/pmtk"
)

// Session states.
const (
	StateIdle            = "idle"
	StateAwaitingConnect = "awaiting_connect"
	StateConnected       = "connected"
	StateTimedOut        = "timed_out"
)

// States lists every session state.
var States = []string{StateIdle, StateAwaitingConnect, StateConnected, StateTimedOut}

// Transition events. Driver events reuse the driver's tag names.
const (
	evBringUp      = "BRING_UP"
	evConnected    = "CONNECTED"
	evTimedOut     = "TIMEDOUT"
	evDisconnected = "DISCONNECTED"
)

var (
	// ErrCommandEnqueueFailed wraps a device refusing a command. It is
	// logged, never retried.
	ErrCommandEnqueueFailed = errors.New("session: command enqueue failed")
	// ErrUnexpectedEvent is logged for events the dispatcher does not know.
	ErrUnexpectedEvent = errors.New("session: unexpected event payload")
	// ErrAlreadyBound is returned when a second device is bound.
	ErrAlreadyBound = errors.New("session: device already bound")
)

// State is the negotiation progress of the current link.
type State struct {
	BaudNegotiated    bool `json:"baudNegotiated"`
	HighRateRequested bool `json:"highRateRequested"`
}

// Options configures a Session.
type Options struct {
	// FixRate is sent once per connection. Defaults to 5 Hz.
	FixRate pmtk.Intent
	// FallbackBauds is cycled through on TIMEDOUT. Empty disables cycling.
	FallbackBauds []int
	Sinks         []Sink
}

// Session is the state machine plus event dispatcher for one device. All
// methods except Snapshot must run on the event loop (or before it starts).
type Session struct {
	log       logrus.FieldLogger
	fsm       *fsm.FSM
	fixIntent pmtk.Intent
	fixRate   pmtk.Command
	cycle     BaudCycle
	sinks     []Sink

	dev   gps.Device
	state State
	last  gps.Location

	snap atomic.Value // Snapshot
}

// New creates a session in the idle state.
func New(log logrus.FieldLogger, opts Options) *Session {
	if opts.FixRate == (pmtk.Intent{}) {
		opts.FixRate = pmtk.FixRate(pmtk.Hz(5))
	}
	s := &Session{
		log:       log.WithField("module", "session"),
		fixIntent: opts.FixRate,
		fixRate:   pmtk.For(opts.FixRate),
		cycle:     BaudCycle(opts.FallbackBauds),
		sinks:     opts.Sinks,
	}

	everywhere := States
	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evBringUp, Src: []string{StateIdle}, Dst: StateAwaitingConnect},
			{Name: evConnected, Src: []string{StateIdle, StateAwaitingConnect, StateTimedOut}, Dst: StateConnected},
			// Duplicate delivery while connected is a no-op.
			{Name: evConnected, Src: []string{StateConnected}, Dst: StateConnected},
			{Name: evTimedOut, Src: everywhere, Dst: StateTimedOut},
			{Name: evDisconnected, Src: everywhere, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugf("%s -> %s on %s", e.Src, e.Dst, e.Event)
			},
			"enter_" + StateConnected: func(_ context.Context, e *fsm.Event) {
				s.requestHighRate(deviceArg(e, s.dev))
			},
		},
	)
	s.publishSnapshot()
	return s
}

// AddSink registers another report consumer.
func (s *Session) AddSink(sink Sink) { s.sinks = append(s.sinks, sink) }

// Current returns the current state name.
func (s *Session) Current() string { return s.fsm.Current() }

// State returns the negotiation flags.
func (s *Session) State() State { return s.state }

// Device returns the bound device, or nil.
func (s *Session) Device() gps.Device { return s.dev }

// Bind attaches dev and starts waiting for it to connect.
func (s *Session) Bind(dev gps.Device) error {
	if s.dev != nil {
		return ErrAlreadyBound
	}
	s.dev = dev
	if s.fsm.Is(StateIdle) {
		s.fire(evBringUp, dev)
	}
	s.publishSnapshot()
	return nil
}

// Release unbinds the device after a failed bring-up and returns the
// session to idle.
func (s *Session) Release() {
	s.dev = nil
	s.state = State{}
	s.fsm.SetState(StateIdle)
	s.publishSnapshot()
}

// MarkBaudNegotiated records that the receiver was told to change rate and
// the host followed.
func (s *Session) MarkBaudNegotiated() {
	s.state.BaudNegotiated = true
	s.publishSnapshot()
}

// fire runs a transition. Self transitions and rejected events are not
// errors for the caller; the dispatcher never fails back into the driver.
func (s *Session) fire(event string, dev gps.Device) {
	err := s.fsm.Event(context.Background(), event, dev)
	var noop fsm.NoTransitionError
	switch {
	case err == nil, errors.As(err, &noop):
	default:
		s.log.WithError(err).Warnf("%s ignored in state %s", event, s.fsm.Current())
	}
}

func (s *Session) requestHighRate(dev gps.Device) {
	if s.state.HighRateRequested || dev == nil {
		return
	}
	s.log.Infof("Sending %s fix command", s.fixRateLabel())
	if err := dev.SendCommand(s.fixRate.Text); err != nil {
		s.log.WithError(fmt.Errorf("%w: %v", ErrCommandEnqueueFailed, err)).Errorf("could not queue %s", s.fixRate.Text)
	}
	s.state.HighRateRequested = true
}

func (s *Session) fixRateLabel() string {
	if mHz := s.fixIntent.Value; mHz%1000 == 0 {
		return fmt.Sprintf("%dHz", mHz/1000)
	}
	return fmt.Sprintf("%dmHz", s.fixIntent.Value)
}

// cycleBaud moves the host to the next fallback rate. A mismatched rate is
// the usual reason a receiver never connects after power-on.
func (s *Session) cycleBaud(dev gps.Device) {
	if len(s.cycle) == 0 || dev == nil {
		return
	}
	next := s.cycle.Next(dev.Baud())
	if next == dev.Baud() {
		return
	}
	s.log.Infof("Trying %d baud", next)
	if err := dev.SetBaud(next); err != nil {
		s.log.WithError(err).Errorf("could not switch to %d baud", next)
	}
}

func deviceArg(e *fsm.Event, fallback gps.Device) gps.Device {
	if len(e.Args) > 0 {
		if dev, ok := e.Args[0].(gps.Device); ok && dev != nil {
			return dev
		}
	}
	return fallback
}

// BaudCycle is the round-robin order of host rates tried after a timeout.
type BaudCycle []int

// Next returns the rate after current, wrapping around. A current rate
// outside the cycle restarts it.
func (c BaudCycle) Next(current int) int {
	if len(c) == 0 {
		return current
	}
	for i, r := range c {
		if r == current {
			return c[(i+1)%len(c)]
		}
	}
	return c[0]
}

// Snapshot is a copy of the session safe to read from any goroutine.
type Snapshot struct {
	State        string        `json:"state"`
	Negotiation  State         `json:"negotiation"`
	Device       string        `json:"device,omitempty"`
	Baud         int           `json:"baud,omitempty"`
	LastLocation *gps.Location `json:"lastLocation,omitempty"`
}

// Snapshot returns the state as of the last handled event.
func (s *Session) Snapshot() Snapshot {
	v := s.snap.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

func (s *Session) publishSnapshot() {
	snap := Snapshot{State: s.fsm.Current(), Negotiation: s.state}
	if s.dev != nil {
		snap.Device = s.dev.Name()
		snap.Baud = s.dev.Baud()
	}
	if s.last.Valid {
		loc := s.last
		snap.LastLocation = &loc
	}
	s.snap.Store(snap)
}
