package session

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shaunagostinho/gpslink/internal/gps"
)

// Report is what sinks receive for every handled event.
type Report struct {
	Kind     string        `json:"kind"`
	State    string        `json:"state"`
	Location *gps.Location `json:"location,omitempty"`
	Datetime *gps.Datetime `json:"datetime,omitempty"`
	Line     string        `json:"line,omitempty"`
	Stamp    int64         `json:"stamp"` // Unix ms
}

// KindProprietary marks reports for vendor sentences.
const KindProprietary = "PROPRIETARY"

// Sink consumes reports. Publish runs on the event loop and must not block.
type Sink interface {
	Publish(r Report)
}

// HandleEvent is the session's gps.EventHandler. It never blocks and never
// panics back into the driver.
func (s *Session) HandleEvent(dev gps.Device, ev gps.Event) {
	defer s.recoverFrom(ev)
	if dev == nil {
		dev = s.dev
	}

	report := Report{}
	switch e := ev.(type) {
	case gps.Initialized:
		s.log.Info("GPS Initialized event received")
	case gps.LocationUpdate:
		if !s.onLocation(dev, e, &report) {
			return
		}
	case gps.FixAcquired:
		s.log.Info("GPS fix acquired")
	case gps.FixLost:
		s.log.Info("GPS fix lost")
	case gps.Connected:
		s.log.Info("GPS connected")
		s.fire(evConnected, dev)
	case gps.TimedOut:
		s.log.Info("GPS device timeout")
		// One silence on a working link keeps its rate; cycle only once
		// the link is already down or never came up.
		wasConnected := s.fsm.Is(StateConnected)
		s.fire(evTimedOut, dev)
		if !wasConnected {
			s.cycleBaud(dev)
		}
	case gps.Disconnected:
		if e.Err != nil {
			s.log.WithError(e.Err).Info("GPS disconnected")
		} else {
			s.log.Info("GPS disconnected")
		}
		s.fire(evDisconnected, dev)
		// Reconnection negotiates the rate again.
		s.state.HighRateRequested = false
	default:
		s.log.WithError(ErrUnexpectedEvent).Errorf("dropping %T", ev)
		return
	}

	report.Kind = ev.Kind().String()
	s.publishSnapshot()
	s.publish(report)
}

func (s *Session) onLocation(dev gps.Device, e gps.LocationUpdate, report *Report) bool {
	if cur := s.fsm.Current(); cur != StateConnected {
		// Late delivery while the link is going away.
		s.log.Debugf("ignoring %s location update in state %s", e.Sentence, cur)
		return false
	}
	if dev == nil {
		s.log.WithError(ErrUnexpectedEvent).Error("location update without a device")
		return false
	}

	// The driver owns the decoded values; always read them back.
	loc := dev.Location()
	s.log.Infof("Lon: %f, Lat %f, Age %d", loc.Longitude, loc.Latitude, loc.Age.Milliseconds())

	dt := dev.Datetime()
	s.log.Infof("Time is: %02d:%02d:%02d", dt.Hours, dt.Minutes, dt.Seconds)

	if loc.Valid {
		s.last = loc
	}
	report.Location = &loc
	report.Datetime = &dt
	return true
}

// HandleProprietary is the session's gps.ProprietaryHandler. The line is
// logged verbatim; it is not parsed.
func (s *Session) HandleProprietary(line []byte, dev gps.Device) {
	defer s.recoverFrom(KindProprietary)
	s.log.Debug("In proprietary sentence handler")

	text := cString(nulTerminated(line))
	s.log.Infof("Proprietary sentence is: %s", text)
	s.publish(Report{Kind: KindProprietary, Line: text})
}

// recoverFrom keeps a panic in a sink or handler out of the driver's
// receive path.
func (s *Session) recoverFrom(what any) {
	if r := recover(); r != nil {
		s.log.Errorf("recovered from panic handling %v: %v", label(what), r)
	}
}

func label(what any) string {
	if str, ok := what.(string); ok {
		return str
	}
	return fmt.Sprintf("%T", what)
}

// nulTerminated copies a borrowed span into an owned, NUL terminated buffer.
func nulTerminated(line []byte) []byte {
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	return buf
}

// cString reads buf up to its first NUL.
func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func (s *Session) publish(r Report) {
	if len(s.sinks) == 0 {
		return
	}
	r.State = s.fsm.Current()
	r.Stamp = time.Now().UnixMilli()
	for _, sink := range s.sinks {
		sink.Publish(r)
	}
}
