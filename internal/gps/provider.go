package gps

import (
	"fmt"
	"time"
)

// EventKind tags the lifecycle and positioning events a device reports.
type EventKind int

const (
	KindInitialized EventKind = iota
	KindLocationUpdate
	KindFixAcquired
	KindFixLost
	KindConnected
	KindTimedOut
	KindDisconnected
)

var kindNames = [...]string{
	KindInitialized:    "INITIALIZED",
	KindLocationUpdate: "LOCATION_UPDATE",
	KindFixAcquired:    "FIX_ACQUIRED",
	KindFixLost:        "FIX_LOST",
	KindConnected:      "CONNECTED",
	KindTimedOut:       "TIMEDOUT",
	KindDisconnected:   "DISCONNECTED",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one of the variant types below.
type Event interface {
	Kind() EventKind
}

// Initialized is delivered once, when a handler is first attached.
type Initialized struct{}

// LocationUpdate means a new position was decoded. The position itself is
// read back through Device.Location.
type LocationUpdate struct {
	Sentence string // sentence type that produced it, e.g. "RMC"
}

// FixAcquired is delivered when the receiver reports a valid fix after none.
type FixAcquired struct{}

// FixLost is delivered when a valid fix turns invalid.
type FixLost struct{}

// Connected is delivered on the first data after silence.
type Connected struct{}

// TimedOut is delivered when the link stays silent for the disconnect timeout.
type TimedOut struct {
	Silence time.Duration
}

// Disconnected is delivered when the link is gone for good.
type Disconnected struct {
	Err error
}

func (Initialized) Kind() EventKind    { return KindInitialized }
func (LocationUpdate) Kind() EventKind { return KindLocationUpdate }
func (FixAcquired) Kind() EventKind    { return KindFixAcquired }
func (FixLost) Kind() EventKind        { return KindFixLost }
func (Connected) Kind() EventKind      { return KindConnected }
func (TimedOut) Kind() EventKind       { return KindTimedOut }
func (Disconnected) Kind() EventKind   { return KindDisconnected }

// EventHandler is invoked on the event loop for every device event.
type EventHandler func(dev Device, ev Event)

// ProprietaryHandler receives vendor sentences ("$P...") verbatim. line is
// only valid for the duration of the call.
type ProprietaryHandler func(line []byte, dev Device)

// Location is the latest decoded position.
type Location struct {
	Longitude float64       `json:"longitude"` // Decimal degrees
	Latitude  float64       `json:"latitude"`  // Decimal degrees
	Valid     bool          `json:"valid"`
	Age       time.Duration `json:"age"` // Since the position was decoded
}

// Datetime is the latest decoded UTC time of day.
type Datetime struct {
	Hours   int           `json:"hours"`
	Minutes int           `json:"minutes"`
	Seconds int           `json:"seconds"`
	Valid   bool          `json:"valid"`
	Age     time.Duration `json:"age"`
}

// Device is one GPS link.
type Device interface {
	Name() string
	// Baud returns the host side serial rate the port is running at.
	Baud() int
	SetEventHandler(h EventHandler)
	SetProprietaryHandler(h ProprietaryHandler)
	// SendCommand queues text (without line terminator) for transmission.
	// It never blocks.
	SendCommand(text string) error
	// SetBaud changes the host side serial rate once queued writes have been
	// transmitted. Baud keeps the old rate until the switch is applied.
	SetBaud(bps int) error
	// EnableDisconnectTimer arms TimedOut after timeout without received data.
	EnableDisconnectTimer(timeout time.Duration)
	Location() Location
	Datetime() Datetime
}
