// Package pmtk holds the outbound PMTK control sentences understood by
// MediaTek based receivers. Every sentence already carries its checksum.
package pmtk

import (
	"fmt"
	"sort"
)

// Command is one ready-to-send control sentence.
type Command struct {
	Text string
	Len  int
}

func (c Command) String() string { return c.Text }

// Kind selects the family of a control sentence.
type Kind int

const (
	KindFixRate Kind = iota
	KindUpdateRate
	KindBaud
)

func (k Kind) String() string {
	switch k {
	case KindFixRate:
		return "fix-rate"
	case KindUpdateRate:
		return "update-rate"
	case KindBaud:
		return "baud"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Intent names what the caller wants the receiver to do. Rates are in
// millihertz, baud rates in bits per second.
type Intent struct {
	Kind  Kind
	Value int
}

func (i Intent) String() string {
	if i.Kind == KindBaud {
		return fmt.Sprintf("baud(%d)", i.Value)
	}
	return fmt.Sprintf("%s(%dmHz)", i.Kind, i.Value)
}

// Hz converts whole hertz to millihertz.
func Hz(n int) int { return n * 1000 }

// FixRate controls how often a position is computed.
func FixRate(mHz int) Intent { return Intent{Kind: KindFixRate, Value: mHz} }

// UpdateRate controls how often a position is echoed. It does not speed up
// the fix itself; pair it with FixRate.
func UpdateRate(mHz int) Intent { return Intent{Kind: KindUpdateRate, Value: mHz} }

// Baud switches the receiver's serial rate.
func Baud(bps int) Intent { return Intent{Kind: KindBaud, Value: bps} }

func cmd(text string) Command { return Command{Text: text, Len: len(text)} }

var catalog = map[Intent]Command{
	UpdateRate(100):    cmd("$PMTK220,10000*2F"),
	UpdateRate(200):    cmd("$PMTK220,5000*1B"),
	UpdateRate(Hz(1)):  cmd("$PMTK220,1000*1F"),
	UpdateRate(Hz(2)):  cmd("$PMTK220,500*2B"),
	UpdateRate(Hz(4)):  cmd("$PMTK220,250*29"),
	UpdateRate(Hz(5)):  cmd("$PMTK220,200*2C"),
	UpdateRate(Hz(8)):  cmd("$PMTK220,125*28"),
	UpdateRate(Hz(10)): cmd("$PMTK220,100*2F"),

	FixRate(100):    cmd("$PMTK300,10000,0,0,0,0*2C"),
	FixRate(200):    cmd("$PMTK300,5000,0,0,0,0*18"),
	FixRate(Hz(1)):  cmd("$PMTK300,1000,0,0,0,0*1C"),
	FixRate(Hz(5)):  cmd("$PMTK300,200,0,0,0,0*2F"),
	FixRate(Hz(10)): cmd("$PMTK300,100,0,0,0,0*2C"),

	Baud(4800):   cmd("$PMTK251,4800*14"),
	Baud(9600):   cmd("$PMTK251,9600*17"),
	Baud(19200):  cmd("$PMTK251,19200*22"),
	Baud(38400):  cmd("$PMTK251,38400*27"),
	Baud(57600):  cmd("$PMTK251,57600*2C"),
	Baud(115200): cmd("$PMTK251,115200*1F"),
}

// Lookup returns the sentence for intent, if the catalog has one.
func Lookup(intent Intent) (Command, bool) {
	c, ok := catalog[intent]
	return c, ok
}

// For returns the sentence for intent. Asking for an intent outside the
// catalog is a programming error and panics; validate user input with Lookup.
func For(intent Intent) Command {
	c, ok := catalog[intent]
	if !ok {
		panic(fmt.Sprintf("pmtk: no command for %s", intent))
	}
	return c
}

// Bauds lists the supported serial rates in ascending order.
func Bauds() []int {
	var out []int
	for i := range catalog {
		if i.Kind == KindBaud {
			out = append(out, i.Value)
		}
	}
	sort.Ints(out)
	return out
}
