// Package wire defines the fixed-size record format peers and the
// coordinator exchange over a stream connection, and the codec that
// turns it into bytes.
package wire

import "fmt"

// Kind tags the payload carried by a Message.
type Kind int32

const (
	// Hello is the handshake record a peer sends immediately after
	// connecting; it carries no clock, only Src.
	Hello Kind = iota
	Request
	Release
	Ack
	Done
	Start
)

func (k Kind) String() string {
	switch k {
	case Hello:
		return "HELLO"
	case Request:
		return "REQUEST"
	case Release:
		return "RELEASE"
	case Ack:
		return "ACK"
	case Done:
		return "DONE"
	case Start:
		return "START"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(k))
	}
}

// Special destination/source values, equivalent to the C benchmark's
// BRDCAST_ADDR / SERVER_ADDR constants.
const (
	Broadcast   int32 = -1
	Coordinator int32 = -2
)

// Message is the in-memory representation of one wire record.
type Message struct {
	Kind Kind
	Dest int32
	Src  int32

	// Clock carries the sender's logical clock for Request, Release,
	// Ack and Start. Zero for Hello and Done.
	Clock int64

	// Usr, Sys and MaxRSS carry a Done message's resource-usage
	// payload. Zero for every other Kind.
	Usr    Duration
	Sys    Duration
	MaxRSS int64
}

// Duration mirrors C's struct timeval: whole seconds plus a microsecond
// remainder, so the stats formatter needs no unit conversion.
type Duration struct {
	Sec  int64
	Usec int64
}

// Add accumulates b into a, carrying microseconds into seconds.
func (a Duration) Add(b Duration) Duration {
	sec := a.Sec + b.Sec
	usec := a.Usec + b.Usec
	if usec >= 1_000_000 {
		usec -= 1_000_000
		sec++
	}
	return Duration{Sec: sec, Usec: usec}
}

// Sub returns a - b, borrowing from seconds when usec underflows.
func (a Duration) Sub(b Duration) Duration {
	sec := a.Sec - b.Sec
	usec := a.Usec - b.Usec
	if usec < 0 {
		usec += 1_000_000
		sec--
	}
	return Duration{Sec: sec, Usec: usec}
}

// NewRequest builds a REQUEST message carrying clock.
func NewRequest(src, dest int32, clock int64) Message {
	return Message{Kind: Request, Src: src, Dest: dest, Clock: clock}
}

// NewRelease builds a RELEASE message carrying clock.
func NewRelease(src, dest int32, clock int64) Message {
	return Message{Kind: Release, Src: src, Dest: dest, Clock: clock}
}

// NewAck builds an ACK message carrying clock.
func NewAck(src, dest int32, clock int64) Message {
	return Message{Kind: Ack, Src: src, Dest: dest, Clock: clock}
}

// NewStart builds a START message carrying clock.
func NewStart(src int32, clock int64) Message {
	return Message{Kind: Start, Src: src, Dest: Broadcast, Clock: clock}
}

// NewHello builds the handshake record a peer sends on connect.
func NewHello(src int32) Message {
	return Message{Kind: Hello, Src: src, Dest: Coordinator}
}

// NewDone builds a DONE message. Sent by a peer with its resource usage,
// or by the coordinator with a zero payload as the shutdown signal.
func NewDone(src, dest int32, usr, sys Duration, maxRSS int64) Message {
	return Message{Kind: Done, Src: src, Dest: dest, Usr: usr, Sys: sys, MaxRSS: maxRSS}
}
