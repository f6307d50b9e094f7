package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Size is the fixed byte length of every encoded record: three int32
// header fields (kind, dest, src) followed by six int64 payload fields
// (clock; usr.sec, usr.usec, sys.sec, sys.usec, maxrss). Every Kind uses
// the same width so the transport can pre-commit to reading exactly Size
// bytes before it knows what it is reading.
const Size = 3*4 + 6*8

// Malformed is returned by Decode when Kind is not one of the recognized
// values.
type Malformed struct {
	Kind int32
}

func (e *Malformed) Error() string {
	return fmt.Sprintf("wire: malformed record, unrecognized kind %d", e.Kind)
}

// InvalidPeer is returned by Encode or Decode when Src or Dest falls
// outside [-2, maxPeer].
type InvalidPeer struct {
	Field string
	Value int32
}

func (e *InvalidPeer) Error() string {
	return fmt.Sprintf("wire: invalid peer id in %s: %d", e.Field, e.Value)
}

func validPeerField(v int32, maxPeer int32) bool {
	return v >= Coordinator && v <= maxPeer-1
}

// Encode renders msg as a fixed-size record. npeers bounds the valid
// range of Src/Dest ([-2, npeers-1]); Broadcast (-1) is always legal as a
// destination.
func Encode(msg Message, npeers int32) ([]byte, error) {
	if !validPeerField(msg.Src, npeers) {
		return nil, &InvalidPeer{Field: "src", Value: msg.Src}
	}
	if msg.Dest != Broadcast && !validPeerField(msg.Dest, npeers) {
		return nil, &InvalidPeer{Field: "dest", Value: msg.Dest}
	}
	switch msg.Kind {
	case Hello, Request, Release, Ack, Done, Start:
	default:
		return nil, &Malformed{Kind: int32(msg.Kind)}
	}

	buf := make([]byte, 0, Size)
	w := bytes.NewBuffer(buf)
	for _, v := range []int32{int32(msg.Kind), msg.Dest, msg.Src} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []int64{msg.Clock, msg.Usr.Sec, msg.Usr.Usec, msg.Sys.Sec, msg.Sys.Usec, msg.MaxRSS} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// Decode parses exactly Size bytes of b into a Message. npeers bounds the
// valid range of Src/Dest as in Encode.
func Decode(b []byte, npeers int32) (Message, error) {
	if len(b) != Size {
		return Message{}, fmt.Errorf("wire: decode needs exactly %d bytes, got %d", Size, len(b))
	}
	r := bytes.NewReader(b)

	var kind, dest, src int32
	for _, p := range []*int32{&kind, &dest, &src} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return Message{}, err
		}
	}

	switch Kind(kind) {
	case Hello, Request, Release, Ack, Done, Start:
	default:
		return Message{}, &Malformed{Kind: kind}
	}

	if !validPeerField(src, npeers) {
		return Message{}, &InvalidPeer{Field: "src", Value: src}
	}
	if dest != Broadcast && !validPeerField(dest, npeers) {
		return Message{}, &InvalidPeer{Field: "dest", Value: dest}
	}

	var fields [6]int64
	for i := range fields {
		if err := binary.Read(r, binary.BigEndian, &fields[i]); err != nil {
			return Message{}, err
		}
	}

	return Message{
		Kind:   Kind(kind),
		Dest:   dest,
		Src:    src,
		Clock:  fields[0],
		Usr:    Duration{Sec: fields[1], Usec: fields[2]},
		Sys:    Duration{Sec: fields[3], Usec: fields[4]},
		MaxRSS: fields[5],
	}, nil
}
