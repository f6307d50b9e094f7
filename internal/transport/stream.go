// Package transport implements reliable send/receive of whole wire
// records over a net.Conn stream, in blocking and non-blocking modes.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Mode selects how Recv behaves when no full record is yet available.
type Mode int

const (
	// Blocking waits until a full record has arrived.
	Blocking Mode = iota
	// NonBlocking returns ErrEmpty immediately if no data is available.
	NonBlocking
)

// ErrEmpty is returned by Recv in NonBlocking mode when no record is
// immediately available.
var ErrEmpty = errors.New("transport: no record available")

// ErrPeerGone is returned by Recv when the remote end has closed its
// side of the connection, distinguished from a generic I/O failure so
// callers can tell "graceful closure" from "something broke".
var ErrPeerGone = errors.New("transport: peer closed connection")

// SendError wraps a permanent failure writing a record.
type SendError struct{ Err error }

func (e *SendError) Error() string { return fmt.Sprintf("transport: send error: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// RecvError wraps a permanent failure reading a record that is not a
// graceful peer closure.
type RecvError struct{ Err error }

func (e *RecvError) Error() string { return fmt.Sprintf("transport: recv error: %v", e.Err) }
func (e *RecvError) Unwrap() error { return e.Err }

// Send writes the whole encoded record for msg to conn, retrying partial
// writes until the full record is on the wire or a permanent I/O error
// occurs.
func Send(conn net.Conn, msg wire.Message, npeers int32) error {
	b, err := wire.Encode(msg, npeers)
	if err != nil {
		return err
	}
	for written := 0; written < len(b); {
		n, err := conn.Write(b[written:])
		if err != nil {
			return &SendError{Err: err}
		}
		written += n
	}
	return nil
}

// Recv reads exactly one full record from conn. In Blocking mode it
// retries partial reads until the record is complete. In NonBlocking
// mode it returns ErrEmpty if no byte of a new record is available yet;
// once the first byte of a record has arrived it will block for the
// rest (a torn record is never handed back to the caller).
func Recv(conn net.Conn, mode Mode, npeers int32) (wire.Message, error) {
	buf := make([]byte, wire.Size)
	nread := 0

	for nread < wire.Size {
		var err error
		if mode == NonBlocking && nread == 0 {
			err = conn.SetReadDeadline(time.Now())
		} else {
			err = conn.SetReadDeadline(time.Time{})
		}
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return wire.Message{}, ErrPeerGone
		}
		if err != nil {
			return wire.Message{}, &RecvError{Err: err}
		}

		n, err := conn.Read(buf[nread:])
		nread += n
		if err == nil {
			continue
		}

		if nread == 0 && mode == NonBlocking && isTimeout(err) {
			return wire.Message{}, ErrEmpty
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return wire.Message{}, ErrPeerGone
		}
		if isTimeout(err) {
			// A deadline fired mid-record: keep retrying the remaining
			// bytes in blocking mode, since a partial record was already
			// observed and must be completed.
			continue
		}
		return wire.Message{}, &RecvError{Err: err}
	}

	return wire.Decode(buf, npeers)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
