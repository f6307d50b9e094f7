// Package coordinator implements the message-routing broker: it accepts
// one connection per peer, relays unicast and broadcast traffic between
// them (including self-delivery of broadcasts), and aggregates the DONE
// statistics every peer reports at the end of its run.
//
// The broker never inspects REQUEST/RELEASE/ACK/START semantics; it is a
// pure switch, keeping protocol logic centralized in the peer state
// machine (internal/peer). This mirrors the original benchmark's
// server_message_loop, reworked from a single select() over all
// connections into one reader goroutine per connection fanning in to a
// shared routing goroutine, since that is how idiomatic Go multiplexes
// many blocking readers without a single poll syscall.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/lamutex/internal/transport"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Stats is the running aggregate of DONE reports, exposed read-only to
// the debug HTTP surface.
type Stats struct {
	NumDone       int32
	TotalUsr      wire.Duration
	TotalSys      wire.Duration
	TotalMaxRSS   int64
	PeerConnected []bool
}

type routed struct {
	from int32
	msg  wire.Message
}

// Broker owns every peer connection and the routing/aggregation state.
type Broker struct {
	npeers int32
	log    *logrus.Entry

	mu    sync.Mutex
	conns map[int32]net.Conn
	stats Stats

	inbox chan routed
}

// New creates a Broker for npeers peers.
func New(npeers int32, log *logrus.Entry) *Broker {
	return &Broker{
		npeers: npeers,
		log:    log,
		conns:  make(map[int32]net.Conn, npeers),
		stats:  Stats{PeerConnected: make([]bool, npeers)},
		inbox:  make(chan routed, npeers*4),
	}
}

// AcceptAll blocks accepting connections on ln until npeers peers have
// each sent their handshake record (Kind Hello, Src = peer id), or ctx
// is cancelled. The handshake is not routed through the switch below: it
// is consumed here to learn which connection belongs to which peer id.
func (b *Broker) AcceptAll(ctx context.Context, ln net.Listener) error {
	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted)
	go func() {
		for {
			c, err := ln.Accept()
			acceptCh <- accepted{conn: c, err: err}
			if err != nil {
				return
			}
		}
	}()

	connected := 0
	for connected < int(b.npeers) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-acceptCh:
			if a.err != nil {
				return fmt.Errorf("coordinator: accept: %w", a.err)
			}
			hello, err := transport.Recv(a.conn, transport.Blocking, b.npeers)
			if err != nil {
				b.log.WithError(err).Warn("handshake read failed, dropping connection")
				a.conn.Close()
				continue
			}
			if hello.Src < 0 || hello.Src >= b.npeers {
				a.conn.Close()
				return fmt.Errorf("coordinator: invalid peer id %d in handshake", hello.Src)
			}
			b.mu.Lock()
			b.conns[hello.Src] = a.conn
			b.stats.PeerConnected[hello.Src] = true
			b.mu.Unlock()
			connected++
			go b.readLoop(a.conn, hello.Src)
		}
	}
	b.log.Info("All peers connected.")
	return nil
}

func (b *Broker) readLoop(conn net.Conn, id int32) {
	for {
		msg, err := transport.Recv(conn, transport.Blocking, b.npeers)
		if err != nil {
			if err == transport.ErrPeerGone {
				b.log.WithField("peer", id).Warn("peer connection lost")
			} else {
				b.log.WithField("peer", id).WithError(err).Warn("recv failed")
			}
			return
		}
		b.inbox <- routed{from: id, msg: msg}
	}
}

// Run drains routed messages until every peer has reported DONE,
// switching purely on Dest: Broadcast fans out to every connection
// (including the source), Coordinator is handled locally (DONE
// aggregation), and any other destination is forwarded to that single
// peer's connection.
func (b *Broker) Run(ctx context.Context) error {
	for {
		b.mu.Lock()
		done := b.stats.NumDone >= b.npeers
		b.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-b.inbox:
			if err := b.route(r.msg); err != nil {
				b.log.WithError(err).Warn("routing error")
			}
		}
	}
}

func (b *Broker) route(msg wire.Message) error {
	switch msg.Dest {
	case wire.Broadcast:
		return b.Broadcast(msg)
	case wire.Coordinator:
		b.handleDone(msg)
		return nil
	default:
		return b.unicast(msg.Dest, msg)
	}
}

// Broadcast sends msg to every connected peer, in id order, including
// the sender. This self-delivery is load-bearing: it is how a peer
// learns its own REQUEST/RELEASE landed in its own table, and must never
// be "optimized" into skipping the source.
func (b *Broker) Broadcast(msg wire.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcastLocked(msg)
}

func (b *Broker) broadcastLocked(msg wire.Message) error {
	for id := int32(0); id < b.npeers; id++ {
		conn, ok := b.conns[id]
		if !ok {
			continue
		}
		out := msg
		out.Dest = id
		if err := transport.Send(conn, out, b.npeers); err != nil {
			return fmt.Errorf("coordinator: broadcast to %d: %w", id, err)
		}
	}
	return nil
}

func (b *Broker) unicast(dest int32, msg wire.Message) error {
	b.mu.Lock()
	conn, ok := b.conns[dest]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no connection for peer %d", dest)
	}
	return transport.Send(conn, msg, b.npeers)
}

func (b *Broker) handleDone(msg wire.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.NumDone++
	b.stats.TotalUsr = b.stats.TotalUsr.Add(msg.Usr)
	b.stats.TotalSys = b.stats.TotalSys.Add(msg.Sys)
	b.stats.TotalMaxRSS += msg.MaxRSS
}

// Stats returns a snapshot of the running aggregate.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.PeerConnected = append([]bool(nil), b.stats.PeerConnected...)
	return s
}

// Shutdown closes every peer connection.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
}
