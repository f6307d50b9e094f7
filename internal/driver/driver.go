// Package driver implements the benchmark round loop each peer runs:
// non-critical-section work, request the critical section, do critical-
// section work, release, repeat for a configured number of rounds, then
// report resource usage and wait for the coordinator's shutdown signal.
package driver

import (
	"context"
	"net"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/lamutex/internal/peer"
	"github.com/sincronizacion-distribuida/lamutex/internal/stats"
	"github.com/sincronizacion-distribuida/lamutex/internal/transport"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Run drives one peer's connection through the full benchmark: it waits
// for START, performs rounds critical-section entries, sends DONE with
// its resource-usage delta, and waits for the coordinator's terminating
// DONE before returning. conn is closed on every return path.
func Run(ctx context.Context, conn net.Conn, id, npeers, rounds int32, log *logrus.Entry) error {
	m := peer.New(id, npeers)

	// outbox is only ever closed after both the round loop and the
	// reader goroutine have stopped touching it (see the teardown below):
	// the reader keeps delivering ACK replies to outbox for as long as
	// other peers' REQUESTs can arrive, which outlives this peer sending
	// its own DONE.
	outbox := make(chan wire.Message, 4*npeers)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbox {
			if err := transport.Send(conn, msg, npeers); err != nil {
				log.WithError(err).Error("send failed")
				return
			}
		}
	}()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- readLoop(conn, npeers, m, outbox)
	}()

	runErr := runRounds(ctx, m, outbox, id, rounds, log)

	// Closing the connection forces any still-blocked Recv in readLoop
	// to return, whether runRounds succeeded or failed.
	conn.Close()
	readErr := <-readerDone
	close(outbox)
	<-writerDone

	if runErr != nil {
		return runErr
	}
	return readErr
}

func runRounds(ctx context.Context, m *peer.Machine, outbox chan<- wire.Message, id, rounds int32, log *logrus.Entry) error {
	if err := m.WaitStarted(ctx); err != nil {
		return err
	}

	startUsage, err := stats.Sample()
	if err != nil {
		return err
	}

	for count := int32(0); count < rounds; count++ {
		runtime.Gosched() // non-blocking yield: drain pending messages

		req := m.BeginRequest()
		outbox <- req
		if err := m.AwaitEntry(ctx); err != nil {
			return err
		}

		log.Infof("P%d is in CS with clock %d.", id, m.Clock())
		runtime.Gosched()
		runtime.Gosched()

		log.Infof("P%d is leaving CS - %d.", id, count)
		outbox <- m.Release()
	}

	endUsage, err := stats.Sample()
	if err != nil {
		return err
	}
	delta := stats.Delta(startUsage, endUsage)

	outbox <- wire.NewDone(id, wire.Coordinator, delta.Usr, delta.Sys, delta.MaxRSS)
	m.MarkDone()

	return m.WaitTerminated(ctx)
}

// readLoop processes incoming messages until the connection closes. A
// closure observed once the machine is in the Done state (this peer has
// sent its own DONE) is expected (the coordinator closes every connection
// on shutdown, and Run closes conn itself on return) and is not reported
// as an error.
func readLoop(conn net.Conn, npeers int32, m *peer.Machine, outbox chan<- wire.Message) error {
	for {
		msg, err := transport.Recv(conn, transport.Blocking, npeers)
		if err != nil {
			if m.State() == peer.Done {
				return nil
			}
			return err
		}
		if reply, ok := m.Handle(msg); ok {
			outbox <- reply
		}
	}
}
