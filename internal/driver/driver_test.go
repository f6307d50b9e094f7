package driver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/sincronizacion-distribuida/lamutex/internal/transport"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

// TestRunSoloPeerRoundTrip drives a single-peer (npeers=1) session entirely
// over a net.Pipe: the test plays the coordinator's side, sending START,
// self-delivered REQUEST/ACK/RELEASE for each round (as the broker would),
// and finally the terminating DONE, while Run plays the peer side.
func TestRunSoloPeerRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverSide, clientSide := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const npeers = int32(1)
	const rounds = int32(2)

	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, clientSide, 0, npeers, rounds, discardLog())
	}()

	send := func(msg wire.Message) {
		if err := transport.Send(serverSide, msg, npeers); err != nil {
			t.Fatalf("coordinator-side send failed: %v", err)
		}
	}
	recv := func() wire.Message {
		msg, err := transport.Recv(serverSide, transport.Blocking, npeers)
		if err != nil {
			t.Fatalf("coordinator-side recv failed: %v", err)
		}
		return msg
	}

	send(wire.NewStart(wire.Coordinator, 0))

	for round := int32(0); round < rounds; round++ {
		req := recv()
		if req.Kind != wire.Request {
			t.Fatalf("round %d: expected REQUEST, got %v", round, req.Kind)
		}
		send(req) // self-delivery of the broadcast REQUEST

		ack := recv()
		if ack.Kind != wire.Ack {
			t.Fatalf("round %d: expected ACK, got %v", round, ack.Kind)
		}
		send(ack) // the ACK is addressed to peer 0 itself

		rel := recv()
		if rel.Kind != wire.Release {
			t.Fatalf("round %d: expected RELEASE, got %v", round, rel.Kind)
		}
		send(rel) // self-delivery of the broadcast RELEASE
	}

	done := recv()
	if done.Kind != wire.Done {
		t.Fatalf("expected DONE, got %v", done.Kind)
	}

	send(wire.NewDone(wire.Coordinator, wire.Broadcast, wire.Duration{}, wire.Duration{}, 0))

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return before the test deadline")
	}
}

// TestRunPropagatesWaitStartedCancellation checks that a cancelled context
// unblocks Run instead of hanging forever waiting on a START that never
// arrives.
func TestRunPropagatesWaitStartedCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, clientSide, 0, 1, 1, discardLog())
	if err == nil {
		t.Fatal("expected an error when START never arrives before ctx deadline")
	}
}
