package lifecycle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sincronizacion-distribuida/lamutex/internal/transport"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

func TestBindReturnsListenerInConfiguredRange(t *testing.T) {
	ln, port, err := Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()

	if port < PortRangeLow || port > PortRangeHigh {
		t.Fatalf("port %d outside [%d, %d]", port, PortRangeLow, PortRangeHigh)
	}
}

func TestConnectRetriesUntilListenerExists(t *testing.T) {
	ln, port, err := Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	// Start dialing immediately; Connect's backoff must tolerate the
	// accept goroutine above winning the race either way.
	cfg := DialConfig{Port: port, ID: 0, MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never observed an accepted connection")
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	// Bind and immediately close so the port is (most likely) refusing
	// connections for the duration of this test.
	ln, port, err := Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ln.Close()

	cfg := DialConfig{Port: port, ID: 0, MaxAttempts: 2, BaseDelay: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = Connect(ctx, cfg)
	if err == nil {
		t.Fatal("expected Connect to fail against a closed listener")
	}
}

// TestHandshakeOverRealListener exercises Bind + Connect + the Hello
// handshake together, the same sequence the coordinator and a freshly
// spawned peer run before AcceptAll considers a peer connected.
func TestHandshakeOverRealListener(t *testing.T) {
	ln, port, err := Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()

	const npeers = int32(3)
	const id = int32(2)

	serverConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConn <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Connect(ctx, DefaultDialConfig(port, id))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := transport.Send(conn, wire.NewHello(id), npeers); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	sc := <-serverConn
	defer sc.Close()

	hello, err := transport.Recv(sc, transport.Blocking, npeers)
	if err != nil {
		t.Fatalf("recv hello: %v", err)
	}
	if hello.Kind != wire.Hello || hello.Src != id {
		t.Fatalf("got %+v, want Hello from peer %d", hello, id)
	}
}
