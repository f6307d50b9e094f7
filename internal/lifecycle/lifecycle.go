// Package lifecycle drives process startup and teardown for both roles:
// the coordinator binds its listener, spawns N peer subprocesses, runs
// the barrier/benchmark/shutdown sequence and joins its children; a peer
// dials the coordinator with retry-backoff and hands its connection to
// the driver package.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/lamutex/internal/coordinator"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// PortRangeLow and PortRangeHigh bound the ephemeral port the coordinator
// tries to bind, matching the C benchmark's fixed port window.
const (
	PortRangeLow  = 19999
	PortRangeHigh = 29999
	bindAttempts  = 10
)

// BindErr is returned when no port in [PortRangeLow, PortRangeHigh]
// could be bound after bindAttempts tries.
type BindErr struct{ Last error }

func (e *BindErr) Error() string { return fmt.Sprintf("lifecycle: bind: %v", e.Last) }
func (e *BindErr) Unwrap() error { return e.Last }

// Bind tries up to bindAttempts ports spread across the configured window
// by pseudoPort (a fixed sequence starting at PortRangeLow) and returns
// the first successful listener.
func Bind() (net.Listener, int, error) {
	var lastErr error
	span := PortRangeHigh - PortRangeLow
	for i := 0; i < bindAttempts; i++ {
		port := PortRangeLow + pseudoPort(i, span)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, &BindErr{Last: lastErr}
}

// pseudoPort spreads bind attempts across the window without relying on
// math/rand, whose seeding this package has no business owning.
func pseudoPort(attempt, span int) int {
	if span <= 0 {
		return 0
	}
	return (attempt * 7919) % span
}

// SpawnErr wraps a failure to start one of the peer subprocesses.
type SpawnErr struct{ Last error }

func (e *SpawnErr) Error() string { return fmt.Sprintf("lifecycle: spawn: %v", e.Last) }
func (e *SpawnErr) Unwrap() error { return e.Last }

// SpawnConfig describes how to re-invoke this same binary as a peer.
type SpawnConfig struct {
	Executable string // os.Args[0], resolved to an absolute path by the caller
	Port       int
	NPeers     int32
	Rounds     int32
	LogLevel   string
}

// SpawnPeers starts npeers children in internal peer re-exec mode, each
// inheriting stdout/stderr so their progress lines interleave with the
// coordinator's.
func SpawnPeers(cfg SpawnConfig, log *logrus.Entry) ([]*exec.Cmd, error) {
	cmds := make([]*exec.Cmd, 0, cfg.NPeers)
	for id := int32(0); id < cfg.NPeers; id++ {
		log.Infof("Forking child %d.", id)
		cmd := exec.Command(cfg.Executable,
			"peer-internal",
			fmt.Sprintf("--id=%d", id),
			fmt.Sprintf("--port=%d", cfg.Port),
			fmt.Sprintf("--npeers=%d", cfg.NPeers),
			fmt.Sprintf("--rounds=%d", cfg.Rounds),
			fmt.Sprintf("--log-level=%s", cfg.LogLevel),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			// Best-effort: terminate whatever already started before
			// surfacing the spawn failure.
			for _, started := range cmds {
				started.Process.Kill()
			}
			return nil, fmt.Errorf("lifecycle: spawn peer %d: %w", id, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// RunCoordinator binds, spawns npeers children, waits for the connect
// barrier, broadcasts START, runs the broker until every peer reports
// DONE, broadcasts the terminating DONE, and joins every child. It
// returns the broker's final aggregate Stats (DONE counts, CPU/memory
// totals) alongside any error so the caller can report them.
func RunCoordinator(ctx context.Context, executable string, npeers, rounds int32, logLevel string, log *logrus.Entry, onReady func(b *coordinator.Broker, port int)) (coordinator.Stats, error) {
	ln, port, err := Bind()
	if err != nil {
		return coordinator.Stats{}, err
	}
	log.WithField("port", port).Info("listening")

	b := coordinator.New(npeers, log)

	cmds, err := SpawnPeers(SpawnConfig{
		Executable: executable,
		Port:       port,
		NPeers:     npeers,
		Rounds:     rounds,
		LogLevel:   logLevel,
	}, log)
	if err != nil {
		ln.Close()
		return coordinator.Stats{}, &SpawnErr{Last: err}
	}

	if err := b.AcceptAll(ctx, ln); err != nil {
		ln.Close()
		killAll(cmds)
		return coordinator.Stats{}, err
	}

	if onReady != nil {
		onReady(b, port)
	}

	start := wire.NewStart(wire.Coordinator, 0)
	if err := b.Broadcast(start); err != nil {
		ln.Close()
		b.Shutdown()
		killAll(cmds)
		return coordinator.Stats{}, err
	}
	log.Info("All peers started.")

	runErr := b.Run(ctx)
	stats := b.Stats()

	// Terminating DONE is broadcast regardless of runErr so well-behaved
	// children waiting in WaitTerminated are never left hanging.
	done := wire.NewDone(wire.Coordinator, wire.Broadcast, wire.Duration{}, wire.Duration{}, 0)
	b.Broadcast(done)

	b.Shutdown()
	ln.Close()

	joinErr := joinAll(cmds)

	if runErr != nil {
		return stats, runErr
	}
	return stats, joinErr
}

func killAll(cmds []*exec.Cmd) {
	for _, c := range cmds {
		if c.Process != nil {
			c.Process.Kill()
		}
	}
}

// ChildFailedErr reports that a spawned peer exited with a non-zero
// status or error before the benchmark's shutdown sequence reached it.
type ChildFailedErr struct {
	ID  int
	Err error
}

func (e *ChildFailedErr) Error() string {
	return fmt.Sprintf("lifecycle: peer %d: %v", e.ID, e.Err)
}
func (e *ChildFailedErr) Unwrap() error { return e.Err }

func joinAll(cmds []*exec.Cmd) error {
	var result *multierror.Error
	for i, c := range cmds {
		if err := c.Wait(); err != nil {
			result = multierror.Append(result, &ChildFailedErr{ID: i, Err: err})
		}
	}
	return result.ErrorOrNil()
}

// DialConfig describes how a peer connects to the coordinator.
type DialConfig struct {
	Port        int
	ID          int32
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultDialConfig gives a peer 10 connect attempts with a doubling
// backoff starting at 50ms, matching the benchmark's connect-retry
// allowance before it gives up.
func DefaultDialConfig(port int, id int32) DialConfig {
	return DialConfig{Port: port, ID: id, MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
}

// ConnectErr wraps the last dial failure after all retries are spent.
type ConnectErr struct {
	ID   int32
	Last error
}

func (e *ConnectErr) Error() string {
	return fmt.Sprintf("lifecycle: peer %d: connect failed: %v", e.ID, e.Last)
}
func (e *ConnectErr) Unwrap() error { return e.Last }

// Connect dials the coordinator with doubling backoff and returns the
// open connection; the caller is responsible for sending the Hello
// handshake over it.
func Connect(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, &ConnectErr{ID: cfg.ID, Last: lastErr}
}
