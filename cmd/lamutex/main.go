// Command lamutex runs the Lamport mutual-exclusion benchmark: a
// coordinator process accepts N peer connections, barriers them with
// START, then each peer repeatedly requests and releases a shared
// critical section for a configured number of rounds before reporting
// its resource usage.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/sincronizacion-distribuida/lamutex/internal/coordinator"
	"github.com/sincronizacion-distribuida/lamutex/internal/driver"
	"github.com/sincronizacion-distribuida/lamutex/internal/lifecycle"
	"github.com/sincronizacion-distribuida/lamutex/internal/logging"
	"github.com/sincronizacion-distribuida/lamutex/internal/runstore"
	"github.com/sincronizacion-distribuida/lamutex/internal/stats"
	"github.com/sincronizacion-distribuida/lamutex/internal/transport"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Exit codes, numbered to match the C benchmark's die() call sites so an
// operator already familiar with it sees the same numbers here.
const (
	exitOK            = 0
	exitUsage         = 1
	exitBind          = 2
	exitSocket        = 3
	exitRecv          = 4
	exitResolve       = 8
	exitConnectFailed = 9
	exitPoll          = 10
	exitBarrier       = 13
	exitSpawn         = 20
	exitSend          = 21
	exitChildDied     = 30
)

func main() {
	app := &cli.App{
		Name:  "lamutex",
		Usage: "Lamport distributed mutual-exclusion benchmark",
		Commands: []*cli.Command{
			runCommand(),
			peerCommand(), // internal re-exec target, not advertised
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFromError(err))
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a benchmark as coordinator",
		ArgsUsage: "[npeers] [nrounds]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mongo-uri", EnvVars: []string{"LAMUTEX_MONGO_URI"}},
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"LAMUTEX_LOG_LEVEL"}, Value: "info"},
			&cli.StringFlag{Name: "debug-addr"},
		},
		Action: runRunCommand,
	}
}

func runRunCommand(c *cli.Context) error {
	npeers, rounds, err := parsePositional(c, 10, 5)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	if npeers < 1 || npeers > 500 {
		return cli.Exit(fmt.Sprintf("npeers must be in [1, 500], got %d", npeers), exitUsage)
	}

	log, err := logging.New(c.String("log-level"), "coordinator", -2)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	executable, err := filepath.Abs(os.Args[0])
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()

	debugCtx, stopDebug := context.WithCancel(ctx)
	defer stopDebug()

	onReady := func(b *coordinator.Broker, port int) {
		if addr := c.String("debug-addr"); addr != "" {
			reg := prometheus.NewRegistry()
			coordinator.NewMetrics(reg)
			debugSrv := coordinator.NewDebugServer(addr, b, reg, log)
			go debugSrv.ListenAndServe(debugCtx)
		}
	}

	brokerStats, runErr := lifecycle.RunCoordinator(ctx, executable, int32(npeers), int32(rounds), c.String("log-level"), log, onReady)
	stopDebug()

	if runErr != nil {
		return cli.Exit(runErr.Error(), exitCodeFor(runErr))
	}

	wallclock := time.Since(start).Seconds()
	summary := stats.Summary{
		TotalMemory:     brokerStats.TotalMaxRSS,
		WallclockTime:   wallclock,
		TotalProcesses:  int32(npeers),
		TotalUserTime:   brokerStats.TotalUsr,
		TotalSystemTime: brokerStats.TotalSys,
	}
	line := stats.Format(summary)
	fmt.Println(line)

	if uri := c.String("mongo-uri"); uri != "" {
		storeCtx, cancelStore := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStore()
		store, err := runstore.Connect(storeCtx, uri, "lamutex")
		if err == nil {
			defer store.Close(storeCtx)
			store.Record(storeCtx, int32(npeers), int32(rounds), summary, time.Now())
		} else {
			log.WithError(err).Warn("run-history store unavailable, continuing without it")
		}
	}

	return nil
}

// peerCommand is the internal re-exec target the coordinator's lifecycle
// controller invokes; it is intentionally left off any user-facing usage
// text.
func peerCommand() *cli.Command {
	return &cli.Command{
		Name:   "peer-internal",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "id"},
			&cli.IntFlag{Name: "port"},
			&cli.IntFlag{Name: "npeers"},
			&cli.IntFlag{Name: "rounds"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: runPeerCommand,
	}
}

func runPeerCommand(c *cli.Context) error {
	id := int32(c.Int("id"))
	port := c.Int("port")
	npeers := int32(c.Int("npeers"))
	rounds := int32(c.Int("rounds"))

	log, err := logging.New(c.String("log-level"), "peer", id)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := lifecycle.Connect(ctx, lifecycle.DefaultDialConfig(port, id))
	if err != nil {
		return cli.Exit(err.Error(), exitConnectFailed)
	}
	defer conn.Close()

	if err := sendHello(conn, id, npeers); err != nil {
		return cli.Exit(err.Error(), exitSend)
	}

	if err := driver.Run(ctx, conn, id, npeers, rounds, log); err != nil {
		return cli.Exit(err.Error(), exitRecv)
	}
	return nil
}

func sendHello(conn net.Conn, id, npeers int32) error {
	return transport.Send(conn, wire.NewHello(id), npeers)
}

func parsePositional(c *cli.Context, defaultNPeers, defaultRounds int) (int, int, error) {
	npeers, rounds := defaultNPeers, defaultRounds
	if c.Args().Len() > 0 {
		v, err := parseIntArg(c.Args().Get(0))
		if err != nil {
			return 0, 0, err
		}
		npeers = v
	}
	if c.Args().Len() > 1 {
		v, err := parseIntArg(c.Args().Get(1))
		if err != nil {
			return 0, 0, err
		}
		rounds = v
	}
	return npeers, rounds, nil
}

func parseIntArg(s string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid integer argument %q", s)
	}
	return v, nil
}

func exitFromError(err error) int {
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	return exitUsage
}

// exitCodeFor maps a RunCoordinator failure to the die()-numbered exit
// code for its root cause: bind failure, spawn failure, a child dying
// before it reported DONE, or a generic barrier/routing failure.
func exitCodeFor(err error) int {
	var bindErr *lifecycle.BindErr
	var spawnErr *lifecycle.SpawnErr
	switch {
	case errors.As(err, &bindErr):
		return exitBind
	case errors.As(err, &spawnErr):
		return exitSpawn
	}
	if _, ok := err.(interface{ WrappedErrors() []error }); ok {
		return exitChildDied
	}
	return exitBarrier
}
