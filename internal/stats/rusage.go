// Package stats samples per-process resource usage and formats the
// final aggregate statistics line a run prints to stdout.
package stats

import (
	"syscall"

	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Usage is one process's resource consumption since it started, in the
// same units getrusage(2)'s struct rusage carries them.
type Usage struct {
	Usr    wire.Duration
	Sys    wire.Duration
	MaxRSS int64 // kilobytes
}

// Sample reads the calling process's own resource usage. There is no
// third-party library in the dependency set this repository draws from
// that wraps getrusage(2); the stdlib syscall package is the only way to
// reach it on a POSIX host, so it is used directly here rather than
// hand-rolling an equivalent.
func Sample() (Usage, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return Usage{}, err
	}
	return Usage{
		Usr:    wire.Duration{Sec: int64(ru.Utime.Sec), Usec: int64(ru.Utime.Usec)},
		Sys:    wire.Duration{Sec: int64(ru.Stime.Sec), Usec: int64(ru.Stime.Usec)},
		MaxRSS: int64(ru.Maxrss),
	}, nil
}

// Delta returns the CPU time accrued between a baseline sample and a
// later one. MaxRSS is a peak, not a counter, so it is taken from end
// rather than subtracted.
func Delta(start, end Usage) Usage {
	return Usage{
		Usr:    end.Usr.Sub(start.Usr),
		Sys:    end.Sys.Sub(start.Sys),
		MaxRSS: end.MaxRSS,
	}
}
