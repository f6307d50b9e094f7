package stats

import (
	"fmt"

	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Marker prefixes the single statistics line a run prints to stdout
// after shutdown.
const Marker = "###OUTPUT: "

// Summary holds the aggregate fields published in the end-of-run
// statistics line, named to match the emitted JSON keys.
type Summary struct {
	TotalMemory     int64         // kilobytes
	WallclockTime   float64       // seconds
	TotalProcesses  int32
	TotalUserTime   wire.Duration // usr only
	TotalSystemTime wire.Duration // sys only, summed into process time
}

// Format renders s as the "###OUTPUT: {...}" line. Total_process_time is
// user+system summed; both process-time fields keep a fixed six-digit
// fractional part rather than Go's default float formatting, so the line
// is built by hand instead of through encoding/json (which would drop
// trailing zeros and round the value).
func Format(s Summary) string {
	processTime := s.TotalUserTime.Add(s.TotalSystemTime)
	return fmt.Sprintf(
		"%s{\"Total_memory\": %d, \"Wallclock_time\": %f, \"Total_processes\": %d, \"Total_process_time\": %d.%06d, \"Total_user_time\": %d.%06d}",
		Marker,
		s.TotalMemory,
		s.WallclockTime,
		s.TotalProcesses,
		processTime.Sec, processTime.Usec,
		s.TotalUserTime.Sec, s.TotalUserTime.Usec,
	)
}
