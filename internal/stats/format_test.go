package stats

import (
	"strings"
	"testing"

	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

func TestFormatMatchesMarkerAndFields(t *testing.T) {
	s := Summary{
		TotalMemory:     4096,
		WallclockTime:   1.5,
		TotalProcesses:  3,
		TotalUserTime:   wire.Duration{Sec: 1, Usec: 200000},
		TotalSystemTime: wire.Duration{Sec: 0, Usec: 900000},
	}
	line := Format(s)

	if !strings.HasPrefix(line, Marker) {
		t.Fatalf("line does not start with marker: %q", line)
	}
	want := `###OUTPUT: {"Total_memory": 4096, "Wallclock_time": 1.500000, "Total_processes": 3, "Total_process_time": 2.100000, "Total_user_time": 1.200000}`
	if line != want {
		t.Fatalf("got  %q\nwant %q", line, want)
	}
}

func TestDeltaSubtractsBaseline(t *testing.T) {
	start := Usage{Usr: wire.Duration{Sec: 1}, Sys: wire.Duration{Sec: 1}, MaxRSS: 10}
	end := Usage{Usr: wire.Duration{Sec: 3}, Sys: wire.Duration{Sec: 2}, MaxRSS: 55}

	d := Delta(start, end)
	if d.Usr.Sec != 2 || d.Sys.Sec != 1 || d.MaxRSS != 55 {
		t.Fatalf("Delta = %+v", d)
	}
}
