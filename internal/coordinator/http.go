package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// Metrics holds a counter of routed messages by kind, registered for
// /metrics on the debug HTTP surface. The Broker holds no reference to
// it: Run routes messages without incrementing MessagesRouted.
type Metrics struct {
	MessagesRouted *prometheus.CounterVec
}

// NewMetrics registers the broker's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lamutex_coordinator_messages_routed_total",
			Help: "Messages routed by the coordinator, by kind.",
		}, []string{"kind"}),
	}
}

// statusResponse is the JSON body served at /status.
type statusResponse struct {
	NumDone       int32  `json:"num_done"`
	NPeers        int32  `json:"npeers"`
	PeerConnected []bool `json:"peer_connected"`
	TotalUsrSec   string `json:"total_usr_time"`
	TotalSysSec   string `json:"total_sys_time"`
	TotalMaxRSS   int64  `json:"total_max_rss_kb"`
}

// DebugServer serves read-only introspection of a running Broker. It is
// entirely best-effort: a failure to bind or serve is logged and never
// fatal to the benchmark run, since this surface exists for operators,
// not for protocol correctness.
type DebugServer struct {
	srv *http.Server
	log *logrus.Entry
}

// NewDebugServer builds (but does not start) the debug HTTP surface for
// b, registering reg's collectors at /metrics.
func NewDebugServer(addr string, b *Broker, reg *prometheus.Registry, log *logrus.Entry) *DebugServer {
	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		s := b.Stats()
		resp := statusResponse{
			NumDone:       s.NumDone,
			NPeers:        b.npeers,
			PeerConnected: s.PeerConnected,
			TotalUsrSec:   formatDuration(s.TotalUsr),
			TotalSysSec:   formatDuration(s.TotalSys),
			TotalMaxRSS:   s.TotalMaxRSS,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &DebugServer{
		srv: &http.Server{Addr: addr, Handler: r},
		log: log,
	}
}

func formatDuration(d wire.Duration) string {
	return fmt.Sprintf("%d.%06d", d.Sec, d.Usec)
}

// ListenAndServe runs the debug HTTP surface until ctx is cancelled.
// Errors are logged, not returned, matching the best-effort contract.
func (d *DebugServer) ListenAndServe(ctx context.Context) {
	ln, err := net.Listen("tcp", d.srv.Addr)
	if err != nil {
		d.log.WithError(err).Warn("debug HTTP surface failed to bind, continuing without it")
		return
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.srv.Shutdown(shutdownCtx)
	}()

	if err := d.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		d.log.WithError(err).Warn("debug HTTP surface stopped")
	}
}
