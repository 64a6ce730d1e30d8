package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/list-family/gonsq/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_received_total",
		Help: "Total message frames received across all connections.",
	})
	MessagesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_finished_total",
		Help: "Total messages acknowledged with FIN.",
	})
	MessagesRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_messages_requeued_total",
		Help: "Total messages returned with REQ.",
	})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_heartbeats_total",
		Help: "Total server heartbeats answered with NOP.",
	})
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_commands_sent_total",
		Help: "Total commands written to nsqd connections.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_reconnects_total",
		Help: "Total successful reconnect attempts.",
	})
	RdyRedistributes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_rdy_redistribute_total",
		Help: "Total RDY redistribution passes.",
	})
	LookupdPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_lookupd_polls_total",
		Help: "Total lookupd discovery polls.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nsq_malformed_frames_total",
		Help: "Total protocol violations observed on the wire.",
	})
	ActiveConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nsq_active_connections",
		Help: "Current number of live nsqd connections.",
	})
	StarvedConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nsq_starved_connections",
		Help: "Connections whose remaining RDY dropped to a quarter of the grant or less.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrDial     = "dial"
	ErrIdentify = "identify"
	ErrAuth     = "auth"
	ErrConnRead = "conn_read"
	ErrWrite    = "conn_write"
	ErrProtocol = "protocol"
	ErrServer   = "server_error"
	ErrLookupd  = "lookupd"
	ErrPublish  = "publish"
)

// StartHTTP serves Prometheus metrics at /metrics on the given addr,
// plus a /ready endpoint backed by the registered readiness function.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localMsgRx     uint64
	localMsgFin    uint64
	localMsgReq    uint64
	localHeartbeat uint64
	localCmdTx     uint64
	localReconnect uint64
	localRedist    uint64
	localLookupd   uint64
	localMalformed uint64
	localErrors    uint64
	localConns     uint64
	localStarved   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	Heartbeats       uint64
	CommandsSent     uint64
	Reconnects       uint64
	RdyRedistributes uint64
	LookupdPolls     uint64
	Malformed        uint64
	Errors           uint64 // sum across error labels
	ActiveConns      uint64
	StarvedConns     uint64
}

func Snap() Snapshot {
	return Snapshot{
		MessagesReceived: atomic.LoadUint64(&localMsgRx),
		MessagesFinished: atomic.LoadUint64(&localMsgFin),
		MessagesRequeued: atomic.LoadUint64(&localMsgReq),
		Heartbeats:       atomic.LoadUint64(&localHeartbeat),
		CommandsSent:     atomic.LoadUint64(&localCmdTx),
		Reconnects:       atomic.LoadUint64(&localReconnect),
		RdyRedistributes: atomic.LoadUint64(&localRedist),
		LookupdPolls:     atomic.LoadUint64(&localLookupd),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Errors:           atomic.LoadUint64(&localErrors),
		ActiveConns:      atomic.LoadUint64(&localConns),
		StarvedConns:     atomic.LoadUint64(&localStarved),
	}
}

// Wrapper helpers to keep call sites simple.
func IncMessageReceived() {
	MessagesReceived.Inc()
	atomic.AddUint64(&localMsgRx, 1)
}

func IncMessageFinished() {
	MessagesFinished.Inc()
	atomic.AddUint64(&localMsgFin, 1)
}

func IncMessageRequeued() {
	MessagesRequeued.Inc()
	atomic.AddUint64(&localMsgReq, 1)
}

func IncHeartbeat() {
	Heartbeats.Inc()
	atomic.AddUint64(&localHeartbeat, 1)
}

func IncCommandSent() {
	CommandsSent.Inc()
	atomic.AddUint64(&localCmdTx, 1)
}

func IncReconnect() {
	Reconnects.Inc()
	atomic.AddUint64(&localReconnect, 1)
}

func IncRdyRedistribute() {
	RdyRedistributes.Inc()
	atomic.AddUint64(&localRedist, 1)
}

func IncLookupdPoll() {
	LookupdPolls.Inc()
	atomic.AddUint64(&localLookupd, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetActiveConns(n int) {
	ActiveConns.Set(float64(n))
	atomic.StoreUint64(&localConns, uint64(n))
}

func SetStarvedConns(n int) {
	StarvedConns.Set(float64(n))
	atomic.StoreUint64(&localStarved, uint64(n))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrDial, ErrIdentify, ErrAuth, ErrConnRead, ErrWrite,
		ErrProtocol, ErrServer, ErrLookupd, ErrPublish,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
