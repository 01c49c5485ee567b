package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	DeviceRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_rx_frames_total",
		Help: "Total CAN frames received from the adapter and forwarded to clients.",
	})
	DeviceTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_tx_frames_total",
		Help: "Total host frames written to the adapter.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	TxSlotBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_slot_busy_total",
		Help: "Transmit requests refused because every transmit slot was in use.",
	})
	EchoReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_releases_total",
		Help: "Echo id release outcomes reported by the adapter.",
	}, []string{"outcome"})
	TxSlotExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_slot_expired_total",
		Help: "Transmit slots reclaimed because no echo arrived in time.",
	})
	TxResends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_resends_total",
		Help: "Expired frames re-submitted by the resend policy.",
	})
	TxSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tx_slots_in_use",
		Help: "Transmit slots currently awaiting an echo.",
	})
	DeviceErrorFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_error_frames_total",
		Help: "CAN error frames reported by the adapter.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad channel, bad length, short transfer, bad checksum).",
	})
	FramingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framing_errors_total",
		Help: "Client reads whose byte count did not match the frame size.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected because the client table was full.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients reached by the most recent broadcast.",
	})
	SyncFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_frames_total",
		Help: "Periodic sync frames queued to the adapter.",
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
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrTCPAccept      = "tcp_accept"
	ErrDeviceRead     = "device_read"
	ErrDeviceWrite    = "device_write"
	ErrDeviceOverflow = "device_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRxDrop   = "serial_rx_drop"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANDrop  = "socketcan_rx_drop"
)

// Echo release outcome labels.
const (
	EchoReleased   = "released"
	EchoMismatch   = "mismatch"
	EchoOutOfRange = "out_of_range"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", readyHandler)

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

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	if IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localDeviceRx   uint64
	localDeviceTx   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localSlotBusy   uint64
	localReleased   uint64
	localMismatch   uint64
	localOutOfRange uint64
	localExpired    uint64
	localResends    uint64
	localSlotsInUse uint64
	localErrFrames  uint64
	localMalformed  uint64
	localFraming    uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localFanout     uint64
	localSyncFrames uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	DeviceRx    uint64
	DeviceTx    uint64
	TCPRx       uint64
	TCPTx       uint64
	SlotBusy    uint64
	Released    uint64
	Mismatch    uint64
	OutOfRange  uint64
	Expired     uint64
	Resends     uint64
	SlotsInUse  uint64
	ErrorFrames uint64
	Malformed   uint64
	Framing     uint64
	HubDrops    uint64
	HubKicks    uint64
	HubRejects  uint64
	HubClients  uint64
	Fanout      uint64
	SyncFrames  uint64
	Errors      uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		DeviceRx:    atomic.LoadUint64(&localDeviceRx),
		DeviceTx:    atomic.LoadUint64(&localDeviceTx),
		TCPRx:       atomic.LoadUint64(&localTCPRx),
		TCPTx:       atomic.LoadUint64(&localTCPTx),
		SlotBusy:    atomic.LoadUint64(&localSlotBusy),
		Released:    atomic.LoadUint64(&localReleased),
		Mismatch:    atomic.LoadUint64(&localMismatch),
		OutOfRange:  atomic.LoadUint64(&localOutOfRange),
		Expired:     atomic.LoadUint64(&localExpired),
		Resends:     atomic.LoadUint64(&localResends),
		SlotsInUse:  atomic.LoadUint64(&localSlotsInUse),
		ErrorFrames: atomic.LoadUint64(&localErrFrames),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Framing:     atomic.LoadUint64(&localFraming),
		HubDrops:    atomic.LoadUint64(&localHubDrop),
		HubKicks:    atomic.LoadUint64(&localHubKick),
		HubRejects:  atomic.LoadUint64(&localHubReject),
		HubClients:  atomic.LoadUint64(&localHubClients),
		Fanout:      atomic.LoadUint64(&localFanout),
		SyncFrames:  atomic.LoadUint64(&localSyncFrames),
		Errors:      atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncDeviceRx() {
	DeviceRxFrames.Inc()
	atomic.AddUint64(&localDeviceRx, 1)
}

func IncDeviceTx() {
	DeviceTxFrames.Inc()
	atomic.AddUint64(&localDeviceTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncSlotBusy() {
	TxSlotBusy.Inc()
	atomic.AddUint64(&localSlotBusy, 1)
}

// IncEcho counts one release outcome (use the Echo* labels).
func IncEcho(outcome string) {
	EchoReleases.WithLabelValues(outcome).Inc()
	switch outcome {
	case EchoReleased:
		atomic.AddUint64(&localReleased, 1)
	case EchoMismatch:
		atomic.AddUint64(&localMismatch, 1)
	case EchoOutOfRange:
		atomic.AddUint64(&localOutOfRange, 1)
	}
}

func AddExpired(n int) {
	TxSlotExpired.Add(float64(n))
	atomic.AddUint64(&localExpired, uint64(n))
}

func IncResend() {
	TxResends.Inc()
	atomic.AddUint64(&localResends, 1)
}

func SetSlotsInUse(n int) {
	TxSlotsInUse.Set(float64(n))
	atomic.StoreUint64(&localSlotsInUse, uint64(n))
}

func IncErrorFrame() {
	DeviceErrorFrames.Inc()
	atomic.AddUint64(&localErrFrames, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncFraming() {
	FramingErrors.Inc()
	atomic.AddUint64(&localFraming, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncSync() {
	SyncFrames.Inc()
	atomic.AddUint64(&localSyncFrames, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first error does not create them lazily.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrTCPAccept,
		ErrDeviceRead, ErrDeviceWrite, ErrDeviceOverflow,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow, ErrSerialRxDrop,
		ErrSocketCANRead, ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANDrop,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{EchoReleased, EchoMismatch, EchoOutOfRange} {
		EchoReleases.WithLabelValues(lbl).Add(0)
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
