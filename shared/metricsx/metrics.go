package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	stationsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stations_connected",
			Help: "Number of authenticated station connections.",
		},
	)
	stationConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_station_connections_total",
			Help: "Station handshake outcomes.",
		},
		[]string{"result"},
	)
	stationDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_station_disconnects_total",
			Help: "Station disconnects by reason.",
		},
		[]string{"reason"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Frames received from stations by message type.",
		},
		[]string{"type"},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Frames dropped because they could not be parsed or were invalid.",
		},
	)
	sendQueueFull = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_send_queue_full_total",
			Help: "Outbound frames rejected because the station send queue was full.",
		},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Requests awaiting a station response.",
		},
	)
	stationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_station_requests_total",
			Help: "Request/response round trips by request type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	stationRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_station_request_duration_seconds",
			Help:    "Round-trip latency to stations in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sink_failures_total",
			Help: "Observer sink failures by sink.",
		},
		[]string{"sink"},
	)
)

var registerOnce sync.Once

// Register adds every relay collector to the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			stationsConnected, stationConnections, stationDisconnects,
			framesReceived, protocolErrors, sendQueueFull,
			pendingRequests, stationRequests, stationRequestLatency,
			sinkFailures,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentRoute records requests under the route pattern rather than the
// raw path so station ids do not explode label cardinality.
func InstrumentRoute(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, route, status).Inc()
		httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func SetStationsConnected(n int) {
	stationsConnected.Set(float64(n))
}

func IncStationConnection(result string) {
	stationConnections.WithLabelValues(result).Inc()
}

func IncStationDisconnect(reason string) {
	stationDisconnects.WithLabelValues(reason).Inc()
}

func IncFrameReceived(msgType string) {
	framesReceived.WithLabelValues(msgType).Inc()
}

func IncProtocolError() {
	protocolErrors.Inc()
}

func IncSendQueueFull() {
	sendQueueFull.Inc()
}

func SetPendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

func ObserveStationRequest(msgType string, outcome string, d time.Duration) {
	stationRequests.WithLabelValues(msgType, outcome).Inc()
	stationRequestLatency.WithLabelValues(msgType).Observe(d.Seconds())
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
