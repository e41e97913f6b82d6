// Package metrics provides Prometheus instrumentation for the invest engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts successfully opened positions, by plan.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"plan"})

	// OpenRejections counts rejected open attempts, by failing check.
	OpenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_open_rejections_total",
		Help: "Position opens rejected by the eligibility gate",
	}, []string{"check"})

	// OperationsStarted counts operations started, by trigger source.
	OperationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_operations_started_total",
		Help: "Arbitrage operations started",
	}, []string{"trigger"})

	// OperationsSettled counts operations that completed and settled.
	OperationsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_operations_settled_total",
		Help: "Arbitrage operations settled",
	})

	// OperationsAborted counts operations aborted without settlement.
	OperationsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_operations_aborted_total",
		Help: "Arbitrage operations aborted without settlement",
	})

	// OperationRejections counts operation triggers rejected by the
	// cooldown/cap controller.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_operation_rejections_total",
		Help: "Operation triggers rejected",
	}, []string{"reason"})

	// SettlementReplays counts idempotent settlement replays (no-ops).
	SettlementReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_settlement_replays_total",
		Help: "Settlement requests replayed as no-ops",
	})

	// RunningOperations tracks operations currently in flight.
	RunningOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invest_running_operations",
		Help: "Operations currently in flight",
	})

	// WebSocketClients tracks connected progress-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
