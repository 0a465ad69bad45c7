// Package metrics provides Prometheus instrumentation for the clearing engine.
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
	// TicksTotal counts price points emitted by the oracle.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condor_ticks_total",
		Help: "Total price ticks emitted by the oracle",
	})

	// TradesTotal counts accepted fills, partitioned by timeframe.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_trades_total",
		Help: "Total trades filled",
	}, []string{"timeframe"})

	// MarginViolations counts fills rejected for insufficient collateral.
	MarginViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condor_margin_violations_total",
		Help: "Fills rejected by the margin service",
	})

	// SettlementsTotal counts contract settlements by terminal status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_settlements_total",
		Help: "Contracts settled, by terminal status",
	}, []string{"status"})

	// PayoutsTotal accumulates paid-out winnings, partitioned by timeframe.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_payouts_total",
		Help: "Cumulative payout value by timeframe",
	}, []string{"timeframe"})

	// ActiveContracts tracks live contracts per timeframe.
	ActiveContracts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "condor_active_contracts",
		Help: "Number of currently ACTIVE contracts",
	}, []string{"timeframe"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "condor_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condor_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "condor_http_request_duration_seconds",
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
