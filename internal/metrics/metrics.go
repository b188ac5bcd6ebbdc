// Package metrics provides Prometheus instrumentation for the allocation engine.
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
	// RebalancesTotal counts applied rebalance events by outcome.
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_rebalances_total",
		Help: "Total rebalance events processed",
	}, []string{"outcome"}) // applied, invalid, stale

	// CyclesTotal counts completed projection fan-out cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_projection_cycles_total",
		Help: "Total projection fan-out cycles run",
	})

	// CycleDuration tracks fan-out cycle duration.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alloc_projection_cycle_duration_seconds",
		Help:    "Projection cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AccountsProjected counts accounts successfully projected.
	AccountsProjected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_accounts_projected_total",
		Help: "Accounts successfully projected and committed",
	})

	// AccountsFailed counts per-account projection failures.
	AccountsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_accounts_failed_total",
		Help: "Accounts that failed projection and were queued for retry",
	})

	// InstructionsTotal counts emitted trade instructions.
	InstructionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_instructions_total",
		Help: "Trade instructions emitted across all accounts",
	})

	// InsufficientCapitalSkips counts accounts skipped for zero or
	// negative equity.
	InsufficientCapitalSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_insufficient_capital_skips_total",
		Help: "Accounts skipped because equity was zero or negative",
	})

	// PriceUnavailableDrops counts per-symbol instructions dropped for
	// missing quotes.
	PriceUnavailableDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alloc_price_unavailable_drops_total",
		Help: "Symbol instructions dropped because no price was available",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alloc_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alloc_http_request_duration_seconds",
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
