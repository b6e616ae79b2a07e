// Package metrics provides Prometheus instrumentation for the holdings engine.
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
	// EventsTotal counts consumed events by type and terminal outcome
	// (applied, deleted, noop, rejected, deduplicated).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdings_events_total",
		Help: "Total transaction events consumed, by type and outcome",
	}, []string{"type", "outcome"})

	// DeadLettersTotal counts dead-lettered events by reason.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdings_dead_letters_total",
		Help: "Total events routed to the dead-letter sink",
	}, []string{"reason"})

	// ApplyLatency tracks end-to-end apply latency per event, from poll
	// return to durable commit.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holdings_event_apply_seconds",
		Help:    "Event apply latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// StoreRetriesTotal counts store-write retries after transient failures.
	StoreRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holdings_store_retries_total",
		Help: "Store operations retried after transient failure",
	})

	// ActiveWorkers tracks running partition workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holdings_active_workers",
		Help: "Number of running partition workers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holdings_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holdings_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holdings_http_request_duration_seconds",
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
