// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts committed opens, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// PositionsClosed counts settled positions by outcome (liquidated, loss, gain).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_perp_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"outcome"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_perp_operation_latency_seconds",
		Help:    "Position operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OperationRejections counts failed operations by error kind.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_perp_operation_rejections_total",
		Help: "Position operations rejected, by error kind",
	}, []string{"op", "kind"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_perp_open_positions",
		Help: "Number of positions currently open",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observe records the latency of op and, when err is non-nil, a rejection
// labelled with kind.
func Observe(op string, start time.Time, err error, kind func(error) string) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationRejections.WithLabelValues(op, kind(err)).Inc()
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, so owner keys do not
		// explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
