// Package metrics provides Prometheus instrumentation for the live broker.
package metrics

import (
	"bufio"
	"errors"
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
	// PollCycles counts trade poll cycles by outcome (ok, error).
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bitstamp_broker_poll_cycles_total",
		Help: "Trade poll cycles by outcome",
	}, []string{"outcome"})

	// PollLatency tracks user transaction fetch latency.
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitstamp_broker_poll_latency_seconds",
		Help:    "User transaction fetch latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// TradesPublished counts new trades handed to the dispatcher.
	TradesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bitstamp_broker_trades_published_total",
		Help: "New account trades published by the poller",
	})

	// LastTradeID is the poller watermark.
	LastTradeID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitstamp_broker_last_trade_id",
		Help: "Highest trade id seen by the poller",
	})

	// QueueDepth tracks events waiting for dispatch.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitstamp_broker_queue_depth",
		Help: "Events waiting in the handoff queue",
	})

	// OrderEvents counts emitted lifecycle events by type.
	OrderEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bitstamp_broker_order_events_total",
		Help: "Order lifecycle events emitted",
	}, []string{"type"})

	// OrphanTrades counts trades that referenced no active order.
	OrphanTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bitstamp_broker_orphan_trades_total",
		Help: "Trades skipped because their order was not active",
	})

	// Cash is the local quote balance.
	Cash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitstamp_broker_cash",
		Help: "Local USD balance",
	})

	// Holdings is the local base balance per instrument.
	Holdings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bitstamp_broker_holdings",
		Help: "Local holdings per instrument",
	}, []string{"instrument"})

	// ActiveOrders tracks the number of active orders.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitstamp_broker_active_orders",
		Help: "Orders tracked as active",
	})

	// HTTPRequestsTotal counts ops HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bitstamp_broker_http_requests_total",
		Help: "Total ops HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks ops HTTP request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bitstamp_broker_http_request_duration_seconds",
		Help:    "Ops HTTP request duration in seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()
		path := routePattern(r)
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
	})
}

// routePattern labels requests by their chi route so path parameters do
// not create a series per id.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
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

// Hijack keeps websocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
