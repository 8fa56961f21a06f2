// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by kind (BUY/SELL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fos_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts trades refused by a pre-flight check.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_trade_rejections_total",
		Help: "Trades rejected by funds or shares checks",
	}, []string{"reason"})

	// ReplaysTotal counts ledger replays by result (ok, inconsistent).
	ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_replays_total",
		Help: "Position replays from the ledger",
	}, []string{"result"})

	// PriceLookups counts price cache results by source (cache, provider, fallback).
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_price_lookups_total",
		Help: "Price cache lookups by source",
	}, []string{"source"})

	// ProviderLatency tracks external provider call latency.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fos_provider_latency_seconds",
		Help:    "External provider call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider", "call"})

	// RateFallbacks counts currency lookups answered by the 1:1 fallback.
	RateFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fos_rate_fallbacks_total",
		Help: "Currency-rate lookups that fell back to 1:1",
	})

	// DripEvents counts processed dividend events by outcome.
	DripEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_drip_events_total",
		Help: "Dividend events processed by the DRIP run",
	}, []string{"outcome"})

	// NetWorthCents is the last computed net worth.
	NetWorthCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fos_net_worth_cents",
		Help: "Net worth of the last valuation snapshot, in cents",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fos_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fos_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fos_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProvider records the latency of one provider call.
func ObserveProvider(provider, call string, start time.Time) {
	ProviderLatency.WithLabelValues(provider, call).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
