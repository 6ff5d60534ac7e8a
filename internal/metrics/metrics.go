// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// IngestTotal counts accepted probability observations per market.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_ingest_total",
		Help: "Accepted probability observations",
	}, []string{"market_id"})

	// IngestRejections counts rejected observations by gate.
	IngestRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_ingest_rejections_total",
		Help: "Probability observations rejected by quality gates",
	}, []string{"reason"})

	// ProbabilityIndex exports the current smoothed index per market.
	ProbabilityIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probax_probability_index",
		Help: "Smoothed probability index",
	}, []string{"market_id"})

	// TradesTotal counts position mutations, partitioned by side and action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_trades_total",
		Help: "Total position opens and reduces",
	}, []string{"side", "action"})

	// LiquidationsTotal counts liquidations by the furthest stage reached.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_liquidations_total",
		Help: "Liquidations by cascade stage",
	}, []string{"stage"})

	// BadDebtTotal accumulates bad debt recognized at liquidation.
	BadDebtTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probax_bad_debt_total",
		Help: "Cumulative bad debt recognized",
	})

	// InsuranceFund tracks the insurance fund balance.
	InsuranceFund = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probax_insurance_fund",
		Help: "Insurance fund balance",
	})

	// PoolUtilization tracks allocated capital over total capital.
	PoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probax_pool_utilization",
		Help: "Capital pool utilization ratio",
	})

	// BorrowRate exports the smoothed hourly borrow rate per market.
	BorrowRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probax_borrow_rate",
		Help: "Smoothed hourly borrow rate",
	}, []string{"market_id"})

	// FundingRate exports the current per-period funding rate per market.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probax_funding_rate",
		Help: "Per-period funding rate, positive when longs pay shorts",
	}, []string{"market_id"})

	// StaleRejections counts operations refused on a stale index.
	StaleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probax_stale_rejections_total",
		Help: "Operations rejected because the probability index was stale",
	})

	// AuthzRejections counts capability denials by operation.
	AuthzRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_authz_rejections_total",
		Help: "Requests denied by the capability table",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probax_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probax_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "probax_http_request_duration_seconds",
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
