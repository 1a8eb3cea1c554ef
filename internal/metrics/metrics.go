// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradeTransitions counts trade state transitions by target state.
	TradeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpadi_trade_transitions_total",
		Help: "Total trade state transitions",
	}, []string{"to"})

	// SlotsPurchased counts slots sold across all trades.
	SlotsPurchased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carpadi_slots_purchased_total",
		Help: "Total slots purchased",
	})

	// SlotRejections counts slot purchases rejected by the oversell guard
	// or an insufficient wallet balance.
	SlotRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpadi_slot_rejections_total",
		Help: "Slot purchases rejected",
	}, []string{"reason"})

	// DisbursementsCreated counts disbursements computed at completion.
	DisbursementsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carpadi_disbursements_created_total",
		Help: "Disbursements created at trade completion",
	})

	// WalletMutations counts wallet balance mutations by transaction kind.
	WalletMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpadi_wallet_mutations_total",
		Help: "Wallet balance mutations applied",
	}, []string{"kind"})

	// SettlementLatency tracks how long each settlement operation takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carpadi_settlement_latency_seconds",
		Help:    "Settlement operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OngoingTrades tracks the number of trades currently selling slots.
	OngoingTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carpadi_ongoing_trades",
		Help: "Number of trades currently open for slot purchase",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carpadi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpadi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carpadi_http_request_duration_seconds",
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
