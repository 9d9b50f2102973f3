// Package metrics provides Prometheus instrumentation for the round-up engine.
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
	// DepositsTotal counts deposit initiations by outcome (created, duplicate,
	// rejected, remote_error, local_error).
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_deposits_total",
		Help: "Deposit initiations by outcome",
	}, []string{"outcome"})

	// InvestmentsTotal counts investment attempts by outcome.
	InvestmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_investments_total",
		Help: "Investment attempts by outcome",
	}, []string{"outcome"})

	// DuplicateSuspected counts operations blocked by the duplicate search.
	DuplicateSuspected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_duplicate_suspected_total",
		Help: "Operations blocked as potential repeats",
	}, []string{"op"})

	// ReconcileSearches counts reconciling searches run after a failed
	// side-effecting remote call, partitioned by whether a candidate was found.
	ReconcileSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_reconcile_searches_total",
		Help: "Reconciling searches after failed remote calls",
	}, []string{"op", "found"})

	// RemoteCallDuration tracks latency of aggregator and brokerage calls.
	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roundup_remote_call_duration_seconds",
		Help:    "Remote API call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"client", "op"})

	// CashbackRecorded counts classified cashback rows by action.
	CashbackRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_cashback_recorded_total",
		Help: "Cashback rows created, updated, flagged or removed",
	}, []string{"action"})

	// PricesWritten counts price samples upserted by refresh jobs.
	PricesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_prices_written_total",
		Help: "Price samples written",
	}, []string{"interval"})

	// PricesPruned counts price samples removed by retention pruning.
	PricesPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_prices_pruned_total",
		Help: "Price samples pruned",
	}, []string{"interval"})

	// ValueSnapshotsWritten counts appended user value snapshots.
	ValueSnapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundup_value_snapshots_written_total",
		Help: "User value snapshots appended",
	})

	// DBCredentialRefresh counts database credential refreshes after auth failures.
	DBCredentialRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_db_credential_refresh_total",
		Help: "Database credential refreshes by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roundup_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundup_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roundup_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
	}, []string{"method", "path"})
)

// ObserveRemote records the latency of one remote call since start.
func ObserveRemote(client, op string, start time.Time) {
	RemoteCallDuration.WithLabelValues(client, op).Observe(time.Since(start).Seconds())
}

// Found renders a boolean as a label value.
func Found(ok bool) string {
	return strconv.FormatBool(ok)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// PathLabel maps a request to a low-cardinality label; nil uses the raw path.
func Middleware(pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start).Seconds()

			path := r.URL.Path
			if pathLabel != nil {
				path = pathLabel(r)
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
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
