package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (edge)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gate metrics
	DecisionsTotal           *prometheus.CounterVec
	QuotaRejectsTotal        *prometheus.CounterVec
	GateClosedTotal          *prometheus.CounterVec
	OverageAcceptsTotal      prometheus.Counter
	PersistenceFailuresTotal prometheus.Counter
	BilledUnpersistedTotal   prometheus.Counter
	GateDuration             prometheus.Histogram

	// Usage read metrics
	UsageSourceTotal *prometheus.CounterVec

	// Edge / broker metrics
	RateLimitedTotal     prometheus.Counter
	PublishFailuresTotal prometheus.Counter
	FallbackWritesTotal  prometheus.Counter
	FallbackReplaysTotal prometheus.Counter

	// Job metrics
	ReconcileDriftRatio   *prometheus.GaugeVec
	ReconcileRunsTotal    *prometheus.CounterVec
	RetentionDeletedTotal prometheus.Counter
	RetentionRunsTotal    *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_gate_decisions_total",
				Help: "Gate decisions by outcome code",
			},
			[]string{"code"},
		),
		QuotaRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_quota_rejects_total",
				Help: "Quota rejects by sub-reason",
			},
			[]string{"reason"},
		),
		GateClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_gate_closed_total",
				Help: "Fail-secure gate closures by cause; sustained growth needs operator attention",
			},
			[]string{"cause"},
		),
		OverageAcceptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_overage_accepts_total",
				Help: "Events accepted inside the soft-overage band",
			},
		),
		PersistenceFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_persistence_failures_total",
				Help: "Persistence failures after a billing accept; each one needs manual review",
			},
		),
		BilledUnpersistedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_billed_unpersisted_total",
				Help: "Events holding a billable ledger row that were never persisted; each one needs manual billing review",
			},
		),
		GateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_gate_duration_seconds",
				Help:    "End-to-end gate sequencing duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		UsageSourceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_usage_source_total",
				Help: "Usage reads by fallback tier (cache, snapshot, ledger)",
			},
			[]string{"source"},
		),

		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limited_total",
				Help: "Requests rejected by the non-financial edge rate limiter",
			},
		),
		PublishFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_broker_publish_failures_total",
				Help: "Broker publish failures recovered via the fallback buffer",
			},
		),
		FallbackWritesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_fallback_writes_total",
				Help: "Events parked in the fallback buffer",
			},
		),
		FallbackReplaysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_fallback_replays_total",
				Help: "Fallback buffer rows replayed through the broker",
			},
		),

		ReconcileDriftRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollgate_reconcile_drift_ratio",
				Help: "Relative drift between cached and authoritative usage per tenant",
			},
			[]string{"tenant_id"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_reconcile_runs_total",
				Help: "Reconciliation runs by status",
			},
			[]string{"status"},
		),
		RetentionDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_retention_deleted_total",
				Help: "Ledger rows deleted by retention cleanup",
			},
		),
		RetentionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_retention_runs_total",
				Help: "Retention cleanup runs by status",
			},
			[]string{"status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.QuotaRejectsTotal,
		m.GateClosedTotal,
		m.OverageAcceptsTotal,
		m.PersistenceFailuresTotal,
		m.BilledUnpersistedTotal,
		m.GateDuration,
		m.UsageSourceTotal,
		m.RateLimitedTotal,
		m.PublishFailuresTotal,
		m.FallbackWritesTotal,
		m.FallbackReplaysTotal,
		m.ReconcileDriftRatio,
		m.ReconcileRunsTotal,
		m.RetentionDeletedTotal,
		m.RetentionRunsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
