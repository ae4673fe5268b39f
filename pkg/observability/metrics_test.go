package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
		if metrics.DecisionsTotal == nil {
			t.Error("DecisionsTotal is nil")
		}
		if metrics.QuotaRejectsTotal == nil {
			t.Error("QuotaRejectsTotal is nil")
		}
		if metrics.GateClosedTotal == nil {
			t.Error("GateClosedTotal is nil")
		}
		if metrics.OverageAcceptsTotal == nil {
			t.Error("OverageAcceptsTotal is nil")
		}
		if metrics.PersistenceFailuresTotal == nil {
			t.Error("PersistenceFailuresTotal is nil")
		}
		if metrics.BilledUnpersistedTotal == nil {
			t.Error("BilledUnpersistedTotal is nil")
		}
		if metrics.UsageSourceTotal == nil {
			t.Error("UsageSourceTotal is nil")
		}
		if metrics.RateLimitedTotal == nil {
			t.Error("RateLimitedTotal is nil")
		}
		if metrics.FallbackWritesTotal == nil {
			t.Error("FallbackWritesTotal is nil")
		}
		if metrics.ReconcileDriftRatio == nil {
			t.Error("ReconcileDriftRatio is nil")
		}
		if metrics.RetentionDeletedTotal == nil {
			t.Error("RetentionDeletedTotal is nil")
		}
		if metrics.DBConnectionsActive == nil {
			t.Error("DBConnectionsActive is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Vec metrics only show up in Gather once a label set exists
		metrics.HTTPRequestsTotal.WithLabelValues("POST", "/v1/events", "202").Add(0)
		metrics.DecisionsTotal.WithLabelValues("accepted").Add(0)
		metrics.GateClosedTotal.WithLabelValues("ledger_insert").Add(0)
		metrics.UsageSourceTotal.WithLabelValues("cache").Add(0)
		metrics.ReconcileDriftRatio.WithLabelValues("tenant-a").Set(0)
		metrics.DBConnectionsActive.Set(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		if len(families) == 0 {
			t.Error("No metrics registered in registry")
		}

		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expectedMetrics := []string{
			"tollgate_http_requests_total",
			"tollgate_gate_decisions_total",
			"tollgate_gate_closed_total",
			"tollgate_overage_accepts_total",
			"tollgate_persistence_failures_total",
			"tollgate_usage_source_total",
			"tollgate_rate_limited_total",
			"tollgate_fallback_writes_total",
			"tollgate_reconcile_drift_ratio",
			"tollgate_retention_deleted_total",
			"tollgate_db_connections_active",
		}

		for _, name := range expectedMetrics {
			if !metricNames[name] {
				t.Errorf("Expected metric %s not found in registry", name)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic on duplicate registration, but didn't panic")
			}
		}()

		NewMetrics(registry)
	})
}

func TestMetrics_GateDecisions(t *testing.T) {
	t.Run("increment decision counters", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.DecisionsTotal.WithLabelValues("accepted").Inc()
		metrics.DecisionsTotal.WithLabelValues("duplicate").Inc()
		metrics.DecisionsTotal.WithLabelValues("duplicate").Inc()

		expected := `
# HELP tollgate_gate_decisions_total Gate decisions by outcome code
# TYPE tollgate_gate_decisions_total counter
tollgate_gate_decisions_total{code="accepted"} 1
tollgate_gate_decisions_total{code="duplicate"} 2
`
		if err := testutil.CollectAndCompare(metrics.DecisionsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("quota rejects by reason", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.QuotaRejectsTotal.WithLabelValues("monthly_limit_exceeded").Inc()
		metrics.QuotaRejectsTotal.WithLabelValues("hard_cap_exceeded").Inc()

		count := testutil.CollectAndCount(metrics.QuotaRejectsTotal)
		if count != 2 {
			t.Errorf("Expected 2 metric series, got %d", count)
		}
	})

	t.Run("gate closed causes are independent", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.GateClosedTotal.WithLabelValues("ledger_insert").Inc()
		metrics.GateClosedTotal.WithLabelValues("ledger_timeout").Inc()
		metrics.GateClosedTotal.WithLabelValues("ledger_timeout").Inc()

		got := testutil.ToFloat64(metrics.GateClosedTotal.WithLabelValues("ledger_timeout"))
		if got != 2 {
			t.Errorf("Expected ledger_timeout count 2, got %v", got)
		}
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", rec.Code)
	}

	expected := `
# HELP tollgate_http_requests_total Total number of HTTP requests
# TYPE tollgate_http_requests_total counter
tollgate_http_requests_total{method="POST",path="/v1/events",status="202"} 1
`
	if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	if count := testutil.CollectAndCount(metrics.HTTPRequestDuration); count != 1 {
		t.Errorf("Expected 1 duration series, got %d", count)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RateLimitedTotal.Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tollgate_rate_limited_total") {
		t.Error("Expected tollgate_rate_limited_total in /metrics output")
	}
}
