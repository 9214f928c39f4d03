package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDynamicCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncCounter("correlation_requests_total", map[string]string{"method": "ping", "outcome": "ok"})
	m.IncCounter("correlation_requests_total", map[string]string{"method": "ping", "outcome": "ok"})
	m.IncCounter("correlation_requests_total", map[string]string{"method": "ping"})
	m.IncCounter("sessions_created_total", nil)

	if got := testutil.ToFloat64(m.counters["correlation_requests_total"].vec.WithLabelValues("ping", "ok")); got != 2 {
		t.Fatalf("correlation_requests_total{ping,ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.counters["correlation_requests_total"].vec.WithLabelValues("ping", "")); got != 1 {
		t.Fatalf("correlation_requests_total{ping,\"\"} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.counters["sessions_created_total"].vec.WithLabelValues()); got != 1 {
		t.Fatalf("sessions_created_total = %v, want 1", got)
	}
}

func TestDynamicHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHistogram("correlation_request_duration_seconds", 0.2, map[string]string{"method": "ping"})

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range gathered {
		if mf.GetName() == "streamable_correlation_request_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("histogram not registered")
	}
}

func TestConflictingNameDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	// Already registered as a fixed collector.
	m.IncCounter("http_requests_total", map[string]string{"x": "y"})
	if _, ok := m.counters["http_requests_total"]; ok {
		t.Fatalf("expected conflicting counter to be skipped")
	}
}

func TestMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "202")); got != 1 {
		t.Fatalf("http_requests_total{POST,202} = %v, want 1", got)
	}
}
