package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BarsAccepted.WithLabelValues("10s").Inc()
	m.BarsAccepted.WithLabelValues("10s").Inc()
	m.IndicatorRecomputes.WithLabelValues("30s").Inc()

	if got := testutil.ToFloat64(m.BarsAccepted.WithLabelValues("10s")); got != 2 {
		t.Errorf("bars accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.IndicatorRecomputes.WithLabelValues("30s")); got != 1 {
		t.Errorf("recomputes = %v, want 1", got)
	}

	// A second registry must accept a fresh set without panicking.
	New(prometheus.NewRegistry())
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.SetLastBarTime("10s", time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected broker should be degraded, got %d", rec.Code)
	}

	h.SetBrokerConnected(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status      string            `json:"status"`
		LastBarTime map[string]string `json:"last_bar_time"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
	if body.LastBarTime["10s"] != "2026-03-02T14:30:00Z" {
		t.Errorf("last bar time = %q", body.LastBarTime["10s"])
	}
}
