package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.LinkStatus("appnet", "synced")
	m.DiskEvent("add", nil)
	m.Command("ping", errors.New("x"))
	if m.Handler() == nil {
		t.Error("nil metrics should still return a handler")
	}
}

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DiskEvent("add", nil)
	m.DiskEvent("add", errors.New("mount failed"))
	m.DiskEvent("add", nil)
	m.ReconnectionFailure("appnet")

	if got := testutil.ToFloat64(m.diskEvents.WithLabelValues("add", "ok")); got != 2 {
		t.Errorf("ok disk events = %v", got)
	}
	if got := testutil.ToFloat64(m.diskEvents.WithLabelValues("add", "error")); got != 1 {
		t.Errorf("failed disk events = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fleet_engine_peer_reconnection_failures_total") {
		t.Error("exposition missing reconnection failures")
	}
}
