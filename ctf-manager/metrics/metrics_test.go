package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Started("start")
	m.Stopped("stopped")
	m.StartFailed("timeout")
	m.Retried()
	m.Swept(1, 2, 3, 4, 5)
	m.EventRecordFailed()
	m.SetPortsInFlight(3)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Started("start")
	m.Swept(2, 0, 1, 0, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`ctf_manager_instances_started_total{reason="start"} 1`,
		`ctf_manager_sweep_reclaimed_total{pass="expired"} 2`,
		`ctf_manager_sweep_runs_total 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
