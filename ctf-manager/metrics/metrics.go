package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctf_manager"

// Metrics holds the orchestration metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	InstancesStarted  *prometheus.CounterVec
	InstancesStopped  *prometheus.CounterVec
	StartFailures     *prometheus.CounterVec
	RuntimeRetries    prometheus.Counter
	SweepRuns         prometheus.Counter
	SweepReclaimed    *prometheus.CounterVec
	SweepFailures     prometheus.Counter
	EventRecordErrors prometheus.Counter
	PortsInFlight     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		InstancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Instances that reached running",
		}, []string{"reason"}),

		InstancesStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_stopped_total",
			Help:      "Instances moved to a terminal status",
		}, []string{"status"}),

		StartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "start_failures_total",
			Help:      "Failed start attempts by error kind",
		}, []string{"kind"}),

		RuntimeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_retries_total",
			Help:      "Container create attempts retried after a transient failure",
		}),

		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed sweep cycles",
		}),

		SweepReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Instances and containers reclaimed by the sweeper",
		}, []string{"pass"}),

		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Per-instance failures during sweep cycles",
		}),

		EventRecordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_record_errors_total",
			Help:      "Audit events that could not be persisted",
		}),

		PortsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_flight",
			Help:      "Ports reserved but not yet confirmed persisted",
		}),
	}

	reg.MustRegister(
		m.InstancesStarted,
		m.InstancesStopped,
		m.StartFailures,
		m.RuntimeRetries,
		m.SweepRuns,
		m.SweepReclaimed,
		m.SweepFailures,
		m.EventRecordErrors,
		m.PortsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Started(reason string) {
	if m == nil {
		return
	}
	m.InstancesStarted.WithLabelValues(reason).Inc()
}

func (m *Metrics) Stopped(status string) {
	if m == nil {
		return
	}
	m.InstancesStopped.WithLabelValues(status).Inc()
}

func (m *Metrics) StartFailed(kind string) {
	if m == nil {
		return
	}
	m.StartFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.RuntimeRetries.Inc()
}

func (m *Metrics) Swept(expired, orphaned, stale, reaped, failures int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepReclaimed.WithLabelValues("expired").Add(float64(expired))
	m.SweepReclaimed.WithLabelValues("orphaned").Add(float64(orphaned))
	m.SweepReclaimed.WithLabelValues("stale_starting").Add(float64(stale))
	m.SweepReclaimed.WithLabelValues("untracked").Add(float64(reaped))
	m.SweepFailures.Add(float64(failures))
}

func (m *Metrics) EventRecordFailed() {
	if m == nil {
		return
	}
	m.EventRecordErrors.Inc()
}

func (m *Metrics) SetPortsInFlight(n int) {
	if m == nil {
		return
	}
	m.PortsInFlight.Set(float64(n))
}
