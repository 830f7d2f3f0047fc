package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for sync delivery auditing.
type Metrics struct {
	Emitted         *prometheus.CounterVec
	Dropped         prometheus.Counter
	PersistFailures prometheus.Counter
	SinkOpen        prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Emitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_audit_events_emitted_total",
			Help: "Sync audit events accepted by the publisher",
		}, []string{"action"}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_audit_events_dropped_total",
			Help: "Sync audit events dropped because the publisher buffer was full or closed",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_audit_persist_failures_total",
			Help: "Sync audit events the sink failed to persist",
		}),
		SinkOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "visitorid_audit_sink_circuit_open",
			Help: "Audit sink circuit state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) incEmitted(action Action) {
	if m == nil {
		return
	}
	m.Emitted.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) incPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) setSinkOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.SinkOpen.Set(1)
	} else {
		m.SinkOpen.Set(0)
	}
}
