package fieldstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks blob persistence.
type Metrics struct {
	Loads            prometheus.Counter
	Saves            prometheus.Counter
	PersistFailures  *prometheus.CounterVec
	DigestMismatches prometheus.Counter
}

// NewMetrics registers the field store metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Loads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_fieldstore_loads_total",
			Help: "Total number of blob loads",
		}),
		Saves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_fieldstore_saves_total",
			Help: "Total number of blob saves",
		}),
		PersistFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_fieldstore_persist_failures_total",
			Help: "Blob loads and saves that failed, by operation",
		}, []string{"op"}),
		DigestMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_fieldstore_digest_mismatches_total",
			Help: "Blobs loaded under a different settings digest",
		}),
	}
}

func (m *Metrics) incLoad() {
	if m != nil {
		m.Loads.Inc()
	}
}

func (m *Metrics) incSave() {
	if m != nil {
		m.Saves.Inc()
	}
}

func (m *Metrics) incFailure(op string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) incDigestMismatch() {
	if m != nil {
		m.DigestMismatches.Inc()
	}
}
