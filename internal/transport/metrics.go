package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks backend calls per field group and mechanism.
type Metrics struct {
	CallDuration *prometheus.HistogramVec
	Fallbacks    prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		CallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visitorid_backend_call_duration_seconds",
			Help:    "Duration of identity backend calls by field group, mechanism and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"group", "mechanism", "outcome"}),
		Fallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_backend_cors_fallbacks_total",
			Help: "CORS calls retried through the script mechanism",
		}),
	}
}

// ObserveCall records a finished call. Call with time.Now() taken at the start.
func (m *Metrics) ObserveCall(group string, mechanism Mechanism, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(group, string(mechanism), outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementFallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}

func outcomeOf(err *CallError) string {
	if err == nil {
		return "success"
	}
	return string(err.Category)
}
