package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service-level Prometheus metrics.
type Metrics struct {
	Requests       *prometheus.CounterVec
	ActiveVisitors prometheus.Gauge
}

// New creates and registers the service-level metrics.
func New() *Metrics {
	return &Metrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_api_requests_total",
			Help: "Total number of API requests by route and status class",
		}, []string{"route", "status"}),
		ActiveVisitors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "visitorid_active_visitor_instances",
			Help: "Visitor instances currently resolving",
		}),
	}
}

func (m *Metrics) IncrementRequest(route, status string) {
	if m != nil {
		m.Requests.WithLabelValues(route, status).Inc()
	}
}

func (m *Metrics) VisitorStarted() {
	if m != nil {
		m.ActiveVisitors.Inc()
	}
}

func (m *Metrics) VisitorFinished() {
	if m != nil {
		m.ActiveVisitors.Dec()
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
