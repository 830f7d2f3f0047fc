package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds resolver collectors.
type Metrics struct {
	BackendCalls *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	CacheHits    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		BackendCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_resolver_backend_calls_total",
			Help: "Backend calls issued per field group",
		}, []string{"group"}),
		Fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_resolver_fallbacks_total",
			Help: "Field groups resolved with a locally synthesized value",
		}, []string{"group", "category"}),
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_resolver_cache_hits_total",
			Help: "Field reads served from the local store without a backend call",
		}, []string{"group"}),
	}
}

func (m *Metrics) incBackendCall(group Group) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(string(group)).Inc()
}

func (m *Metrics) incFallback(group Group, category string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(string(group), category).Inc()
}

func (m *Metrics) incCacheHit(group Group) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(string(group)).Inc()
}
