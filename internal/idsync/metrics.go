package idsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds sync engine collectors.
type Metrics struct {
	Instructions   *prometheus.CounterVec
	MessagesPosted prometheus.Counter
	PixelsFired    *prometheus.CounterVec
	ManualSyncs    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Instructions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_idsync_instructions_total",
			Help: "Sync instructions received, by route",
		}, []string{"route"}),
		MessagesPosted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visitorid_idsync_messages_posted_total",
			Help: "Messages delivered to the sync frame",
		}),
		PixelsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_idsync_pixels_fired_total",
			Help: "Sync pixels requested on the page",
		}, []string{"field"}),
		ManualSyncs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visitorid_idsync_manual_syncs_total",
			Help: "Manual sync requests, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) incInstruction(route string) {
	if m == nil {
		return
	}
	m.Instructions.WithLabelValues(route).Inc()
}

func (m *Metrics) incPosted() {
	if m == nil {
		return
	}
	m.MessagesPosted.Inc()
}

func (m *Metrics) incPixel(field string) {
	if m == nil {
		return
	}
	m.PixelsFired.WithLabelValues(field).Inc()
}

func (m *Metrics) incManual(result string) {
	if m == nil {
		return
	}
	m.ManualSyncs.WithLabelValues(result).Inc()
}
