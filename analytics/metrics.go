package analytics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dvbsboard/core"
)

// Metrics exports scoreboard counters to Prometheus. It is both a Hook for bus
// events and a classification observer for the dashboard.
type Metrics struct {
	registry *prometheus.Registry

	deliveries   *prometheus.CounterVec
	celebrations *prometheus.CounterVec
	writeFailed  *prometheus.CounterVec
	missing      *prometheus.CounterVec
	recitations  *prometheus.CounterVec
	events       *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dvbs"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Board document deliveries by classification",
		}, []string{"board", "classification"}),
		celebrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "celebrations_total",
			Help:      "Celebration windows started or extended",
		}, []string{"board", "kind"}),
		writeFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Rejected store writes",
		}, []string{"board"}),
		missing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_missing_total",
			Help:      "Deliveries for documents that do not exist",
		}, []string{"board"}),
		recitations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recitation_points_total",
			Help:      "Recitation points awarded",
		}, []string{"board"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events seen on the bus",
		}, []string{"type"}),
	}
}

// ObserveClassification counts one classified delivery.
func (m *Metrics) ObserveClassification(c core.Classification) {
	label := "unchanged"
	switch {
	case c.IsInitial:
		label = "initial"
	case c.Changed:
		label = "changed"
	}
	m.deliveries.WithLabelValues(string(c.Board), label).Inc()
}

func (m *Metrics) OnEvent(e core.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case core.EventCelebrationStarted:
		m.celebrations.WithLabelValues(string(e.Board), "started").Inc()
	case core.EventCelebrationExtended:
		m.celebrations.WithLabelValues(string(e.Board), "extended").Inc()
	case core.EventWriteFailed:
		m.writeFailed.WithLabelValues(string(e.Board)).Inc()
	case core.EventDocumentMissing:
		m.missing.WithLabelValues(string(e.Board)).Inc()
		m.deliveries.WithLabelValues(string(e.Board), "missing").Inc()
	case core.EventRecitationAdded:
		m.recitations.WithLabelValues(string(e.Board)).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
