// Package metrics holds the Prometheus collectors shared by the voice agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles a private registry with the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	KnowledgeLookups *prometheus.CounterVec
	KnowledgeLatency prometheus.Histogram
	ActiveCalls      *prometheus.GaugeVec
	Turns            *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		KnowledgeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "knowledge",
			Name:      "lookups_total",
			Help:      "Knowledge base lookups by outcome.",
		}, []string{"outcome"}),
		KnowledgeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voiceagent",
			Subsystem: "knowledge",
			Name:      "lookup_duration_seconds",
			Help:      "Wall time of knowledge base lookups.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		ActiveCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voiceagent",
			Name:      "active_calls",
			Help:      "Calls currently connected, by transport.",
		}, []string{"transport"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Name:      "turns_total",
			Help:      "Completed conversational turns by status (spoken, interrupted, failed).",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.KnowledgeLookups,
		m.KnowledgeLatency,
		m.ActiveCalls,
		m.Turns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveLookup records one knowledge lookup. Its signature matches the
// knowledge client's observer hook.
func (m *Metrics) ObserveLookup(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.KnowledgeLookups.WithLabelValues(outcome).Inc()
	m.KnowledgeLatency.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
