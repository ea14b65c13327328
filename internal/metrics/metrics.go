// Package metrics exposes Prometheus counters for the monitor and the
// render service client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MetricsNamespace is the namespace for all metrics.
	MetricsNamespace = "listingwatch"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal   *prometheus.CounterVec
	ScrapesTotal *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: "monitor",
				Name:      "polls_total",
				Help:      "Total number of poll executions",
			},
			[]string{"source", "success"},
		),
		ScrapesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: "renderer",
				Name:      "scrapes_total",
				Help:      "Total number of pages fetched from external sources",
			},
			[]string{"domain"},
		),
	}
}

// RecordPollOutcome records one poll execution for a source adapter.
func (m *Metrics) RecordPollOutcome(source string, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	m.PollsTotal.WithLabelValues(source, label).Inc()
}

// RecordScrape records one page fetch against an external domain.
func (m *Metrics) RecordScrape(domain string) {
	m.ScrapesTotal.WithLabelValues(domain).Inc()
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
