// File: internal/observability/metrics.go
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vulndigest"

// Metrics holds the counters of a single digest run. Each run owns a private
// registry, so a batch job can write a clean snapshot without leaking series
// between runs or tests.
type Metrics struct {
	registry *prometheus.Registry

	FeedRecords  *prometheus.GaugeVec
	FunnelStage  *prometheus.GaugeVec
	PostsTotal   *prometheus.CounterVec
	LastRunStamp prometheus.Gauge
}

// NewMetrics creates and registers the run metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FeedRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "feed_records",
				Help:      "Number of records returned by each feed in the last run",
			},
			[]string{"feed"},
		),
		FunnelStage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "funnel_records",
				Help:      "Number of records surviving each selection stage in the last run",
			},
			[]string{"stage"},
		),
		PostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "posts_total",
				Help:      "Draft publish attempts by result",
			},
			[]string{"result"},
		),
		LastRunStamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
	m.registry.MustRegister(m.FeedRecords, m.FunnelStage, m.PostsTotal, m.LastRunStamp)
	return m
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
