package cfd

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts the positions handled by the engine.
type Metrics struct {
	opened       *prometheus.CounterVec
	settled      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	lockedMargin prometheus.Gauge
}

// NewMetrics creates unregistered engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		opened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdnode_cfds_opened_total",
				Help: "Number of cfds opened.",
			},
			[]string{"position", "leverage"},
		),
		settled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdnode_cfds_settled_total",
				Help: "Number of cfds settled.",
			},
			[]string{"position"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdnode_cfd_failures_total",
				Help: "Number of failed cfd operations.",
			},
			[]string{"operation"},
		),
		lockedMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cfdnode_taker_margin_msat",
			Help: "Taker margin locked in open cfds.",
		}),
	}
}

// Collectors returns the metrics for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.opened, m.settled, m.failures, m.lockedMargin,
	}
}
