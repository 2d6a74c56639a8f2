package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics describes the work of the dispatcher.
type Metrics struct {
	handled  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	expired  prometheus.Counter
	queueLen prometheus.GaugeFunc
}

// NewMetrics creates unregistered dispatcher metrics for queue.
func NewMetrics(queue *EventQueue) *Metrics {
	return &Metrics{
		handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdnode_events_handled_total",
				Help: "Number of events handled by kind.",
			},
			[]string{"event"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdnode_event_failures_total",
				Help: "Number of events whose handler failed.",
			},
			[]string{"event"},
		),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cfdnode_payments_expired_total",
			Help: "Number of pending payments that expired.",
		}),
		queueLen: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cfdnode_event_queue_length",
				Help: "Number of events waiting for dispatch.",
			},
			func() float64 {
				return float64(queue.Len())
			},
		),
	}
}

// Collectors returns the metrics for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.handled, m.failed, m.expired, m.queueLen,
	}
}
