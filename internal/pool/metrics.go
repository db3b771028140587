// internal/pool/metrics.go
package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pool activity for operational dashboards.
type Metrics struct {
	SessionsCreated  prometheus.Counter
	SessionsRecycled prometheus.Counter
	SessionsPoisoned prometheus.Counter
	AcquireWait      prometheus.Histogram
	QueueLength      prometheus.Gauge
}

// NewMetrics builds and registers the pool metric set. A nil registerer
// yields unregistered metrics, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinewright",
			Subsystem: "pool",
			Name:      "sessions_created_total",
			Help:      "Number of browser sessions launched by the pool.",
		}),
		SessionsRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinewright",
			Subsystem: "pool",
			Name:      "sessions_recycled_total",
			Help:      "Number of sessions retired after reaching their usage or age limit.",
		}),
		SessionsPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinewright",
			Subsystem: "pool",
			Name:      "sessions_poisoned_total",
			Help:      "Number of sessions discarded after a failed release.",
		}),
		AcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pinewright",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time callers spent waiting for a session.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pinewright",
			Subsystem: "pool",
			Name:      "queue_length",
			Help:      "Number of callers currently waiting for a session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsCreated, m.SessionsRecycled, m.SessionsPoisoned, m.AcquireWait, m.QueueLength)
	}
	return m
}
