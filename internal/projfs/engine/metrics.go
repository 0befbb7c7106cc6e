package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	lockWait     prometheus.Histogram
	lockTimeouts prometheus.Counter
	holderAge    prometheus.Gauge
	fatal        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "projfs",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for path locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "projfs",
			Name:      "lock_timeouts_total",
			Help:      "Total number of operations which gave up waiting for a path lock.",
		}),
		holderAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "projfs",
			Name:      "lock_timeout_holder_age_seconds",
			Help:      "How long the path lock had been held when the most recent waiter timed out.",
		}),
		fatal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "projfs",
			Name:      "engine_failed",
			Help:      "Set to 1 once the engine stopped after an internal invariant violation.",
		}),
	}
}
