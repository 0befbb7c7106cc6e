package dispatch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rfratto/projfs/internal/projfs"
)

type metricsMiddleware struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsMiddleware returns a middleware which records event counts and
// handler latency. Metrics are registered against reg when it is non-nil.
func NewMetricsMiddleware(reg prometheus.Registerer) Middleware {
	f := promauto.With(reg)
	return &metricsMiddleware{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projfs",
			Name:      "events_total",
			Help:      "Total number of events dispatched to the handler, by kind and resulting error.",
		}, []string{"kind", "error"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "projfs",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the event handler.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind"}),
	}
}

func (mm *metricsMiddleware) HandleEvent(ctx context.Context, ev *projfs.Event, invoker Invoker) error {
	start := time.Now()
	err := invoker(ctx, ev)
	mm.duration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())

	errName := "none"
	if err != nil {
		errName = projfs.ErrorFor(err).Name()
	}
	mm.events.WithLabelValues(string(ev.Kind), errName).Inc()
	return err
}
