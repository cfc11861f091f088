package middleware

import (
	reactive "github.com/goliatone/go-reactive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComputeMetrics records computed value evaluations. It satisfies
// reactive.ComputeObserver; pass it with reactive.WithComputeObserver.
type ComputeMetrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewComputeMetrics registers the compute metrics with reg. A nil reg uses
// the default Prometheus registry.
func NewComputeMetrics(reg prometheus.Registerer) *ComputeMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &ComputeMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reactive",
			Subsystem: "computed",
			Name:      "duration_seconds",
			Help:      "Computed value evaluation time",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"key", "engine"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactive",
			Subsystem: "computed",
			Name:      "failures_total",
			Help:      "Computed value evaluations that failed",
		}, []string{"key", "engine"}),
	}
}

func (m *ComputeMetrics) ObserveCompute(event reactive.ComputeEvent) {
	m.duration.WithLabelValues(event.Key, event.Engine).Observe(event.Duration.Seconds())
	if event.Err != nil {
		m.failures.WithLabelValues(event.Key, event.Engine).Inc()
	}
}
