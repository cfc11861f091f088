package middleware

import (
	"context"
	"sync/atomic"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TimingName is the pipeline name of the timing middleware.
const TimingName = "timing"

// DefaultSlowThreshold is the duration above which a write is reported as
// slow, roughly half a 60Hz frame.
const DefaultSlowThreshold = 8 * time.Millisecond

const timingStartKey = "timing.start"

// Timing measures each write from beforeSet to afterSet, which spans the
// mutation and listener notification. Register it first so it wraps the
// other middleware.
type Timing struct {
	threshold atomic.Int64
	logger    reactive.Logger
	now       func() time.Time

	duration *prometheus.HistogramVec
	slow     *prometheus.CounterVec
}

// TimingOption configures Timing.
type TimingOption func(*timingConfig)

type timingConfig struct {
	threshold  time.Duration
	logger     reactive.Logger
	now        func() time.Time
	registerer prometheus.Registerer
	namespace  string
}

// WithSlowThreshold overrides DefaultSlowThreshold.
func WithSlowThreshold(threshold time.Duration) TimingOption {
	return func(cfg *timingConfig) {
		cfg.threshold = threshold
	}
}

// WithTimingLogger sets the logger used for slow write warnings.
func WithTimingLogger(logger reactive.Logger) TimingOption {
	return func(cfg *timingConfig) {
		cfg.logger = logger
	}
}

// WithTimingClock overrides the clock.
func WithTimingClock(now func() time.Time) TimingOption {
	return func(cfg *timingConfig) {
		cfg.now = now
	}
}

// WithRegisterer registers the metrics with reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) TimingOption {
	return func(cfg *timingConfig) {
		cfg.registerer = reg
	}
}

// WithMetricsNamespace sets the Prometheus namespace. Default "reactive".
func WithMetricsNamespace(namespace string) TimingOption {
	return func(cfg *timingConfig) {
		cfg.namespace = namespace
	}
}

// NewTiming constructs the middleware and registers its metrics.
func NewTiming(opts ...TimingOption) *Timing {
	cfg := timingConfig{
		threshold:  DefaultSlowThreshold,
		now:        time.Now,
		registerer: prometheus.DefaultRegisterer,
		namespace:  "reactive",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	factory := promauto.With(cfg.registerer)
	t := &Timing{
		logger:    loggerOr(cfg.logger),
		now:       cfg.now,
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "store",
			Name:      "set_duration_seconds",
			Help:      "Duration of state writes from beforeSet to afterSet",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064, 0.128},
		}, []string{"root"}),
		slow: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "store",
			Name:      "slow_sets_total",
			Help:      "State writes slower than the configured threshold",
		}, []string{"root"}),
	}
	t.threshold.Store(int64(cfg.threshold))
	return t
}

func (t *Timing) Name() string { return TimingName }

// Threshold returns the slow write threshold.
func (t *Timing) Threshold() time.Duration { return time.Duration(t.threshold.Load()) }

// SetThreshold swaps the slow write threshold. Zero disables slow reports.
func (t *Timing) SetThreshold(threshold time.Duration) {
	t.threshold.Store(int64(threshold))
}

func (t *Timing) BeforeSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	return in.WithMeta(timingStartKey, t.now()), nil
}

func (t *Timing) AfterSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	raw, ok := in.Meta(timingStartKey)
	if !ok {
		return in, nil
	}
	start, ok := raw.(time.Time)
	if !ok {
		return in, nil
	}
	elapsed := t.now().Sub(start)
	root := rootSegment(in.Path)
	t.duration.WithLabelValues(root).Observe(elapsed.Seconds())
	if threshold := t.Threshold(); threshold > 0 && elapsed > threshold {
		t.slow.WithLabelValues(root).Inc()
		t.logger.Warn("slow state write", "path", in.Path, "source", in.Source, "duration", elapsed, "threshold", threshold)
	}
	return in.WithMeta("timing.duration", elapsed), nil
}

func rootSegment(path string) string {
	segments := reactive.SplitPath(path)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

func loggerOr(logger reactive.Logger) reactive.Logger {
	if logger == nil {
		return reactive.NopLogger()
	}
	return logger
}
