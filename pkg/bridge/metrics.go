package bridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts bridge traffic. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	pushes   *prometheus.CounterVec
}

// NewMetrics registers the bridge counters with reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactive",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Bridge requests by operation and outcome",
		}, []string{"op", "ok"}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactive",
			Subsystem: "bridge",
			Name:      "pushes_total",
			Help:      "Bridge pushes by result (delivered, skipped, failed)",
		}, []string{"result"}),
	}
}

func (m *Metrics) request(op string, ok bool) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) push(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}
