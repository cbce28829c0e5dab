package status

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus vectors the Registry updates
// alongside its own mutex-guarded counters. It implements prometheus.Collector directly
// (delegating Describe/Collect to each vector) so Registry.Collector
// can be registered with a single registerer.Register call instead of
// the caller needing to know how many vectors exist.
type metrics struct {
	applied *prometheus.CounterVec
	failed  *prometheus.CounterVec
	state   *prometheus.GaugeVec
}

func newMetrics(r *Registry) *metrics {
	return &metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redisbridge",
			Name:      "target_applied_total",
			Help:      "Change events successfully applied to a target.",
		}, []string{"target"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redisbridge",
			Name:      "target_failed_total",
			Help:      "Change events that failed to apply to a target.",
		}, []string{"target"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "redisbridge",
			Name:      "target_state",
			Help:      "Target health state: 0=active, 1=cooling, 2=disabled.",
		}, []string{"target"}),
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.applied.Describe(ch)
	m.failed.Describe(ch)
	m.state.Describe(ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.applied.Collect(ch)
	m.failed.Collect(ch)
	m.state.Collect(ch)
}
