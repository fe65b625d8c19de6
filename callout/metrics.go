package callout

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-netmon"
)

// Metrics counts callback invocations.
type Metrics struct {
	classify     *prometheus.CounterVec
	notify       *prometheus.CounterVec
	flowDeletes  prometheus.Counter
	trackedFlows prometheus.Gauge
}

// NewMetrics creates the callout metrics and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		classify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netmon",
			Subsystem: "callout",
			Name:      "classify_total",
			Help:      "Classify calls by the action written.",
		}, []string{"action"}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netmon",
			Subsystem: "callout",
			Name:      "notify_total",
			Help:      "Filter lifecycle notifications by type.",
		}, []string{"type"}),
		flowDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netmon",
			Subsystem: "callout",
			Name:      "flow_delete_total",
			Help:      "Flow delete callbacks received.",
		}),
		trackedFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netmon",
			Subsystem: "callout",
			Name:      "tracked_flows",
			Help:      "Flows classified and not yet deleted.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors()[:i] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.classify, m.notify, m.flowDeletes, m.trackedFlows}
}

// Unregister removes the metrics from reg. A nil reg is a no-op.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *Metrics) classified(a netmon.Action) {
	m.classify.WithLabelValues(a.String()).Inc()
}

func (m *Metrics) notified(n netmon.NotifyType) {
	m.notify.WithLabelValues(n.String()).Inc()
}

func (m *Metrics) flowDeleted() {
	m.flowDeletes.Inc()
}

func (m *Metrics) setTracked(n int) {
	m.trackedFlows.Set(float64(n))
}
