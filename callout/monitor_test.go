package callout_test

import (
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/callout"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMonitor(t *testing.T) (*callout.Monitor, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := callout.NewMetrics(reg)
	require.NoError(t, err)
	return callout.New(metrics, testLogger()), reg
}

func values() *netmon.IncomingValues {
	return &netmon.IncomingValues{
		Layer:  netmon.LayerStreamV4,
		Local:  netip.MustParseAddrPort("192.0.2.10:51000"),
		Remote: netip.MustParseAddrPort("198.51.100.7:443"),
	}
}

func classify(m *callout.Monitor, flow netmon.FlowContext, payload []byte) netmon.Action {
	out := netmon.ClassifyOut{Action: netmon.ActionContinue}
	m.Classify(values(), &netmon.IncomingMetadata{ProcessID: 4}, &netmon.StreamData{Data: payload}, 1, &netmon.Filter{ID: 1}, flow, &out)
	return out.Action
}

func TestClassify_AlwaysPermits(t *testing.T) {
	m, reg := newMonitor(t)

	assert.Equal(t, netmon.ActionPermit, classify(m, 1, []byte("GET /")))
	assert.Equal(t, netmon.ActionPermit, classify(m, 2, nil))

	assert.Equal(t, 2.0, counter(t, reg, "netmon_callout_classify_total", "permit"))
}

func TestClassify_NilOutputIsNoop(t *testing.T) {
	m, _ := newMonitor(t)

	assert.NotPanics(t, func() {
		m.Classify(values(), nil, nil, 0, nil, 9, nil)
	})
	assert.Zero(t, m.Flows().Len(), "nothing is recorded without an output")
}

func TestClassify_NilInputsTolerated(t *testing.T) {
	m, _ := newMonitor(t)
	out := netmon.ClassifyOut{}
	m.Classify(nil, nil, nil, 0, nil, 0, &out)
	assert.Equal(t, netmon.ActionPermit, out.Action)
}

func TestFlowState_TrackedUntilFlowDelete(t *testing.T) {
	m, reg := newMonitor(t)

	classify(m, 7, []byte("abc"))
	classify(m, 7, []byte("defg"))

	st, ok := m.Flows().Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(2), st.Segments())
	assert.Equal(t, uint64(7), st.Bytes())
	assert.Equal(t, netmon.LayerStreamV4, st.Layer)
	assert.Equal(t, 1.0, gauge(t, reg, "netmon_callout_tracked_flows"))

	m.FlowDelete(netmon.LayerIDStreamV4, 101, 7)

	_, ok = m.Flows().Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, 0.0, gauge(t, reg, "netmon_callout_tracked_flows"))
}

func TestFlowDelete_UnknownFlow(t *testing.T) {
	m, _ := newMonitor(t)
	assert.NotPanics(t, func() {
		m.FlowDelete(netmon.LayerIDStreamV4, 101, 12345)
	})
	assert.Zero(t, m.Flows().Len())
}

func TestNotify_NeverVetoes(t *testing.T) {
	m, reg := newMonitor(t)

	require.NoError(t, m.Notify(netmon.NotifyAdd, uuid.New(), &netmon.Filter{ID: 3}))
	require.NoError(t, m.Notify(netmon.NotifyDelete, uuid.New(), nil))
	require.NoError(t, m.Notify(netmon.NotifyAdd, uuid.New(), nil))

	assert.Equal(t, 2.0, counter(t, reg, "netmon_callout_notify_total", "add"))
	assert.Equal(t, 1.0, counter(t, reg, "netmon_callout_notify_total", "delete"))
}

func TestClassify_Concurrent(t *testing.T) {
	m, _ := newMonitor(t)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				flow := netmon.FlowContext(g*1000 + i%10 + 1)
				classify(m, flow, []byte{0})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 80, m.Flows().Len())

	for g := range 8 {
		for i := range 10 {
			m.FlowDelete(netmon.LayerIDStreamV4, 1, netmon.FlowContext(g*1000+i+1))
		}
	}
	assert.Zero(t, m.Flows().Len())
}

func TestMetrics_FlowDeleteCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := callout.NewMetrics(reg)
	require.NoError(t, err)
	m := callout.New(metrics, testLogger())

	classify(m, 1, nil)
	m.FlowDelete(netmon.LayerIDStreamV4, 1, 1)
	m.FlowDelete(netmon.LayerIDStreamV4, 1, 2)

	n, err := testutil.GatherAndCount(reg, "netmon_callout_flow_delete_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2.0, scalar(t, reg, "netmon_callout_flow_delete_total"))
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := callout.NewMetrics(reg)
	require.NoError(t, err)
	_, err = callout.NewMetrics(reg)
	require.Error(t, err)
}

func TestMetrics_UnregisterAllowsReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := callout.NewMetrics(reg)
	require.NoError(t, err)

	metrics.Unregister(reg)
	_, err = callout.NewMetrics(reg)
	require.NoError(t, err)
}

func TestNewMetrics_PartialFailureUnregisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	clash := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netmon",
		Subsystem: "callout",
		Name:      "flow_delete_total",
		Help:      "Flow delete callbacks received.",
	})
	require.NoError(t, reg.Register(clash))

	_, err := callout.NewMetrics(reg)
	require.Error(t, err)

	// The collectors registered before the clash must be gone again.
	require.True(t, reg.Unregister(clash))
	_, err = callout.NewMetrics(reg)
	require.NoError(t, err)
}

func TestMonitor_WithoutMetrics(t *testing.T) {
	m := callout.New(nil, testLogger())
	assert.Equal(t, netmon.ActionPermit, classify(m, 1, nil))
	m.FlowDelete(netmon.LayerIDStreamV4, 1, 1)
	require.NoError(t, m.Notify(netmon.NotifyAdd, uuid.Nil, nil))
}

// counter returns the value of the counter child whose only label has
// the given value.
func counter(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func scalar(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
