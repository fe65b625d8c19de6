// Package callout implements the stream-layer callback set the engine
// invokes: classify, notify and flow delete.
//
// The decision function is a stub that permits every segment. What the
// monitor does do is account: each classified flow gets an entry in a
// FlowTable that lives until the engine delivers FlowDelete for it,
// and each callback is counted and traced.
//
// All three callbacks run on engine goroutines, concurrently with each
// other and with registration. They never block and never touch
// session state.
package callout

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/logging"
)

// Monitor is the NetworkMonitor stream callout.
type Monitor struct {
	flows   FlowTable
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var _ netmon.Callout = (*Monitor)(nil)

// New returns a monitor. A nil metrics disables counting.
func New(metrics *Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		metrics: metrics,
		logger:  logger.With("component", "callout"),
		now:     time.Now,
	}
}

// Flows returns the monitor's flow table.
func (m *Monitor) Flows() *FlowTable {
	return &m.flows
}

func (m *Monitor) trace(msg string, args ...any) {
	ctx := context.Background()
	if m.logger.Enabled(ctx, logging.LevelTrace.ToSlog()) {
		m.logger.Log(ctx, logging.LevelTrace.ToSlog(), msg, args...)
	}
}

// Classify permits the segment. A nil out is ignored.
func (m *Monitor) Classify(values *netmon.IncomingValues, meta *netmon.IncomingMetadata, layerData *netmon.StreamData,
	classifyCtx netmon.ClassifyHandle, filter *netmon.Filter, flow netmon.FlowContext, out *netmon.ClassifyOut) {
	if out == nil {
		m.trace("classify invoked without output", "flow", flow)
		return
	}

	if flow != 0 {
		layer := netmon.LayerUnspecified
		if values != nil {
			layer = values.Layer
		}
		n := 0
		if layerData != nil {
			n = len(layerData.Data)
		}
		if _, created := m.flows.Observe(flow, layer, n, m.now()); created && m.metrics != nil {
			m.metrics.setTracked(m.flows.Len())
		}
	}

	out.Action = netmon.ActionPermit
	if m.metrics != nil {
		m.metrics.classified(out.Action)
	}

	if m.logger.Enabled(context.Background(), logging.LevelTrace.ToSlog()) {
		args := []any{"flow", flow, "classify_ctx", classifyCtx, "action", out.Action}
		if values != nil {
			args = append(args, "local", values.Local, "remote", values.Remote, "direction", values.Direction)
		}
		if meta != nil && meta.ProcessID != 0 {
			args = append(args, "pid", meta.ProcessID)
		}
		if filter != nil {
			args = append(args, "filter_id", filter.ID)
		}
		m.trace("classify invoked", args...)
	}
}

// Notify accepts every filter lifecycle event.
func (m *Monitor) Notify(notifyType netmon.NotifyType, filterKey uuid.UUID, filter *netmon.Filter) error {
	if m.metrics != nil {
		m.metrics.notified(notifyType)
	}
	var id uint64
	if filter != nil {
		id = filter.ID
	}
	m.logger.Debug("notify", "type", notifyType, "filter", filterKey, "filter_id", id)
	return nil
}

// FlowDelete releases the state held for flow.
func (m *Monitor) FlowDelete(layer netmon.LayerID, runID netmon.CalloutRunID, flow netmon.FlowContext) {
	st, ok := m.flows.Release(flow)
	if m.metrics != nil {
		m.metrics.flowDeleted()
		if ok {
			m.metrics.setTracked(m.flows.Len())
		}
	}
	if ok {
		m.trace("flow deleted", "layer_id", layer, "run_id", runID, "flow", flow,
			"segments", st.Segments(), "bytes", st.Bytes(), "age", m.now().Sub(st.FirstSeen))
		return
	}
	m.trace("flow deleted", "layer_id", layer, "run_id", runID, "flow", flow)
}
