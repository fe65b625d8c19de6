package callout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/frobware/go-netmon"
)

// FlowState is what the monitor keeps for one flow between its first
// classify and its flow delete.
type FlowState struct {
	Layer     netmon.Layer
	FirstSeen time.Time
	segments  atomic.Uint64
	bytes     atomic.Uint64
}

// Segments returns the number of classify calls seen for the flow.
func (s *FlowState) Segments() uint64 { return s.segments.Load() }

// Bytes returns the stream payload bytes seen for the flow.
func (s *FlowState) Bytes() uint64 { return s.bytes.Load() }

// FlowTable maps flow contexts to per-flow state. Entries are created
// on first classify and removed only by Release, which the monitor
// calls from FlowDelete.
type FlowTable struct {
	m sync.Map // netmon.FlowContext -> *FlowState
	n atomic.Int64
}

// Observe records one segment for flow, creating its state on first
// sight. It returns the state and whether it was created.
func (t *FlowTable) Observe(flow netmon.FlowContext, layer netmon.Layer, n int, now time.Time) (*FlowState, bool) {
	v, ok := t.m.Load(flow)
	created := false
	if !ok {
		v, ok = t.m.LoadOrStore(flow, &FlowState{Layer: layer, FirstSeen: now})
		if !ok {
			t.n.Add(1)
			created = true
		}
	}
	st := v.(*FlowState)
	st.segments.Add(1)
	if n > 0 {
		st.bytes.Add(uint64(n))
	}
	return st, created
}

// Lookup returns the state for flow.
func (t *FlowTable) Lookup(flow netmon.FlowContext) (*FlowState, bool) {
	v, ok := t.m.Load(flow)
	if !ok {
		return nil, false
	}
	return v.(*FlowState), true
}

// Release removes and returns the state for flow.
func (t *FlowTable) Release(flow netmon.FlowContext) (*FlowState, bool) {
	v, ok := t.m.LoadAndDelete(flow)
	if !ok {
		return nil, false
	}
	t.n.Add(-1)
	return v.(*FlowState), true
}

// Len returns the number of tracked flows.
func (t *FlowTable) Len() int {
	return int(t.n.Load())
}
