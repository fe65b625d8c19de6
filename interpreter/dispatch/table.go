// Package dispatch implements the runtime dispatch table: the registry
// of callouts the engine invokes, keyed by callout key and run ID.
//
// # Quiescing
//
// Every delivery holds a reference on the target record for the
// duration of the callback. Unregister marks the record draining, so no
// new delivery can start, then waits on a condition variable until the
// reference count drops to zero. Only then are the flows still
// associated with the record handed to FlowDelete and the record
// removed. A caller that returns from Unregister therefore knows no
// callback for that record is running or will run again.
//
// # Flow association
//
// A flow context becomes associated with a record the first time it is
// classified by that record. The association is removed under the
// table lock before FlowDelete is called, which is what makes flow
// deletion exactly-once per (record, flow) pair whether it is triggered
// by EndFlow or by Unregister.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
)

type record struct {
	id       netmon.CalloutRunID
	key      uuid.UUID
	callout  netmon.Callout
	inflight int
	draining bool
	flows    map[netmon.FlowContext]netmon.LayerID
}

// Table is the runtime dispatch table. It implements
// interpreter.Dispatcher and is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	idle   *sync.Cond
	nextID netmon.CalloutRunID
	byID   map[netmon.CalloutRunID]*record
	byKey  map[uuid.UUID]*record
	logger *slog.Logger
}

// New returns an empty dispatch table.
func New(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		byID:   make(map[netmon.CalloutRunID]*record),
		byKey:  make(map[uuid.UUID]*record),
		logger: logger.With("component", "dispatch"),
	}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// Register records c under key and returns a fresh run ID. A key can
// be registered once; a second registration fails with
// netmon.StatusAlreadyExists.
func (t *Table) Register(key uuid.UUID, c netmon.Callout) (netmon.CalloutRunID, error) {
	if c == nil {
		return 0, netmon.StatusUnsuccessful
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byKey[key]; ok {
		t.logger.Warn("callout already registered", "key", key, "status", netmon.StatusAlreadyExists.Hex())
		return 0, netmon.StatusAlreadyExists
	}

	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	rec := &record{
		id:      t.nextID,
		key:     key,
		callout: c,
		flows:   make(map[netmon.FlowContext]netmon.LayerID),
	}
	t.byID[rec.id] = rec
	t.byKey[key] = rec

	t.logger.Debug("registered callout", "key", key, "run_id", rec.id)
	return rec.id, nil
}

// Unregister waits for in-flight callbacks on the record to return,
// delivers FlowDelete for every flow still associated with it, and
// removes it. An unknown run ID fails with netmon.StatusNotFound.
func (t *Table) Unregister(id netmon.CalloutRunID) error {
	t.mu.Lock()
	rec, ok := t.byID[id]
	if !ok || rec.draining {
		t.mu.Unlock()
		return netmon.StatusNotFound
	}

	rec.draining = true
	for rec.inflight > 0 {
		t.idle.Wait()
	}
	flows := rec.flows
	rec.flows = nil
	delete(t.byID, id)
	delete(t.byKey, rec.key)
	t.mu.Unlock()

	for flow, layer := range flows {
		rec.callout.FlowDelete(layer, rec.id, flow)
	}

	t.logger.Debug("unregistered callout", "key", rec.key, "run_id", id, "flows_released", len(flows))
	return nil
}

// Registered reports whether a live (not draining) record exists for
// key.
func (t *Table) Registered(key uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byKey[key]
	return ok && !rec.draining
}

// Len returns the number of registered records, including draining
// ones.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// acquire takes a delivery reference on the live record for key.
func (t *Table) acquire(key uuid.UUID) (*record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byKey[key]
	if !ok || rec.draining {
		return nil, false
	}
	rec.inflight++
	return rec, true
}

func (t *Table) release(rec *record) {
	t.mu.Lock()
	rec.inflight--
	if rec.inflight == 0 {
		t.idle.Broadcast()
	}
	t.mu.Unlock()
}

// Classify delivers a classify call to the callout registered under
// key and associates flow with it. It fails with
// netmon.StatusCalloutNotRegistered if no live record exists.
func (t *Table) Classify(key uuid.UUID, values *netmon.IncomingValues, meta *netmon.IncomingMetadata,
	data *netmon.StreamData, handle netmon.ClassifyHandle, filter *netmon.Filter,
	flow netmon.FlowContext, out *netmon.ClassifyOut) error {
	rec, ok := t.acquire(key)
	if !ok {
		return netmon.StatusCalloutNotRegistered
	}
	defer t.release(rec)

	if flow != 0 {
		layer := netmon.LayerIDStreamV4
		if values != nil {
			layer = values.Layer.ID()
		}
		t.mu.Lock()
		if rec.flows != nil {
			if _, seen := rec.flows[flow]; !seen {
				rec.flows[flow] = layer
			}
		}
		t.mu.Unlock()
	}

	rec.callout.Classify(values, meta, data, handle, filter, flow, out)
	return nil
}

// Notify delivers a filter lifecycle event to the callout registered
// under key and returns its verdict.
func (t *Table) Notify(key uuid.UUID, notifyType netmon.NotifyType, filter *netmon.Filter) error {
	rec, ok := t.acquire(key)
	if !ok {
		return netmon.StatusCalloutNotRegistered
	}
	defer t.release(rec)

	var filterKey uuid.UUID
	if filter != nil {
		filterKey = filter.Key
	}
	return rec.callout.Notify(notifyType, filterKey, filter)
}

// EndFlow delivers FlowDelete to every live record that classified
// flow and returns how many were notified. A second EndFlow for the
// same flow is a no-op.
func (t *Table) EndFlow(flow netmon.FlowContext) int {
	type target struct {
		rec   *record
		layer netmon.LayerID
	}

	t.mu.Lock()
	var targets []target
	for _, rec := range t.byID {
		if rec.draining || rec.flows == nil {
			continue
		}
		layer, ok := rec.flows[flow]
		if !ok {
			continue
		}
		delete(rec.flows, flow)
		rec.inflight++
		targets = append(targets, target{rec: rec, layer: layer})
	}
	t.mu.Unlock()

	for _, tg := range targets {
		tg.rec.callout.FlowDelete(tg.layer, tg.rec.id, flow)
		t.release(tg.rec)
	}
	return len(targets)
}
