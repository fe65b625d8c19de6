// Package enginetest provides a recording fake filtering engine with
// per-operation fault injection. It keeps just enough state to answer
// with realistic statuses (already-exists, not-found, callout not
// registered) and records every call so tests can assert on the exact
// sequence the lifecycle code issued.
package enginetest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
)

// Operation names recorded by the fake.
const (
	OpOpen           = "open"
	OpClose          = "close"
	OpAddProvider    = "add-provider"
	OpDeleteProvider = "delete-provider"
	OpAddSublayer    = "add-sublayer"
	OpDeleteSublayer = "delete-sublayer"
	OpAddCallout     = "add-callout"
	OpDeleteCallout  = "delete-callout"
	OpAddFilter      = "add-filter"
	OpDeleteFilter   = "delete-filter"
	OpRegister       = "register"
	OpUnregister     = "unregister"
)

// Op records one call made against the fake engine.
type Op struct {
	Op    string
	Key   uuid.UUID
	RunID netmon.CalloutRunID
	Err   error
}

func (o Op) String() string {
	switch {
	case o.RunID != 0:
		return fmt.Sprintf("%s(%d)", o.Op, o.RunID)
	case o.Key != uuid.Nil:
		return fmt.Sprintf("%s(%s)", o.Op, o.Key)
	default:
		return o.Op
	}
}

// Engine implements interpreter.Engine for tests.
type Engine struct {
	mu        sync.Mutex
	ops       []Op
	providers map[uuid.UUID]bool
	sublayers map[uuid.UUID]bool
	callouts  map[uuid.UUID]bool
	filters   map[uuid.UUID]netmon.Filter
	records   map[netmon.CalloutRunID]uuid.UUID
	callbacks map[uuid.UUID]netmon.Callout
	nextRunID netmon.CalloutRunID
	sessions  int

	// Error injection, keyed by operation name.
	failOn map[string]error
}

var _ interpreter.Engine = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		providers: make(map[uuid.UUID]bool),
		sublayers: make(map[uuid.UUID]bool),
		callouts:  make(map[uuid.UUID]bool),
		filters:   make(map[uuid.UUID]netmon.Filter),
		records:   make(map[netmon.CalloutRunID]uuid.UUID),
		callbacks: make(map[uuid.UUID]netmon.Callout),
		failOn:    make(map[string]error),
		nextRunID: 100,
	}
}

// FailOn makes every later call of op fail with err. The call is still
// recorded. A nil err clears the injection.
func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failOn, op)
		return
	}
	e.failOn[op] = err
}

// SeedProvider marks a provider as already present, as if left behind
// by another registrant or an unclean unload.
func (e *Engine) SeedProvider(key uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[key] = true
}

// SeedSublayer marks a sublayer as already present.
func (e *Engine) SeedSublayer(key uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sublayers[key] = true
}

// Ops returns a copy of the recorded calls.
func (e *Engine) Ops() []Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ops)
}

// OpNames returns the names of the recorded calls in order.
func (e *Engine) OpNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.ops))
	for i, op := range e.ops {
		names[i] = op.Op
	}
	return names
}

// Count returns how many times op was called.
func (e *Engine) Count(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.ops {
		if o.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls but keeps engine state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = nil
}

// HasProvider reports whether the provider exists.
func (e *Engine) HasProvider(key uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.providers[key]
}

// HasSublayer reports whether the sublayer exists.
func (e *Engine) HasSublayer(key uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sublayers[key]
}

// HasCallout reports whether the callout descriptor exists.
func (e *Engine) HasCallout(key uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callouts[key]
}

// Records returns the number of live runtime dispatch records.
func (e *Engine) Records() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// Callout returns the callback set registered under key, if any.
func (e *Engine) Callout(key uuid.UUID) (netmon.Callout, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.callbacks[key]
	return c, ok
}

// record appends op and returns the injected error for it, if any.
// Callers hold e.mu.
func (e *Engine) record(op string, key uuid.UUID, id netmon.CalloutRunID) error {
	err := e.failOn[op]
	e.ops = append(e.ops, Op{Op: op, Key: key, RunID: id, Err: err})
	return err
}

// Open opens a session.
func (e *Engine) Open(ctx context.Context) (interpreter.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpOpen, uuid.Nil, 0); err != nil {
		return nil, err
	}
	e.sessions++
	return &session{engine: e}, nil
}

// Dispatcher returns the fake runtime dispatch subsystem.
func (e *Engine) Dispatcher() interpreter.Dispatcher {
	return dispatcher{engine: e}
}

type dispatcher struct {
	engine *Engine
}

func (d dispatcher) Register(key uuid.UUID, c netmon.Callout) (netmon.CalloutRunID, error) {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpRegister, key, 0); err != nil {
		return 0, err
	}
	if _, ok := e.callbacks[key]; ok {
		return 0, netmon.StatusAlreadyExists
	}
	e.nextRunID++
	e.records[e.nextRunID] = key
	e.callbacks[key] = c
	e.ops[len(e.ops)-1].RunID = e.nextRunID
	return e.nextRunID, nil
}

func (d dispatcher) Unregister(id netmon.CalloutRunID) error {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpUnregister, uuid.Nil, id); err != nil {
		return err
	}
	key, ok := e.records[id]
	if !ok {
		return netmon.StatusNotFound
	}
	delete(e.records, id)
	delete(e.callbacks, key)
	return nil
}

type session struct {
	engine *Engine
	closed bool
}

func (s *session) begin(op string, key uuid.UUID) error {
	s.engine.mu.Lock()
	if s.closed {
		s.engine.mu.Unlock()
		return netmon.StatusInvalidHandle
	}
	if err := s.engine.record(op, key, 0); err != nil {
		s.engine.mu.Unlock()
		return err
	}
	return nil
}

func (s *session) AddProvider(_ context.Context, p netmon.ProviderIdentity) error {
	if err := s.begin(OpAddProvider, p.Key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	return add(s.engine.providers, p.Key)
}

func (s *session) DeleteProvider(_ context.Context, key uuid.UUID) error {
	if err := s.begin(OpDeleteProvider, key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	return remove(s.engine.providers, key, netmon.StatusProviderNotFound)
}

func (s *session) AddSublayer(_ context.Context, sl netmon.SublayerIdentity) error {
	if err := s.begin(OpAddSublayer, sl.Key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	return add(s.engine.sublayers, sl.Key)
}

func (s *session) DeleteSublayer(_ context.Context, key uuid.UUID) error {
	if err := s.begin(OpDeleteSublayer, key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	return remove(s.engine.sublayers, key, netmon.StatusSublayerNotFound)
}

func (s *session) AddCallout(_ context.Context, c netmon.CalloutIdentity) error {
	if err := s.begin(OpAddCallout, c.Key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	if _, ok := s.engine.callbacks[c.Key]; !ok {
		return netmon.StatusCalloutNotRegistered
	}
	return add(s.engine.callouts, c.Key)
}

func (s *session) DeleteCallout(_ context.Context, key uuid.UUID) error {
	if err := s.begin(OpDeleteCallout, key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	return remove(s.engine.callouts, key, netmon.StatusCalloutNotFound)
}

func (s *session) AddFilter(_ context.Context, f netmon.Filter) (uint64, error) {
	if err := s.begin(OpAddFilter, f.Key); err != nil {
		return 0, err
	}
	defer s.engine.mu.Unlock()
	if _, ok := s.engine.filters[f.Key]; ok {
		return 0, netmon.StatusAlreadyExists
	}
	f.ID = uint64(len(s.engine.filters) + 1)
	s.engine.filters[f.Key] = f
	return f.ID, nil
}

func (s *session) DeleteFilter(_ context.Context, key uuid.UUID) error {
	if err := s.begin(OpDeleteFilter, key); err != nil {
		return err
	}
	defer s.engine.mu.Unlock()
	if _, ok := s.engine.filters[key]; !ok {
		return netmon.StatusNotFound
	}
	delete(s.engine.filters, key)
	return nil
}

func (s *session) Objects(_ context.Context) (interpreter.Objects, error) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.closed {
		return interpreter.Objects{}, netmon.StatusInvalidHandle
	}
	var objs interpreter.Objects
	for key := range e.providers {
		objs.Providers = append(objs.Providers, netmon.ProviderIdentity{Key: key})
	}
	for key := range e.sublayers {
		objs.Sublayers = append(objs.Sublayers, netmon.SublayerIdentity{Key: key})
	}
	for key := range e.callouts {
		objs.Callouts = append(objs.Callouts, netmon.CalloutIdentity{Key: key})
	}
	for _, f := range e.filters {
		objs.Filters = append(objs.Filters, f)
	}
	return objs, nil
}

func (s *session) Close() error {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.closed {
		return netmon.StatusInvalidHandle
	}
	if err := e.record(OpClose, uuid.Nil, 0); err != nil {
		return err
	}
	s.closed = true
	e.sessions--
	return nil
}

func add(set map[uuid.UUID]bool, key uuid.UUID) error {
	if set[key] {
		return netmon.StatusAlreadyExists
	}
	set[key] = true
	return nil
}

func remove(set map[uuid.UUID]bool, key uuid.UUID, notFound netmon.Status) error {
	if !set[key] {
		return notFound
	}
	delete(set, key)
	return nil
}
