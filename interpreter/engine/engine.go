// Package engine implements the filtering engine the callout registers
// with: a management-plane object store plus the runtime dispatch
// table, and the filter evaluation that routes stream segments to
// registered callouts.
//
// The engine enforces the two ordering rules the callout lifecycle
// depends on. A callout descriptor can only be added while a runtime
// record with the same key is registered, and classify calls are only
// delivered to live runtime records, so once a record has been
// unregistered no callback reaches it again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
	"github.com/frobware/go-netmon/interpreter/dispatch"
)

// Engine is a filtering engine backed by an object store.
type Engine struct {
	store    interpreter.ObjectStore
	table    *dispatch.Table
	logger   *slog.Logger
	nextFlow atomic.Uint64
	sessions atomic.Int64
}

var _ interpreter.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDispatchTable shares an existing dispatch table.
func WithDispatchTable(t *dispatch.Table) Option {
	return func(e *Engine) {
		e.table = t
	}
}

// New creates an engine over store.
func New(store interpreter.ObjectStore, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.table == nil {
		e.table = dispatch.New(e.logger)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Open opens a management-plane session.
func (e *Engine) Open(ctx context.Context) (interpreter.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := e.sessions.Add(1)
	e.logger.DebugContext(ctx, "session opened", "sessions", n)
	return &session{engine: e}, nil
}

// Dispatcher returns the runtime dispatch subsystem.
func (e *Engine) Dispatcher() interpreter.Dispatcher {
	return e.table
}

// Table returns the runtime dispatch table.
func (e *Engine) Table() *dispatch.Table {
	return e.table
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	return int(e.sessions.Load())
}

// Close closes the object store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// NewFlow allocates a flow context for a new stream.
func (e *Engine) NewFlow() netmon.FlowContext {
	return netmon.FlowContext(e.nextFlow.Add(1))
}

// Classify evaluates the filters on the segment's layer in order and
// delivers the segment to each filter's callout until one returns a
// terminating action. Filters whose callout has no runtime record are
// skipped. With no terminating decision the segment is permitted.
func (e *Engine) Classify(ctx context.Context, flow netmon.FlowContext, values *netmon.IncomingValues,
	meta *netmon.IncomingMetadata, data *netmon.StreamData) (netmon.Action, error) {
	if values == nil {
		return netmon.ActionContinue, fmt.Errorf("classify: no incoming values: %w", netmon.StatusUnsuccessful)
	}

	filters, err := e.store.FiltersForLayer(ctx, values.Layer)
	if err != nil {
		return netmon.ActionContinue, fmt.Errorf("classify: list filters: %w", err)
	}

	for i := range filters {
		f := &filters[i]
		out := netmon.ClassifyOut{Action: netmon.ActionContinue}
		err := e.table.Classify(f.CalloutKey, values, meta, data, netmon.ClassifyHandle(f.ID), f, flow, &out)
		if errors.Is(err, netmon.StatusCalloutNotRegistered) {
			continue
		}
		if err != nil {
			return netmon.ActionContinue, err
		}
		if out.Action.Terminating() || out.Action == netmon.ActionNeedMoreContext {
			return out.Action, nil
		}
	}
	return netmon.ActionPermit, nil
}

// EndFlow delivers flow deletion to every callout that classified flow.
func (e *Engine) EndFlow(flow netmon.FlowContext) int {
	return e.table.EndFlow(flow)
}

type session struct {
	engine *Engine
	closed atomic.Bool
}

func (s *session) check(op string) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: %w", op, netmon.StatusInvalidHandle)
	}
	return nil
}

func (s *session) AddProvider(ctx context.Context, p netmon.ProviderIdentity) error {
	if err := s.check("add provider"); err != nil {
		return err
	}
	return s.engine.store.AddProvider(ctx, p)
}

func (s *session) DeleteProvider(ctx context.Context, key uuid.UUID) error {
	if err := s.check("delete provider"); err != nil {
		return err
	}
	return s.engine.store.DeleteProvider(ctx, key)
}

func (s *session) AddSublayer(ctx context.Context, sl netmon.SublayerIdentity) error {
	if err := s.check("add sublayer"); err != nil {
		return err
	}
	return s.engine.store.AddSublayer(ctx, sl)
}

func (s *session) DeleteSublayer(ctx context.Context, key uuid.UUID) error {
	if err := s.check("delete sublayer"); err != nil {
		return err
	}
	return s.engine.store.DeleteSublayer(ctx, key)
}

// AddCallout refuses a descriptor whose runtime record is absent.
func (s *session) AddCallout(ctx context.Context, c netmon.CalloutIdentity) error {
	if err := s.check("add callout"); err != nil {
		return err
	}
	if !s.engine.table.Registered(c.Key) {
		return fmt.Errorf("callout %s: %w", c.Key, netmon.StatusCalloutNotRegistered)
	}
	return s.engine.store.AddCallout(ctx, c)
}

func (s *session) DeleteCallout(ctx context.Context, key uuid.UUID) error {
	if err := s.check("delete callout"); err != nil {
		return err
	}
	return s.engine.store.DeleteCallout(ctx, key)
}

// AddFilter stores f and notifies its callout. A callout that vetoes
// the add causes the filter to be removed again.
func (s *session) AddFilter(ctx context.Context, f netmon.Filter) (uint64, error) {
	if err := s.check("add filter"); err != nil {
		return 0, err
	}
	if f.Key == uuid.Nil {
		f.Key = uuid.New()
	}

	id, err := s.engine.store.AddFilter(ctx, f)
	if err != nil {
		return 0, err
	}
	f.ID = id

	err = s.engine.table.Notify(f.CalloutKey, netmon.NotifyAdd, &f)
	switch {
	case err == nil, errors.Is(err, netmon.StatusCalloutNotRegistered):
		return id, nil
	default:
		s.engine.logger.WarnContext(ctx, "callout vetoed filter add",
			"filter", f.Key, "callout", f.CalloutKey, "status", netmon.StatusOf(err).Hex())
		if _, rbErr := s.engine.store.DeleteFilter(ctx, f.Key); rbErr != nil {
			return 0, errors.Join(fmt.Errorf("add filter %s: %w", f.Key, err), fmt.Errorf("rollback: %w", rbErr))
		}
		return 0, fmt.Errorf("add filter %s: %w", f.Key, err)
	}
}

// DeleteFilter removes a filter and notifies its callout. A veto on
// delete is logged but cannot stop the deletion.
func (s *session) DeleteFilter(ctx context.Context, key uuid.UUID) error {
	if err := s.check("delete filter"); err != nil {
		return err
	}
	f, err := s.engine.store.DeleteFilter(ctx, key)
	if err != nil {
		return err
	}
	if err := s.engine.table.Notify(f.CalloutKey, netmon.NotifyDelete, &f); err != nil &&
		!errors.Is(err, netmon.StatusCalloutNotRegistered) {
		s.engine.logger.WarnContext(ctx, "callout rejected filter delete",
			"filter", key, "callout", f.CalloutKey, "status", netmon.StatusOf(err).Hex())
	}
	return nil
}

func (s *session) Objects(ctx context.Context) (interpreter.Objects, error) {
	if err := s.check("list objects"); err != nil {
		return interpreter.Objects{}, err
	}
	return s.engine.store.Objects(ctx)
}

// Close ends the session. Closing twice fails with
// netmon.StatusInvalidHandle.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return netmon.StatusInvalidHandle
	}
	n := s.engine.sessions.Add(-1)
	s.engine.logger.Debug("session closed", "sessions", n)
	return nil
}
