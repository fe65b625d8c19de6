// Package interpreter contains the interfaces at the boundary with the
// filtering engine. Implementations in the subpackages are the only
// code that touches engine state.
package interpreter

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
)

// Objects is a snapshot of the management-plane objects held by the
// engine.
type Objects struct {
	Providers []netmon.ProviderIdentity `json:"providers"`
	Sublayers []netmon.SublayerIdentity `json:"sublayers"`
	Callouts  []netmon.CalloutIdentity  `json:"callouts"`
	Filters   []netmon.Filter           `json:"filters"`
}

// ProviderWriter adds and deletes providers.
// AddProvider returns netmon.StatusAlreadyExists if the key is taken.
// DeleteProvider returns netmon.StatusProviderNotFound if it is not.
type ProviderWriter interface {
	AddProvider(ctx context.Context, p netmon.ProviderIdentity) error
	DeleteProvider(ctx context.Context, key uuid.UUID) error
}

// SublayerWriter adds and deletes sublayers.
type SublayerWriter interface {
	AddSublayer(ctx context.Context, s netmon.SublayerIdentity) error
	DeleteSublayer(ctx context.Context, key uuid.UUID) error
}

// CalloutWriter adds and deletes management-plane callout descriptors.
type CalloutWriter interface {
	AddCallout(ctx context.Context, c netmon.CalloutIdentity) error
	DeleteCallout(ctx context.Context, key uuid.UUID) error
}

// FilterWriter adds and deletes filters. AddFilter returns the
// runtime filter ID assigned by the engine.
type FilterWriter interface {
	AddFilter(ctx context.Context, f netmon.Filter) (uint64, error)
	DeleteFilter(ctx context.Context, key uuid.UUID) error
}

// ObjectLister lists the management-plane objects.
type ObjectLister interface {
	Objects(ctx context.Context) (Objects, error)
}

// ObjectStore persists management-plane objects. It enforces key
// uniqueness and references between objects; it knows nothing about
// the runtime dispatch table.
type ObjectStore interface {
	io.Closer
	ProviderWriter
	SublayerWriter
	CalloutWriter
	ObjectLister

	// AddFilter stores f and returns its assigned ID.
	AddFilter(ctx context.Context, f netmon.Filter) (uint64, error)
	// DeleteFilter removes a filter and returns what was removed.
	DeleteFilter(ctx context.Context, key uuid.UUID) (netmon.Filter, error)
	// FiltersForLayer returns the filters on layer in evaluation
	// order: sublayer weight descending, then filter weight
	// descending.
	FiltersForLayer(ctx context.Context, layer netmon.Layer) ([]netmon.Filter, error)
}

// Session is an open management-plane connection to the filtering
// engine. Calls after Close fail with netmon.StatusInvalidHandle.
type Session interface {
	ProviderWriter
	SublayerWriter
	CalloutWriter
	FilterWriter
	ObjectLister
	Close() error
}

// Dispatcher is the runtime dispatch subsystem that invokes callouts.
type Dispatcher interface {
	// Register records c under key and returns a fresh run ID.
	Register(key uuid.UUID, c netmon.Callout) (netmon.CalloutRunID, error)

	// Unregister removes the record with the given run ID. It returns
	// only after every in-flight callback for the record has returned
	// and every flow still associated with it has been delivered to
	// FlowDelete. It must not be called from inside a callback.
	Unregister(id netmon.CalloutRunID) error
}

// Engine is the filtering engine.
type Engine interface {
	Open(ctx context.Context) (Session, error)
	Dispatcher() Dispatcher
}
