package netmon

import (
	"net/netip"

	"github.com/google/uuid"
)

// Action is the decision a classify callback writes for a flow.
type Action uint8

const (
	// ActionContinue defers the decision to the next filter.
	ActionContinue Action = iota
	ActionPermit
	ActionBlock
	// ActionNeedMoreContext asks the engine to call again with more data.
	ActionNeedMoreContext
)

func (a Action) String() string {
	switch a {
	case ActionPermit:
		return "permit"
	case ActionBlock:
		return "block"
	case ActionNeedMoreContext:
		return "more-context"
	default:
		return "continue"
	}
}

// Terminating reports whether the action ends filter evaluation.
func (a Action) Terminating() bool {
	return a == ActionPermit || a == ActionBlock
}

// NotifyType is the filter lifecycle event delivered to Notify.
type NotifyType uint8

const (
	NotifyAdd NotifyType = iota
	NotifyDelete
)

func (n NotifyType) String() string {
	switch n {
	case NotifyAdd:
		return "add"
	case NotifyDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Direction of a stream segment relative to the local host.
type Direction uint8

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// IncomingValues are the fixed classification fields of a stream
// segment.
type IncomingValues struct {
	Layer     Layer
	Local     netip.AddrPort
	Remote    netip.AddrPort
	Direction Direction
}

// IncomingMetadata carries optional per-segment metadata.
type IncomingMetadata struct {
	ProcessID   uint64
	ProcessPath string
	FlowHandle  uint64
}

// StreamData is the layer data for the stream layer.
type StreamData struct {
	Data []byte
	// Disconnect is set for the final segment of a direction.
	Disconnect bool
}

// ClassifyHandle is an opaque handle the engine passes through
// Classify; callouts that pend a decision hand it back.
type ClassifyHandle uint64

// ClassifyOut receives the decision of a Classify call.
type ClassifyOut struct {
	Action Action
}

// Filter is a management-plane filter that routes matching traffic on
// a layer to a callout.
type Filter struct {
	Key         uuid.UUID `json:"key"`
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Layer       Layer     `json:"layer"`
	SublayerKey uuid.UUID `json:"sublayer_key"`
	CalloutKey  uuid.UUID `json:"callout_key"`
	Weight      uint64    `json:"weight"`
}

// Callout is the callback contract the filtering engine invokes. All
// three methods may be called concurrently from engine goroutines and
// must not block.
type Callout interface {
	// Classify decides the action for one stream segment. A nil out
	// must be tolerated without writing.
	Classify(values *IncomingValues, meta *IncomingMetadata, layerData *StreamData,
		classifyCtx ClassifyHandle, filter *Filter, flow FlowContext, out *ClassifyOut)

	// Notify is invoked when a filter referencing the callout is added
	// or deleted. A non-nil error vetoes the event.
	Notify(notifyType NotifyType, filterKey uuid.UUID, filter *Filter) error

	// FlowDelete is invoked exactly once when a classified flow ends.
	// It is the only place per-flow state may be released.
	FlowDelete(layer LayerID, runID CalloutRunID, flow FlowContext)
}
