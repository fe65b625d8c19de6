// Package netmon defines the domain types shared by the stream-layer
// callout: object identities registered with the filtering engine,
// engine status codes, and the callback contract the engine invokes.
package netmon

import (
	"fmt"

	"github.com/google/uuid"
)

// CalloutRunID is the runtime identifier the dispatch subsystem assigns
// when a callout is registered. Zero means "not registered".
type CalloutRunID uint32

// FlowContext is an opaque per-flow value supplied to Classify and
// handed back unchanged to FlowDelete.
type FlowContext uint64

// ProviderIdentity names the provider that owns this component's
// objects in the engine's shared provider namespace.
type ProviderIdentity struct {
	Key  uuid.UUID `json:"key"`
	Name string    `json:"name"`
}

// SublayerIdentity names the sublayer the callout's filters live in.
// Sublayers with a higher Weight are evaluated first.
type SublayerIdentity struct {
	Key         uuid.UUID `json:"key"`
	Name        string    `json:"name"`
	ProviderKey uuid.UUID `json:"provider_key"`
	Weight      uint16    `json:"weight"`
}

// CalloutIdentity is shared by the runtime dispatch record and the
// management-plane callout descriptor. Both are registered under Key.
type CalloutIdentity struct {
	Key         uuid.UUID `json:"key"`
	Name        string    `json:"name"`
	ProviderKey uuid.UUID `json:"provider_key"`
	Layer       Layer     `json:"layer"`
}

// Identities groups the three identities a session registers.
type Identities struct {
	Provider ProviderIdentity
	Sublayer SublayerIdentity
	Callout  CalloutIdentity
}

// Validate checks that every key is set and that the sublayer and
// callout reference the provider.
func (ids Identities) Validate() error {
	if ids.Provider.Key == uuid.Nil {
		return fmt.Errorf("provider key is required")
	}
	if ids.Sublayer.Key == uuid.Nil {
		return fmt.Errorf("sublayer key is required")
	}
	if ids.Callout.Key == uuid.Nil {
		return fmt.Errorf("callout key is required")
	}
	if ids.Sublayer.ProviderKey != ids.Provider.Key {
		return fmt.Errorf("sublayer %s references provider %s, want %s",
			ids.Sublayer.Key, ids.Sublayer.ProviderKey, ids.Provider.Key)
	}
	if ids.Callout.ProviderKey != ids.Provider.Key {
		return fmt.Errorf("callout %s references provider %s, want %s",
			ids.Callout.Key, ids.Callout.ProviderKey, ids.Provider.Key)
	}
	if ids.Callout.Layer == LayerUnspecified {
		return fmt.Errorf("callout %s has no applicable layer", ids.Callout.Key)
	}
	return nil
}

// Default identities of the NetworkMonitor callout.
var (
	DefaultProviderKey = uuid.MustParse("4e5f3b8a-7d0d-4a0b-9f31-2b7e551a9c11")
	DefaultSublayerKey = uuid.MustParse("0f7cf9b0-6bbd-4a8e-8a3b-4c41a03f2273")
	DefaultCalloutKey  = uuid.MustParse("6b9f4a2d-3b79-4fda-874a-2e1b493d105c")
)

// DefaultSublayerWeight places the sublayer above the engine's
// built-in zero-weight sublayers.
const DefaultSublayerWeight uint16 = 0x100

// DefaultIdentities returns the NetworkMonitor provider, sublayer and
// stream callout.
func DefaultIdentities() Identities {
	return Identities{
		Provider: ProviderIdentity{
			Key:  DefaultProviderKey,
			Name: "NetworkMonitor Provider",
		},
		Sublayer: SublayerIdentity{
			Key:         DefaultSublayerKey,
			Name:        "NetworkMonitor Sublayer",
			ProviderKey: DefaultProviderKey,
			Weight:      DefaultSublayerWeight,
		},
		Callout: CalloutIdentity{
			Key:         DefaultCalloutKey,
			Name:        "NetworkMonitor Stream Callout",
			ProviderKey: DefaultProviderKey,
			Layer:       LayerStreamV4,
		},
	}
}
